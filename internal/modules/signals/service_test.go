package signals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/config"
	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/audit"
	"moves/internal/modules/principles"
	"moves/internal/modules/thesis"
	testutil "moves/internal/testing"
)

type recordedPass struct {
	signalID int64
	decision string
}

type stubPassRecorder struct {
	passes []recordedPass
}

func (s *stubPassRecorder) RecordPass(_ context.Context, sig domain.Signal, decision string) error {
	s.passes = append(s.passes, recordedPass{signalID: sig.ID, decision: decision})
	return nil
}

func newTestSignalService(t *testing.T) (*Service, *database.DB, *stubPassRecorder) {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()

	auditLog := audit.NewLogger(conn, log)
	repo := NewRepository(conn, log)
	svc := NewService(conn, repo, NewScorer(config.ScoringConfig{}, repo),
		thesis.NewRepository(conn, log),
		principles.NewService(principles.NewRepository(conn, log), auditLog, log),
		testutil.NewStubPriceSource(map[string]float64{"NVDA": 130}),
		auditLog, log)

	passes := &stubPassRecorder{}
	svc.SetPassRecorder(passes)
	return svc, db, passes
}

func TestCreate_StoresScoredPendingSignal(t *testing.T) {
	svc, _, _ := newTestSignalService(t)

	created, err := svc.Create(context.Background(), domain.Signal{
		Action:     domain.ActionBuy,
		Symbol:     " nvda ",
		Confidence: 0.7,
		Source:     domain.SourceManual,
	})
	require.NoError(t, err)
	assert.Equal(t, "NVDA", created.Symbol)
	assert.Equal(t, domain.SignalPending, created.Status)
	assert.InDelta(t, 0.7, created.Confidence, 1e-9)
}

func TestCreate_AppliesThesisMultiplier(t *testing.T) {
	svc, db, _ := newTestSignalService(t)
	thesisID := testutil.SeedThesis(t, db, "ai capex", `["NVDA"]`, 0.8)

	conn := db.Conn()
	_, err := conn.Exec(`UPDATE theses SET status = 'CONFIRMED' WHERE id = ?`, thesisID)
	require.NoError(t, err)

	created, err := svc.Create(context.Background(), domain.Signal{
		Action:     domain.ActionBuy,
		Symbol:     "NVDA",
		ThesisID:   &thesisID,
		Confidence: 0.6,
		Source:     domain.SourceThesisUpdate,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.6*1.15, created.Confidence, 1e-9)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	svc, _, _ := newTestSignalService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.Signal{Action: "HOLD", Symbol: "NVDA", Source: domain.SourceManual})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.Create(ctx, domain.Signal{Action: domain.ActionBuy, Symbol: "", Source: domain.SourceManual})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.Create(ctx, domain.Signal{Action: domain.ActionBuy, Symbol: "NVDA", Confidence: 1.2, Source: domain.SourceManual})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	bad := 1.5
	_, err = svc.Create(ctx, domain.Signal{Action: domain.ActionBuy, Symbol: "NVDA", SizePct: &bad, Source: domain.SourceManual})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestTransition_FollowsStatusGraph(t *testing.T) {
	svc, _, _ := newTestSignalService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", Confidence: 0.7, Source: domain.SourceManual,
	})
	require.NoError(t, err)

	// PENDING cannot jump straight to EXECUTED.
	_, err = svc.Transition(ctx, created.ID, domain.SignalExecuted, domain.ActorEngine)
	assert.True(t, domain.IsKind(err, domain.KindStateConflict))

	approved, err := svc.Transition(ctx, created.ID, domain.SignalApproved, domain.ActorUser)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalApproved, approved.Status)
	assert.NotNil(t, approved.DecidedAt)

	executed, err := svc.Transition(ctx, created.ID, domain.SignalExecuted, domain.ActorEngine)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalExecuted, executed.Status)

	// EXECUTED is terminal.
	_, err = svc.Transition(ctx, created.ID, domain.SignalCancelled, domain.ActorUser)
	assert.True(t, domain.IsKind(err, domain.KindStateConflict))
}

func TestTransition_RejectionRecordsWhatIf(t *testing.T) {
	svc, _, passes := newTestSignalService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", Confidence: 0.7, Source: domain.SourceManual,
	})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, created.ID, domain.SignalRejected, domain.ActorUser)
	require.NoError(t, err)

	require.Len(t, passes.passes, 1)
	assert.Equal(t, created.ID, passes.passes[0].signalID)
	assert.Equal(t, "rejected", passes.passes[0].decision)
}

func TestModify_OnlyPendingSignals(t *testing.T) {
	svc, _, _ := newTestSignalService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", Confidence: 0.7, Source: domain.SourceManual,
	})
	require.NoError(t, err)

	size := 0.08
	conf := 0.9
	note := "sizing up"
	modified, err := svc.Modify(created.ID, &size, &conf, &note)
	require.NoError(t, err)
	require.NotNil(t, modified.SizePct)
	assert.InDelta(t, 0.08, *modified.SizePct, 1e-9)
	assert.InDelta(t, 0.9, modified.Confidence, 1e-9)
	assert.Equal(t, "sizing up", modified.Reasoning)

	_, err = svc.Transition(ctx, created.ID, domain.SignalApproved, domain.ActorUser)
	require.NoError(t, err)
	_, err = svc.Modify(created.ID, &size, &conf, nil)
	assert.True(t, domain.IsKind(err, domain.KindStateConflict))
}

func TestModify_PartialUpdateKeepsOtherFields(t *testing.T) {
	svc, _, _ := newTestSignalService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", Confidence: 0.7,
		Source: domain.SourceManual, Reasoning: "initial read",
	})
	require.NoError(t, err)

	// Sizing alone: confidence and reasoning must survive untouched.
	size := 0.06
	modified, err := svc.Modify(created.ID, &size, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, modified.SizePct)
	assert.InDelta(t, 0.06, *modified.SizePct, 1e-9)
	assert.InDelta(t, created.Confidence, modified.Confidence, 1e-9)
	assert.Equal(t, "initial read", modified.Reasoning)

	// Reasoning alone keeps the size set above.
	note := "second look"
	modified, err = svc.Modify(created.ID, nil, nil, &note)
	require.NoError(t, err)
	require.NotNil(t, modified.SizePct)
	assert.InDelta(t, 0.06, *modified.SizePct, 1e-9)
	assert.Equal(t, "second look", modified.Reasoning)

	// An empty modify is rejected outright.
	_, err = svc.Modify(created.ID, nil, nil, nil)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestExpireStale_IgnoresOldPendingSignals(t *testing.T) {
	svc, db, passes := newTestSignalService(t)
	ctx := context.Background()

	stale := testutil.SeedSignal(t, db, "NVDA", domain.ActionBuy, domain.SignalPending, 0.7)
	fresh := testutil.SeedSignal(t, db, "AMD", domain.ActionBuy, domain.SignalPending, 0.7)

	old := time.Now().Add(-25 * time.Hour).Format(domain.TimeFormat)
	_, err := db.Exec(`UPDATE signals SET created_at = ? WHERE id = ?`, old, stale)
	require.NoError(t, err)

	expired, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	sig, err := svc.Get(stale)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalIgnored, sig.Status)

	sig, err = svc.Get(fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalPending, sig.Status)

	require.Len(t, passes.passes, 1)
	assert.Equal(t, stale, passes.passes[0].signalID)
	assert.Equal(t, "ignored", passes.passes[0].decision)
}
