package thesis

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/domain"
	"moves/internal/modules/audit"
	testutil "moves/internal/testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()
	return NewService(conn, NewRepository(conn, log), audit.NewLogger(conn, log), log)
}

func TestCreate_DefaultsToActive(t *testing.T) {
	svc := newTestService(t)

	created, err := svc.Create(domain.Thesis{
		Title:      "AI capex supercycle",
		Symbols:    []string{"nvda", "NVDA", " avgo "},
		Conviction: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisActive, created.Status)
	assert.Equal(t, []string{"NVDA", "AVGO"}, created.Symbols)
	assert.Equal(t, "long", created.Strategy)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(domain.Thesis{Title: "  ", Conviction: 0.5})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.Create(domain.Thesis{Title: "x", Conviction: 1.5})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.Create(domain.Thesis{Title: "x", Status: domain.ThesisConfirmed})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestTransition_WritesVersionRow(t *testing.T) {
	svc := newTestService(t)
	created, err := svc.Create(domain.Thesis{Title: "rate cuts", Conviction: 0.6})
	require.NoError(t, err)

	updated, err := svc.Transition(created.ID, domain.ThesisStrengthening, "guidance raised", "Q2 earnings")
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStrengthening, updated.Status)

	versions, err := svc.Versions(created.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, domain.ThesisActive, versions[0].OldStatus)
	assert.Equal(t, domain.ThesisStrengthening, versions[0].NewStatus)
	assert.Equal(t, "guidance raised", versions[0].Reason)
	assert.Equal(t, "Q2 earnings", versions[0].Evidence)
}

func TestTransition_FollowsStatusGraph(t *testing.T) {
	svc := newTestService(t)
	created, err := svc.Create(domain.Thesis{Title: "ev adoption", Conviction: 0.5})
	require.NoError(t, err)

	// ACTIVE -> STRENGTHENING -> CONFIRMED -> WEAKENING -> INVALIDATED -> ARCHIVED
	path := []domain.ThesisStatus{
		domain.ThesisStrengthening,
		domain.ThesisConfirmed,
		domain.ThesisWeakening,
		domain.ThesisInvalidated,
		domain.ThesisArchived,
	}
	for _, next := range path {
		_, err := svc.Transition(created.ID, next, "step", "")
		require.NoError(t, err, "transition to %s", next)
	}

	versions, err := svc.Versions(created.ID)
	require.NoError(t, err)
	assert.Len(t, versions, len(path))
}

func TestTransition_RejectsInvalidEdge(t *testing.T) {
	svc := newTestService(t)
	created, err := svc.Create(domain.Thesis{Title: "dollar weakness", Conviction: 0.5})
	require.NoError(t, err)

	// ACTIVE -> DRAFT is not an edge.
	_, err = svc.Transition(created.ID, domain.ThesisDraft, "", "")
	assert.True(t, domain.IsKind(err, domain.KindStateConflict))

	// Terminal: ARCHIVED has no outgoing edges.
	_, err = svc.Transition(created.ID, domain.ThesisArchived, "done", "")
	require.NoError(t, err)
	_, err = svc.Transition(created.ID, domain.ThesisActive, "", "")
	assert.True(t, domain.IsKind(err, domain.KindStateConflict))

	versions, err := svc.Versions(created.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "failed transitions must not write versions")
}

func TestAddSymbols_MergesAndBlocksArchived(t *testing.T) {
	svc := newTestService(t)
	created, err := svc.Create(domain.Thesis{Title: "semis", Symbols: []string{"NVDA"}, Conviction: 0.5})
	require.NoError(t, err)

	updated, err := svc.AddSymbols(created.ID, []string{"nvda", "TSM"})
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA", "TSM"}, updated.Symbols)

	_, err = svc.Transition(created.ID, domain.ThesisArchived, "", "")
	require.NoError(t, err)
	_, err = svc.AddSymbols(created.ID, []string{"AMD"})
	assert.True(t, domain.IsKind(err, domain.KindStateConflict))
}

func TestGet_NotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get(9999)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestConfidenceMultiplier_ByStatus(t *testing.T) {
	cases := map[domain.ThesisStatus]float64{
		domain.ThesisDraft:         0.90,
		domain.ThesisActive:        1.00,
		domain.ThesisStrengthening: 1.10,
		domain.ThesisConfirmed:     1.15,
		domain.ThesisWeakening:     0.80,
		domain.ThesisInvalidated:   0.00,
	}
	for status, want := range cases {
		assert.InDelta(t, want, status.ConfidenceMultiplier(), 1e-9, "status %s", status)
	}
}
