package whatif

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/database"
	"moves/internal/domain"
	testutil "moves/internal/testing"
)

func newTestTracker(t *testing.T, prices map[string]float64) (*Tracker, *database.DB, *testutil.StubPriceSource) {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	stub := testutil.NewStubPriceSource(prices)
	tracker := NewTracker(NewRepository(db.Conn(), zerolog.Nop()), stub, zerolog.Nop())
	return tracker, db, stub
}

func TestRecordPass_StoresEntryPrice(t *testing.T) {
	tracker, db, _ := newTestTracker(t, map[string]float64{"NVDA": 130})
	sigID := testutil.SeedSignal(t, db, "NVDA", domain.ActionBuy, domain.SignalRejected, 0.7)

	err := tracker.RecordPass(context.Background(),
		domain.Signal{ID: sigID, Symbol: "NVDA", Action: domain.ActionBuy}, "rejected")
	require.NoError(t, err)

	entries, err := tracker.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sigID, entries[0].SignalID)
	assert.Equal(t, "rejected", entries[0].Decision)
	assert.Equal(t, 130.0, entries[0].PriceAtPass)
	assert.Zero(t, entries[0].HypotheticalPnL)
}

func TestRecordPass_SkipsWhenPriceUnavailable(t *testing.T) {
	tracker, db, _ := newTestTracker(t, nil)
	sigID := testutil.SeedSignal(t, db, "MISSING", domain.ActionBuy, domain.SignalIgnored, 0.7)

	err := tracker.RecordPass(context.Background(),
		domain.Signal{ID: sigID, Symbol: "MISSING", Action: domain.ActionBuy}, "ignored")
	require.NoError(t, err)

	entries, err := tracker.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateAll_DirectionFollowsPassedAction(t *testing.T) {
	tracker, db, stub := newTestTracker(t, map[string]float64{"NVDA": 100, "TSLA": 100})
	ctx := context.Background()

	buyID := testutil.SeedSignal(t, db, "NVDA", domain.ActionBuy, domain.SignalRejected, 0.7)
	sellID := testutil.SeedSignal(t, db, "TSLA", domain.ActionSell, domain.SignalRejected, 0.7)

	require.NoError(t, tracker.RecordPass(ctx,
		domain.Signal{ID: buyID, Symbol: "NVDA", Action: domain.ActionBuy}, "rejected"))
	require.NoError(t, tracker.RecordPass(ctx,
		domain.Signal{ID: sellID, Symbol: "TSLA", Action: domain.ActionSell}, "rejected"))

	stub.SetPrice("NVDA", 120)
	stub.SetPrice("TSLA", 120)

	updated, err := tracker.UpdateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	entries, err := tracker.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[int64]Entry{}
	for _, e := range entries {
		byID[e.SignalID] = e
	}

	// Passing on a BUY that then rallied is a missed win.
	assert.InDelta(t, 20, byID[buyID].HypotheticalPnL, 1e-9)
	assert.InDelta(t, 0.2, byID[buyID].HypotheticalPnLPct, 1e-9)
	// Passing on a SELL before the rally dodged nothing; it cost 20.
	assert.InDelta(t, -20, byID[sellID].HypotheticalPnL, 1e-9)
}

func TestGetSummary_AggregatesRecord(t *testing.T) {
	tracker, db, stub := newTestTracker(t, map[string]float64{"NVDA": 100, "TSLA": 100, "AMD": 100})
	ctx := context.Background()

	for _, tc := range []struct {
		symbol string
		action domain.SignalAction
		final  float64
	}{
		{"NVDA", domain.ActionBuy, 150}, // missed win +50
		{"TSLA", domain.ActionBuy, 80},  // dodged loss -20
		{"AMD", domain.ActionBuy, 100},  // flat
	} {
		id := testutil.SeedSignal(t, db, tc.symbol, tc.action, domain.SignalRejected, 0.7)
		require.NoError(t, tracker.RecordPass(ctx,
			domain.Signal{ID: id, Symbol: tc.symbol, Action: tc.action}, "rejected"))
		stub.SetPrice(tc.symbol, tc.final)
	}

	_, err := tracker.UpdateAll(ctx)
	require.NoError(t, err)

	summary, err := tracker.GetSummary()
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Count)
	assert.InDelta(t, 30, summary.TotalPnL, 1e-9)
	assert.Equal(t, 1, summary.MissedWins)
	assert.Equal(t, 1, summary.DodgedLoss)
	assert.Equal(t, "NVDA", summary.BestSymbol)
	assert.InDelta(t, 50, summary.BestPnL, 1e-9)
	assert.Equal(t, "TSLA", summary.WorstSymbol)
	assert.InDelta(t, -20, summary.WorstPnL, 1e-9)
	assert.InDelta(t, 0.1, summary.AvgPnLPct, 1e-9)
}

func TestGetSummary_EmptyRecord(t *testing.T) {
	tracker, _, _ := newTestTracker(t, nil)
	summary, err := tracker.GetSummary()
	require.NoError(t, err)
	assert.Zero(t, summary.Count)
	assert.Zero(t, summary.TotalPnL)
}
