package outcomes

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/thesis"
	"moves/internal/pricing"
	testutil "moves/internal/testing"
)

type outcomesFixture struct {
	tracker *Tracker
	theses  *thesis.Repository
	history *pricing.HistoryRepository
	prices  *testutil.StubPriceSource
	db      *database.DB
}

func newOutcomesFixture(t *testing.T, prices map[string]float64) *outcomesFixture {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	log := zerolog.Nop()
	conn := db.Conn()

	f := &outcomesFixture{
		theses:  thesis.NewRepository(conn, log),
		history: pricing.NewHistoryRepository(conn, log),
		prices:  testutil.NewStubPriceSource(prices),
		db:      db,
	}
	f.tracker = NewTracker(NewRepository(conn, log), f.theses, f.history, f.prices, conn, log)
	return f
}

// seedBaseline stores one daily close so CloseOn can resolve it.
func (f *outcomesFixture) seedBaseline(t *testing.T, symbol string, daysAgo int, close float64) {
	t.Helper()
	err := f.history.SaveCandles(symbol, "1d", []domain.Candle{{
		Timestamp: time.Now().AddDate(0, 0, -daysAgo),
		Open:      close, High: close, Low: close, Close: close,
		Volume: 1000,
	}})
	require.NoError(t, err)
}

func (f *outcomesFixture) seedThesis(t *testing.T, symbols string, conviction float64, daysAgo int) domain.Thesis {
	t.Helper()
	id := testutil.SeedThesis(t, f.db, "test thesis", symbols, conviction)
	created := time.Now().AddDate(0, 0, -daysAgo).Format(domain.TimeFormat)
	_, err := f.db.Exec(`UPDATE theses SET created_at = ? WHERE id = ?`, created, id)
	require.NoError(t, err)
	th, err := f.theses.Get(f.db.Conn(), id)
	require.NoError(t, err)
	return *th
}

func TestEvaluate_ReturnsSinceCreation(t *testing.T) {
	f := newOutcomesFixture(t, map[string]float64{"NVDA": 120, "AMD": 90})
	f.seedBaseline(t, "NVDA", 30, 100)
	f.seedBaseline(t, "AMD", 30, 100)
	th := f.seedThesis(t, `["NVDA","AMD"]`, 0.8, 30)

	o, err := f.tracker.Evaluate(context.Background(), th)
	require.NoError(t, err)

	assert.InDelta(t, 0.20, o.Returns["NVDA"], 1e-9)
	assert.InDelta(t, -0.10, o.Returns["AMD"], 1e-9)
	assert.InDelta(t, 0.05, o.AvgReturn, 1e-9)
	assert.Equal(t, "NVDA", o.BestSymbol)
	assert.Equal(t, "AMD", o.WorstSymbol)
	assert.Greater(t, o.CalibrationScore, 50.0, "positive return with conviction scores above neutral")
}

func TestEvaluate_SkipsSymbolsWithoutBaseline(t *testing.T) {
	f := newOutcomesFixture(t, map[string]float64{"NVDA": 120, "IPO": 50})
	f.seedBaseline(t, "NVDA", 30, 100)
	// IPO has no stored history before the thesis date.
	th := f.seedThesis(t, `["NVDA","IPO"]`, 0.8, 30)

	o, err := f.tracker.Evaluate(context.Background(), th)
	require.NoError(t, err)
	assert.Len(t, o.Returns, 1)
	assert.Contains(t, o.Returns, "NVDA")
}

func TestEvaluate_NeutralWithoutData(t *testing.T) {
	f := newOutcomesFixture(t, nil)
	th := f.seedThesis(t, `["MISSING"]`, 0.9, 10)

	o, err := f.tracker.Evaluate(context.Background(), th)
	require.NoError(t, err)
	assert.Empty(t, o.Returns)
	assert.Equal(t, 50.0, o.CalibrationScore)

	// No symbols at all is also neutral.
	empty := f.seedThesis(t, `[]`, 0.9, 10)
	o, err = f.tracker.Evaluate(context.Background(), empty)
	require.NoError(t, err)
	assert.Equal(t, 50.0, o.CalibrationScore)
}

func TestCalibration_Shape(t *testing.T) {
	// No conviction or no movement is neutral.
	assert.InDelta(t, 50, calibration(0, 0.5), 1e-9)
	assert.InDelta(t, 50, calibration(0.9, 0), 1e-9)

	// High conviction with strong gains approaches 100.
	assert.Greater(t, calibration(0.9, 0.3), 99.0)
	// High conviction with strong losses approaches 0.
	assert.Less(t, calibration(0.9, -0.3), 1.0)
	// Symmetry around neutral.
	up := calibration(0.7, 0.1)
	down := calibration(0.7, -0.1)
	assert.InDelta(t, 100, up+down, 1e-9)
}

func TestEvaluateAll_PersistsSnapshots(t *testing.T) {
	f := newOutcomesFixture(t, map[string]float64{"NVDA": 120})
	f.seedBaseline(t, "NVDA", 30, 100)
	th := f.seedThesis(t, `["NVDA"]`, 0.8, 30)

	out, err := f.tracker.EvaluateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)

	history, err := f.tracker.History(th.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, 0.20, history[0].AvgReturn, 1e-9)

	// Re-running the same day upserts instead of duplicating.
	_, err = f.tracker.EvaluateAll(context.Background())
	require.NoError(t, err)
	history, err = f.tracker.History(th.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHistory_UnknownThesis(t *testing.T) {
	f := newOutcomesFixture(t, nil)
	_, err := f.tracker.History(9999)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
