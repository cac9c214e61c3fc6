package triggers

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
	"moves/internal/modules/portfolio"
	"moves/internal/modules/principles"
	"moves/internal/modules/signals"
	"moves/internal/modules/thesis"
	"moves/internal/pricing"
	testutil "moves/internal/testing"
)

type scannerFixture struct {
	scanner   *Scanner
	signals   *signals.Service
	positions *portfolio.PositionRepository
	history   *pricing.HistoryRepository
	db        *database.DB
	accountID int64
}

func newScannerFixture(t *testing.T) *scannerFixture {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	log := zerolog.Nop()
	conn := db.Conn()

	f := &scannerFixture{
		positions: portfolio.NewPositionRepository(conn, log),
		history:   pricing.NewHistoryRepository(conn, log),
		db:        db,
		accountID: testutil.SeedAccount(t, db),
	}

	auditLog := audit.NewLogger(conn, log)
	signalRepo := signals.NewRepository(conn, log)
	thesisRepo := thesis.NewRepository(conn, log)
	f.signals = signals.NewService(conn, signalRepo,
		signals.NewScorer(config.ScoringConfig{}, signalRepo),
		thesisRepo,
		principles.NewService(principles.NewRepository(conn, log), auditLog, log),
		testutil.NewStubPriceSource(map[string]float64{"NVDA": 100}),
		auditLog, log)

	f.scanner = NewScanner(thesisRepo, f.positions, f.history, f.signals, log)
	return f
}

// seedCloses stores one daily bar per close, oldest first, ending today.
func (f *scannerFixture) seedCloses(t *testing.T, symbol string, closes []float64) {
	t.Helper()
	candles := make([]domain.Candle, len(closes))
	for i, c := range closes {
		candles[i] = domain.Candle{
			Timestamp: time.Now().AddDate(0, 0, i-len(closes)),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1000,
		}
	}
	require.NoError(t, f.history.SaveCandles(symbol, "1d", candles))
}

func (f *scannerFixture) hold(t *testing.T, symbol string, shares float64) {
	t.Helper()
	_, err := f.positions.Upsert(f.db.Conn(), domain.Position{
		UserID:    "default",
		AccountID: f.accountID,
		Symbol:    symbol,
		Shares:    shares,
		AvgCost:   50,
		Side:      domain.SideLong,
	})
	require.NoError(t, err)
}

// rising returns n closes climbing by step from start. A sustained climb
// pins RSI at the top of its range.
func rising(start, step float64, n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + step*float64(i)
	}
	return closes
}

func falling(start, step float64, n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start - step*float64(i)
	}
	return closes
}

func TestScan_OverboughtWhileHoldingRaisesSell(t *testing.T) {
	f := newScannerFixture(t)
	testutil.SeedThesis(t, f.db, "ai capex", `["NVDA"]`, 0.8)
	f.hold(t, "NVDA", 10)
	f.seedCloses(t, "NVDA", rising(100, 1, 60))

	created, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	pending, err := f.signals.List(domain.SignalPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	sig := pending[0]
	assert.Equal(t, domain.ActionSell, sig.Action)
	assert.Equal(t, "NVDA", sig.Symbol)
	assert.Equal(t, domain.SourcePriceTrigger, sig.Source)
	assert.Contains(t, sig.Reasoning, "overbought")
}

func TestScan_OverboughtWithoutPositionStaysQuiet(t *testing.T) {
	f := newScannerFixture(t)
	testutil.SeedThesis(t, f.db, "ai capex", `["NVDA"]`, 0.8)
	f.seedCloses(t, "NVDA", rising(100, 1, 60))

	created, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestScan_CrashBelowTrendDoesNotBuy(t *testing.T) {
	f := newScannerFixture(t)
	testutil.SeedThesis(t, f.db, "ai capex", `["NVDA"]`, 0.8)
	// Oversold, but the price sits under its own average; the buy trigger
	// wants weakness inside an uptrend, not a collapse.
	f.seedCloses(t, "NVDA", falling(200, 2, 60))

	created, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestScan_SkipsThinHistory(t *testing.T) {
	f := newScannerFixture(t)
	testutil.SeedThesis(t, f.db, "ai capex", `["NVDA"]`, 0.8)
	f.hold(t, "NVDA", 10)
	f.seedCloses(t, "NVDA", rising(100, 1, 20))

	created, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestScan_EvaluatesSharedSymbolOnce(t *testing.T) {
	f := newScannerFixture(t)
	testutil.SeedThesis(t, f.db, "ai capex", `["NVDA"]`, 0.8)
	testutil.SeedThesis(t, f.db, "semis supercycle", `["NVDA"]`, 0.6)
	f.hold(t, "NVDA", 10)
	f.seedCloses(t, "NVDA", rising(100, 1, 60))

	created, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestScan_NoActiveTheses(t *testing.T) {
	f := newScannerFixture(t)
	created, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestScan_SurvivesSymbolWithoutHistory(t *testing.T) {
	f := newScannerFixture(t)
	testutil.SeedThesis(t, f.db, "mixed", `["GHOST","NVDA"]`, 0.8)
	f.hold(t, "NVDA", 10)
	f.seedCloses(t, "NVDA", rising(100, 1, 60))

	created, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}
