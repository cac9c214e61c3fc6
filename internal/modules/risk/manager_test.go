package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/config"
	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/portfolio"
	testutil "moves/internal/testing"
)

type riskFixture struct {
	mgr       *Manager
	repo      *Repository
	db        *database.DB
	prices    *testutil.StubPriceSource
	positions *portfolio.PositionRepository
	accountID int64
}

func newRiskFixture(t *testing.T, nav float64, prices map[string]float64) *riskFixture {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	accountID := testutil.SeedAccount(t, db)
	testutil.SeedPortfolioValue(t, db, nav, nav)

	log := zerolog.Nop()
	conn := db.Conn()
	repo := NewRepository(conn, log)
	require.NoError(t, repo.SeedLimits(config.RiskDefaults{
		MaxPositionPct:   0.10,
		MaxSectorPct:     0.30,
		MaxGrossExposure: 1.5,
		NetExposureMin:   -0.5,
		NetExposureMax:   1.2,
		MaxDrawdown:      0.20,
		DailyLossLimit:   0.03,
	}))

	f := &riskFixture{
		repo:      repo,
		db:        db,
		prices:    testutil.NewStubPriceSource(prices),
		positions: portfolio.NewPositionRepository(conn, log),
		accountID: accountID,
	}
	f.mgr = NewManager(repo, f.positions, portfolio.NewPortfolioRepository(conn, log), f.prices, log)
	return f
}

func (f *riskFixture) addPosition(t *testing.T, symbol string, shares, avgCost float64, side, sector string) {
	t.Helper()
	_, err := f.positions.Upsert(f.db.Conn(), domain.Position{
		UserID:    "default",
		AccountID: f.accountID,
		Symbol:    symbol,
		Shares:    shares,
		AvgCost:   avgCost,
		Side:      side,
		Sector:    sector,
	})
	require.NoError(t, err)
}

func blockedGate(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	var de *domain.Error
	require.True(t, errors.As(err, &de), "want *domain.Error, got %T", err)
	require.Equal(t, domain.KindRiskBlocked, de.Kind)
	return de.Gate
}

func buySignal(symbol string) domain.Signal {
	return domain.Signal{Action: domain.ActionBuy, Symbol: symbol, Status: domain.SignalPending}
}

func TestCheckSignal_KillSwitchBlocksEverything(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"NVDA": 100})
	require.NoError(t, f.repo.SetKillSwitch(true, "manual stop"))

	err := f.mgr.CheckSignal(context.Background(), buySignal("NVDA"), 1000)
	assert.Equal(t, GateKillSwitch, blockedGate(t, err))

	// Even de-risking is blocked while the switch is on.
	err = f.mgr.CheckSignal(context.Background(),
		domain.Signal{Action: domain.ActionSell, Symbol: "NVDA"}, 1000)
	assert.Equal(t, GateKillSwitch, blockedGate(t, err))

	// Deactivating restores trading.
	require.NoError(t, f.repo.SetKillSwitch(false, "resolved"))
	assert.NoError(t, f.mgr.CheckSignal(context.Background(), buySignal("NVDA"), 1000))
}

func TestCheckSignal_PositionSizeGate(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"NVDA": 100})

	err := f.mgr.CheckSignal(context.Background(), buySignal("NVDA"), 15000)
	assert.Equal(t, GatePositionSize, blockedGate(t, err))

	// Selling the whole position projects to zero, inside the cap.
	f.addPosition(t, "NVDA", 150, 100, domain.SideLong, "Technology")
	err = f.mgr.CheckSignal(context.Background(),
		domain.Signal{Action: domain.ActionSell, Symbol: "NVDA"}, 15000)
	assert.NoError(t, err)

	// A trim that leaves the position over the cap is still blocked.
	err = f.mgr.CheckSignal(context.Background(),
		domain.Signal{Action: domain.ActionSell, Symbol: "NVDA"}, 1000)
	assert.Equal(t, GatePositionSize, blockedGate(t, err))
}

func TestCheckSignal_SectorConcentrationGate(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"NVDA": 100, "AMD": 100})
	f.prices.Sectors["AMD"] = "Technology"
	f.addPosition(t, "NVDA", 250, 100, domain.SideLong, "Technology")

	// 25000 held + 8000 proposed = 33% of NAV, over the 30% cap.
	err := f.mgr.CheckSignal(context.Background(), buySignal("AMD"), 8000)
	assert.Equal(t, GateSector, blockedGate(t, err))

	// A different sector is unaffected.
	f.prices.Sectors["XOM"] = "Energy"
	f.prices.SetPrice("XOM", 100)
	assert.NoError(t, f.mgr.CheckSignal(context.Background(), buySignal("XOM"), 8000))
}

func TestCheckSignal_GrossExposureGateFiresBeforeNet(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"SPY": 100, "QQQ": 100, "IWM": 100})
	f.addPosition(t, "SPY", 710, 100, domain.SideLong, "Index")
	f.addPosition(t, "QQQ", 700, 100, domain.SideShort, "Index")

	// Gross 141000 + 10000 = 1.51x NAV while the new symbol stays within
	// the 10% position cap and net stays inside the band, so the gross
	// gate must be the one that fires.
	err := f.mgr.CheckSignal(context.Background(), buySignal("IWM"), 10000)
	assert.Equal(t, GateGrossExposure, blockedGate(t, err))
}

func TestCheckSignal_NetExposureGate(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"QQQ": 100, "TSLA": 100})
	f.addPosition(t, "QQQ", 450, 100, domain.SideShort, "Index")

	// Net -45000 - 10000 = -0.55x NAV, below the -0.5 floor.
	err := f.mgr.CheckSignal(context.Background(),
		domain.Signal{Action: domain.ActionShort, Symbol: "TSLA"}, 10000)
	assert.Equal(t, GateNetExposure, blockedGate(t, err))

	assert.NoError(t, f.mgr.CheckSignal(context.Background(),
		domain.Signal{Action: domain.ActionShort, Symbol: "TSLA"}, 4000))
}

func TestCheckSignal_DrawdownLocksAllTrading(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"NVDA": 100})

	// Peak 100000, latest 75000: 25% drawdown, over the 20% limit.
	_, err := f.db.Exec(`INSERT INTO portfolio_values (date, total_value, cash) VALUES (?, ?, ?)`,
		time.Now().AddDate(0, 0, 1).Format(domain.DateFormat), 75000, 75000)
	require.NoError(t, err)

	err = f.mgr.CheckSignal(context.Background(), buySignal("NVDA"), 1000)
	assert.Equal(t, GateDrawdown, blockedGate(t, err))

	// Closing orders walk the same gate sequence, so the lockout holds
	// them too until the user steps in.
	f.addPosition(t, "NVDA", 10, 100, domain.SideLong, "Technology")
	err = f.mgr.CheckSignal(context.Background(),
		domain.Signal{Action: domain.ActionSell, Symbol: "NVDA"}, 1000)
	assert.Equal(t, GateDrawdown, blockedGate(t, err))
}

func TestCheckSignal_TradingWindowGate(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"RSU": 100})

	// A symbol with only an expired window is locked out.
	_, err := f.repo.AddWindow(domain.TradingWindow{
		Symbol:   "RSU",
		OpensAt:  time.Now().Add(-48 * time.Hour),
		ClosesAt: time.Now().Add(-24 * time.Hour),
		Reason:   "lockup",
	})
	require.NoError(t, err)

	err = f.mgr.CheckSignal(context.Background(), buySignal("RSU"), 1000)
	assert.Equal(t, GateTradingWindow, blockedGate(t, err))

	// An open window permits trading again.
	_, err = f.repo.AddWindow(domain.TradingWindow{
		Symbol:   "RSU",
		OpensAt:  time.Now().Add(-time.Hour),
		ClosesAt: time.Now().Add(time.Hour),
		Reason:   "open window",
	})
	require.NoError(t, err)
	assert.NoError(t, f.mgr.CheckSignal(context.Background(), buySignal("RSU"), 1000))

	// Unrestricted symbols are unaffected.
	f.prices.SetPrice("NVDA", 100)
	assert.NoError(t, f.mgr.CheckSignal(context.Background(), buySignal("NVDA"), 1000))
}

func TestCheckSignal_EarningsBlackoutGate(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"NVDA": 100})
	soon := time.Now().AddDate(0, 0, 2).Format(domain.DateFormat)
	require.NoError(t, f.repo.UpsertEarnings("NVDA", soon))

	err := f.mgr.CheckSignal(context.Background(), buySignal("NVDA"), 1000)
	assert.Equal(t, GateEarnings, blockedGate(t, err))

	// The blackout covers closing orders in the symbol as well.
	f.addPosition(t, "NVDA", 10, 100, domain.SideLong, "Technology")
	err = f.mgr.CheckSignal(context.Background(),
		domain.Signal{Action: domain.ActionSell, Symbol: "NVDA"}, 1000)
	assert.Equal(t, GateEarnings, blockedGate(t, err))

	// Earnings far enough out do not block.
	later := time.Now().AddDate(0, 0, 30).Format(domain.DateFormat)
	require.NoError(t, f.repo.UpsertEarnings("AMD", later))
	f.prices.SetPrice("AMD", 100)
	assert.NoError(t, f.mgr.CheckSignal(context.Background(), buySignal("AMD"), 1000))
}

func TestCurrentDrawdown_ZeroOnMonotoneSeries(t *testing.T) {
	f := newRiskFixture(t, 100000, nil)

	for i := 1; i <= 5; i++ {
		_, err := f.db.Exec(`INSERT INTO portfolio_values (date, total_value, cash) VALUES (?, ?, ?)`,
			time.Now().AddDate(0, 0, i).Format(domain.DateFormat), 100000+float64(i)*1000, 50000)
		require.NoError(t, err)
	}

	dd, err := f.mgr.CurrentDrawdown()
	require.NoError(t, err)
	assert.Zero(t, dd)
}

func TestCheckDailyLoss(t *testing.T) {
	f := newRiskFixture(t, 100000, nil)

	breached, reason, err := f.mgr.CheckDailyLoss(-0.05)
	require.NoError(t, err)
	assert.True(t, breached)
	assert.NotEmpty(t, reason)

	breached, _, err = f.mgr.CheckDailyLoss(-0.01)
	require.NoError(t, err)
	assert.False(t, breached)
}

func TestCalculateExposure_SideSignedValues(t *testing.T) {
	f := newRiskFixture(t, 100000, map[string]float64{"SPY": 110, "TSLA": 90})
	f.addPosition(t, "SPY", 100, 100, domain.SideLong, "Index")
	f.addPosition(t, "TSLA", 50, 100, domain.SideShort, "Autos")

	snap, err := f.mgr.CalculateExposure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 11000, snap.LongValue, 1e-6)
	assert.InDelta(t, 4500, snap.ShortValue, 1e-6)
	assert.InDelta(t, 15500, snap.Gross, 1e-6)
	assert.InDelta(t, 6500, snap.Net, 1e-6)
	assert.InDelta(t, 11000, snap.BySymbol["SPY"], 1e-6)
}
