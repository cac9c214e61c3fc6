package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/audit"
	"moves/internal/modules/portfolio"
	"moves/internal/modules/risk"
	"moves/internal/modules/thesis"
	testutil "moves/internal/testing"
)

type jobsFixture struct {
	jobs      *Jobs
	theses    *thesis.Service
	positions *portfolio.PositionRepository
	values    *portfolio.PortfolioRepository
	prices    *testutil.StubPriceSource
	audit     *audit.Logger
	db        *database.DB
	accountID int64
}

func newJobsFixture(t *testing.T, total, cash float64, prices map[string]float64) *jobsFixture {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	accountID := testutil.SeedAccount(t, db)
	testutil.SeedPortfolioValue(t, db, total, cash)
	testutil.SeedRiskLimits(t, db)

	log := zerolog.Nop()
	conn := db.Conn()

	f := &jobsFixture{
		prices:    testutil.NewStubPriceSource(prices),
		positions: portfolio.NewPositionRepository(conn, log),
		values:    portfolio.NewPortfolioRepository(conn, log),
		audit:     audit.NewLogger(conn, log),
		db:        db,
		accountID: accountID,
	}
	f.theses = thesis.NewService(conn, thesis.NewRepository(conn, log), f.audit, log)
	riskMgr := risk.NewManager(risk.NewRepository(conn, log), f.positions, f.values, f.prices, log)

	f.jobs = NewJobs(JobDeps{
		Prices:    f.prices,
		Positions: f.positions,
		Values:    f.values,
		Theses:    f.theses,
		Risk:      riskMgr,
		Audit:     f.audit,
	}, log)
	return f
}

func (f *jobsFixture) addPosition(t *testing.T, symbol string, shares, avgCost float64, side string) {
	t.Helper()
	_, err := f.positions.Upsert(f.db.Conn(), domain.Position{
		UserID:    "default",
		AccountID: f.accountID,
		Symbol:    symbol,
		Shares:    shares,
		AvgCost:   avgCost,
		Side:      side,
	})
	require.NoError(t, err)
}

func (f *jobsFixture) backdateThesis(t *testing.T, id int64, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age).Format(domain.TimeFormat)
	_, err := f.db.Exec(`UPDATE theses SET updated_at = ? WHERE id = ?`, old, id)
	require.NoError(t, err)
}

func TestStaleThesisCheck_DemotesActiveTheses(t *testing.T) {
	f := newJobsFixture(t, 100000, 100000, nil)

	created, err := f.theses.Create(domain.Thesis{
		Title: "forgotten datacenter bet", Symbols: []string{"NVDA"}, Conviction: 0.6,
	})
	require.NoError(t, err)
	f.backdateThesis(t, created.ID, 45*24*time.Hour)

	require.NoError(t, f.jobs.StaleThesisCheck(context.Background()))

	got, err := f.theses.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisWeakening, got.Status)

	versions, err := f.theses.Versions(created.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, domain.ThesisActive, versions[0].OldStatus)
	assert.Equal(t, domain.ThesisWeakening, versions[0].NewStatus)
	assert.Equal(t, "stale", versions[0].Reason)

	entries, err := f.audit.Recent(20)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Action == "thesis_stale" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStaleThesisCheck_SkipsFreshAndNonActive(t *testing.T) {
	f := newJobsFixture(t, 100000, 100000, nil)

	fresh, err := f.theses.Create(domain.Thesis{
		Title: "new idea", Symbols: []string{"AMD"}, Conviction: 0.5,
	})
	require.NoError(t, err)

	weakening, err := f.theses.Create(domain.Thesis{
		Title: "already fading", Symbols: []string{"INTC"}, Conviction: 0.3,
	})
	require.NoError(t, err)
	_, err = f.theses.Transition(weakening.ID, domain.ThesisWeakening, "earnings miss", "")
	require.NoError(t, err)
	f.backdateThesis(t, weakening.ID, 45*24*time.Hour)

	require.NoError(t, f.jobs.StaleThesisCheck(context.Background()))

	got, err := f.theses.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisActive, got.Status)

	// Only the manual transition sits in the history; the job left the
	// WEAKENING thesis where it was.
	versions, err := f.theses.Versions(weakening.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "earnings miss", versions[0].Reason)
}

func TestNAVSnapshot_ShortPositionKeepsNavFlat(t *testing.T) {
	// Book started at 10000; shorting 10 TSLA at 50 posted 500 of margin,
	// leaving 9500 cash. With the price unmoved the NAV must still read
	// 10000.
	f := newJobsFixture(t, 10000, 9500, map[string]float64{"TSLA": 50})
	f.addPosition(t, "TSLA", 10, 50, domain.SideShort)

	require.NoError(t, f.jobs.NAVSnapshot(context.Background()))

	latest, err := f.values.Latest(f.db.Conn())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 10000, latest.TotalValue, 1e-6)
	assert.InDelta(t, 9500, latest.Cash, 1e-6)
	assert.InDelta(t, 500, latest.ShortValue, 1e-6)
	assert.Zero(t, latest.LongValue)
}

func TestNAVSnapshot_ShortMarksUnrealizedMove(t *testing.T) {
	f := newJobsFixture(t, 10000, 9500, map[string]float64{"TSLA": 40})
	f.addPosition(t, "TSLA", 10, 50, domain.SideShort)

	// Price fell 50 -> 40: 100 of unrealized gain on the short.
	require.NoError(t, f.jobs.NAVSnapshot(context.Background()))
	latest, err := f.values.Latest(f.db.Conn())
	require.NoError(t, err)
	assert.InDelta(t, 10100, latest.TotalValue, 1e-6)

	// Price rising to 60 costs the book the same 100 the other way.
	f.prices.SetPrice("TSLA", 60)
	require.NoError(t, f.jobs.NAVSnapshot(context.Background()))
	latest, err = f.values.Latest(f.db.Conn())
	require.NoError(t, err)
	assert.InDelta(t, 9900, latest.TotalValue, 1e-6)
}

func TestNAVSnapshot_MixedBook(t *testing.T) {
	f := newJobsFixture(t, 50000, 38000, map[string]float64{"SPY": 110, "TSLA": 90})
	f.addPosition(t, "SPY", 100, 100, domain.SideLong)
	f.addPosition(t, "TSLA", 20, 100, domain.SideShort)

	require.NoError(t, f.jobs.NAVSnapshot(context.Background()))

	// Cash 38000 + long 11000 + short margin 2000 + 200 unrealized gain.
	latest, err := f.values.Latest(f.db.Conn())
	require.NoError(t, err)
	assert.InDelta(t, 51200, latest.TotalValue, 1e-6)
	assert.InDelta(t, 11000, latest.LongValue, 1e-6)
	assert.InDelta(t, 1800, latest.ShortValue, 1e-6)
	assert.InDelta(t, 12000, latest.CostBasis, 1e-6)
}
