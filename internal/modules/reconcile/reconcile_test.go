package reconcile

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/audit"
	"moves/internal/modules/portfolio"
	testutil "moves/internal/testing"
)

// stubBroker reports a fixed position book.
type stubBroker struct {
	positions []domain.Position
}

func (s *stubBroker) Name() string { return "stub" }
func (s *stubBroker) GetPositions(context.Context) ([]domain.Position, error) {
	return s.positions, nil
}
func (s *stubBroker) GetAccountBalance(context.Context) (*domain.Balance, error) {
	return &domain.Balance{}, nil
}
func (s *stubBroker) PlaceOrder(context.Context, domain.OrderRequest) (*domain.OrderResult, error) {
	return nil, domain.BrokerErr(false, "not supported", nil)
}
func (s *stubBroker) GetOrderStatus(context.Context, string) (*domain.OrderResult, error) {
	return nil, domain.BrokerErr(false, "not supported", nil)
}
func (s *stubBroker) CancelOrder(context.Context, string) error {
	return domain.BrokerErr(false, "not supported", nil)
}
func (s *stubBroker) PreviewOrder(context.Context, domain.OrderRequest) (*domain.OrderPreview, error) {
	return nil, domain.BrokerErr(false, "not supported", nil)
}

type reconcileFixture struct {
	reconciler *Reconciler
	broker     *stubBroker
	positions  *portfolio.PositionRepository
	audit      *audit.Logger
	db         *database.DB
	accountID  int64
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	log := zerolog.Nop()
	conn := db.Conn()

	f := &reconcileFixture{
		broker:    &stubBroker{},
		positions: portfolio.NewPositionRepository(conn, log),
		audit:     audit.NewLogger(conn, log),
		db:        db,
		accountID: testutil.SeedAccount(t, db),
	}
	f.reconciler = NewReconciler(f.positions, f.broker, f.audit, log)
	return f
}

func (f *reconcileFixture) addLocal(t *testing.T, symbol string, shares float64, side string) int64 {
	t.Helper()
	id, err := f.positions.Upsert(f.db.Conn(), domain.Position{
		UserID:    "default",
		AccountID: f.accountID,
		Symbol:    symbol,
		Shares:    shares,
		AvgCost:   100,
		Side:      side,
	})
	require.NoError(t, err)
	return id
}

func TestReconcile_CleanWhenBooksAgree(t *testing.T) {
	f := newReconcileFixture(t)
	f.addLocal(t, "NVDA", 38, domain.SideLong)
	f.broker.positions = []domain.Position{{Symbol: "NVDA", Shares: 38.005, Side: domain.SideLong}}

	report, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, []string{"NVDA/long"}, report.Matched)
}

func TestReconcile_FlagsDiscrepanciesAndOrphans(t *testing.T) {
	f := newReconcileFixture(t)
	f.addLocal(t, "NVDA", 38, domain.SideLong)
	f.addLocal(t, "AMD", 10, domain.SideLong)
	f.broker.positions = []domain.Position{
		{Symbol: "NVDA", Shares: 37.5, Side: domain.SideLong},
		{Symbol: "TSLA", Shares: 5, Side: domain.SideShort},
	}

	report, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Clean())

	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, "NVDA", d.Symbol)
	assert.InDelta(t, -0.5, d.Difference, 1e-9)

	assert.Equal(t, []string{"AMD/long"}, report.LocalOnly)
	assert.Equal(t, []string{"TSLA/short"}, report.BrokerOnly)
}

func TestAutoSync_HealsSmallDifferencesOnly(t *testing.T) {
	f := newReconcileFixture(t)
	f.addLocal(t, "NVDA", 38, domain.SideLong)
	f.addLocal(t, "AMD", 10, domain.SideLong)
	f.broker.positions = []domain.Position{
		{Symbol: "NVDA", Shares: 37.5, Side: domain.SideLong}, // 0.5 off, healable
		{Symbol: "AMD", Shares: 20, Side: domain.SideLong},    // 10 off, needs a human
	}

	report, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 2)

	synced, err := f.reconciler.AutoSync(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	healed, err := f.positions.Get(f.db.Conn(), f.accountID, "NVDA", domain.SideLong)
	require.NoError(t, err)
	assert.InDelta(t, 37.5, healed.Shares, 1e-9)

	untouched, err := f.positions.Get(f.db.Conn(), f.accountID, "AMD", domain.SideLong)
	require.NoError(t, err)
	assert.InDelta(t, 10, untouched.Shares, 1e-9)
}

func TestDailyCheck_WritesOneSummaryAuditEntry(t *testing.T) {
	f := newReconcileFixture(t)
	f.addLocal(t, "NVDA", 38, domain.SideLong)
	f.broker.positions = []domain.Position{{Symbol: "NVDA", Shares: 38, Side: domain.SideLong}}

	report, err := f.reconciler.DailyCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())

	entries, err := f.audit.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "daily_reconcile", entries[0].Action)
	assert.Contains(t, entries[0].Detail, "matched=1")
}
