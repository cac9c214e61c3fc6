package broker

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/audit"
	"moves/internal/modules/portfolio"
)

// Mock is the paper-trading broker. Fills happen instantly at the current
// quote, and every fill's side effects (trade, position, lots, cash, audit)
// commit in a single transaction: either all of them persist or none do.
type Mock struct {
	db        *database.DB
	prices    domain.PriceSource
	positions *portfolio.PositionRepository
	lots      *portfolio.LotRepository
	trades    *portfolio.TradeRepository
	values    *portfolio.PortfolioRepository
	orders    *OrderRepository
	audit     *audit.Logger
	accountID int64
	log       zerolog.Logger
}

// MockDeps bundles the mock broker's collaborators.
type MockDeps struct {
	DB        *database.DB
	Prices    domain.PriceSource
	Positions *portfolio.PositionRepository
	Lots      *portfolio.LotRepository
	Trades    *portfolio.TradeRepository
	Values    *portfolio.PortfolioRepository
	Orders    *OrderRepository
	Audit     *audit.Logger
	AccountID int64
}

// NewMock creates the mock broker.
func NewMock(deps MockDeps, log zerolog.Logger) *Mock {
	return &Mock{
		db:        deps.DB,
		prices:    deps.Prices,
		positions: deps.Positions,
		lots:      deps.Lots,
		trades:    deps.Trades,
		values:    deps.Values,
		orders:    deps.Orders,
		audit:     deps.Audit,
		accountID: deps.AccountID,
		log:       log.With().Str("broker", "mock").Logger(),
	}
}

// Name identifies the broker in trade rows and logs.
func (m *Mock) Name() string { return "mock" }

// GetPositions returns the open local positions.
func (m *Mock) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return m.positions.GetOpen()
}

// GetAccountBalance reports cash, NAV and buying power from the store.
func (m *Mock) GetAccountBalance(ctx context.Context) (*domain.Balance, error) {
	latest, err := m.values.Latest(m.db.Conn())
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return &domain.Balance{}, nil
	}
	return &domain.Balance{
		Cash:        latest.Cash,
		TotalValue:  latest.TotalValue,
		BuyingPower: latest.Cash,
	}, nil
}

// PlaceOrder fills a market order at the current quote. Rejections are
// results, not errors; an error return means the store failed.
func (m *Mock) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if req.Shares <= 0 {
		return m.reject(req, "shares must be positive")
	}
	if !req.Action.Valid() {
		return m.reject(req, fmt.Sprintf("unknown action %q", req.Action))
	}
	accountID := req.AccountID
	if accountID == 0 {
		accountID = m.accountID
	}
	req.AccountID = accountID

	// Price fetch happens before the transaction opens: quote lookups can
	// block on upstream I/O and must not hold the writer.
	quote := m.prices.GetPrice(ctx, req.Symbol)
	if !quote.OK() {
		return m.reject(req, "price unavailable")
	}
	price := quote.Price

	switch req.Action {
	case domain.ActionBuy, domain.ActionShort:
		return m.open(ctx, req, price)
	case domain.ActionSell, domain.ActionCover:
		return m.close(ctx, req, price)
	}
	return m.reject(req, fmt.Sprintf("unknown action %q", req.Action))
}

// open handles BUY (long) and SHORT (short) fills.
func (m *Mock) open(ctx context.Context, req domain.OrderRequest, price float64) (*domain.OrderResult, error) {
	side := "long"
	if req.Action == domain.ActionShort {
		side = "short"
	}
	cost := req.Shares * price

	// BUY spends cash; SHORT posts the same notional as margin, so both
	// paths require the cash to be on hand.
	cash, err := m.values.Cash(m.db.Conn())
	if err != nil {
		return nil, err
	}
	if cost > cash+1e-9 {
		return m.reject(req, fmt.Sprintf("Insufficient cash: need %.2f, have %.2f", cost, cash))
	}

	sector := m.lookupSector(ctx, req.Symbol)
	var orderID int64

	err = database.WithTransaction(m.db.Conn(), func(tx *sql.Tx) error {
		// Re-check cash inside the transaction; two orders can race past
		// the first read.
		txCash, err := m.values.Cash(tx)
		if err != nil {
			return err
		}
		if cost > txCash+1e-9 {
			return domain.StateConflictf("Insufficient cash: need %.2f, have %.2f", cost, txCash)
		}

		existing, err := m.positions.Get(tx, req.AccountID, req.Symbol, side)
		if err != nil {
			return err
		}

		newShares := req.Shares
		newAvg := price
		pos := domain.Position{
			AccountID: req.AccountID,
			UserID:    "default",
			Symbol:    req.Symbol,
			Side:      side,
			Sector:    sector,
		}
		if existing != nil {
			newShares = existing.Shares + req.Shares
			if newShares > 0 {
				newAvg = (existing.Shares*existing.AvgCost + req.Shares*price) / newShares
			}
			pos.Strategy = existing.Strategy
			pos.ThesisID = existing.ThesisID
		}
		pos.Shares = newShares
		pos.AvgCost = newAvg

		positionID, err := m.positions.Upsert(tx, pos)
		if err != nil {
			return err
		}

		if _, err := m.lots.Create(tx, domain.Lot{
			PositionID:    positionID,
			AccountID:     req.AccountID,
			Symbol:        req.Symbol,
			Shares:        req.Shares,
			CostBasis:     cost,
			AcquiredDate:  time.Now().Format(domain.DateFormat),
			Source:        "trade",
			HoldingPeriod: "short",
		}); err != nil {
			return err
		}

		if _, err := m.trades.Create(tx, domain.Trade{
			SignalID:   req.SignalID,
			Symbol:     req.Symbol,
			Action:     req.Action,
			Shares:     req.Shares,
			Price:      price,
			TotalValue: cost,
			Broker:     m.Name(),
		}); err != nil {
			return err
		}

		if err := m.values.AdjustCash(tx, -cost); err != nil {
			return err
		}

		orderID, err = m.orders.Create(tx, domain.Order{
			SignalID:     req.SignalID,
			Symbol:       req.Symbol,
			Action:       req.Action,
			OrderType:    req.OrderType,
			Shares:       req.Shares,
			Status:       domain.OrderFilled,
			FilledPrice:  &price,
			FilledShares: req.Shares,
		})
		if err != nil {
			return err
		}

		return m.audit.RecordTx(tx, domain.ActorBroker, "order_filled",
			fmt.Sprintf("%s %.4f %s @ %.2f", req.Action, req.Shares, req.Symbol, price),
			"order", orderID)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindStateConflict) {
			return m.reject(req, "Insufficient cash")
		}
		return nil, domain.StoreErr("order transaction failed", err)
	}

	m.log.Info().Str("symbol", req.Symbol).Float64("shares", req.Shares).
		Float64("price", price).Str("action", string(req.Action)).Msg("Order filled")

	return &domain.OrderResult{
		OrderID:      strconv.FormatInt(orderID, 10),
		Status:       domain.OrderFilled,
		FilledPrice:  price,
		FilledShares: req.Shares,
	}, nil
}

// close handles SELL (long) and COVER (short) fills with FIFO lot
// consumption. Realized P/L per consumed quantity q is q*(price - cost)
// for a sell and q*(cost - price) for a cover.
func (m *Mock) close(ctx context.Context, req domain.OrderRequest, price float64) (*domain.OrderResult, error) {
	side := "long"
	if req.Action == domain.ActionCover {
		side = "short"
	}

	position, err := m.positions.Get(m.db.Conn(), req.AccountID, req.Symbol, side)
	if err != nil {
		return nil, err
	}
	if position == nil || position.Shares+1e-9 < req.Shares {
		return m.reject(req, "insufficient shares")
	}

	proceeds := req.Shares * price
	var realized float64
	var orderID int64

	err = database.WithTransaction(m.db.Conn(), func(tx *sql.Tx) error {
		consumptions, err := m.lots.ConsumeFIFO(tx, position.ID, req.Shares, price)
		if err != nil {
			return err
		}
		for _, c := range consumptions {
			if req.Action == domain.ActionCover {
				realized -= c.RealizedPnL // short P/L is entry minus exit
			} else {
				realized += c.RealizedPnL
			}
		}

		if err := m.positions.AdjustShares(tx, position.ID, -req.Shares); err != nil {
			return err
		}

		if _, err := m.trades.Create(tx, domain.Trade{
			SignalID:    req.SignalID,
			Symbol:      req.Symbol,
			Action:      req.Action,
			Shares:      req.Shares,
			Price:       price,
			TotalValue:  proceeds,
			Broker:      m.Name(),
			RealizedPnL: &realized,
		}); err != nil {
			return err
		}

		// A sell returns proceeds. A cover releases the margin posted at
		// short open (entry value = proceeds + realized P/L) plus the
		// realized gain or loss, so a round trip nets exactly the P/L.
		cashDelta := proceeds
		if req.Action == domain.ActionCover {
			entry := proceeds + realized
			cashDelta = entry + realized
		}
		if err := m.values.AdjustCash(tx, cashDelta); err != nil {
			return err
		}

		orderID, err = m.orders.Create(tx, domain.Order{
			SignalID:     req.SignalID,
			Symbol:       req.Symbol,
			Action:       req.Action,
			OrderType:    req.OrderType,
			Shares:       req.Shares,
			Status:       domain.OrderFilled,
			FilledPrice:  &price,
			FilledShares: req.Shares,
		})
		if err != nil {
			return err
		}

		return m.audit.RecordTx(tx, domain.ActorBroker, "order_filled",
			fmt.Sprintf("%s %.4f %s @ %.2f, realized %.2f", req.Action, req.Shares, req.Symbol, price, realized),
			"order", orderID)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindStateConflict) {
			return m.reject(req, "insufficient shares")
		}
		return nil, domain.StoreErr("order transaction failed", err)
	}

	m.log.Info().Str("symbol", req.Symbol).Float64("shares", req.Shares).
		Float64("price", price).Float64("realized_pnl", realized).
		Str("action", string(req.Action)).Msg("Order filled")

	return &domain.OrderResult{
		OrderID:      strconv.FormatInt(orderID, 10),
		Status:       domain.OrderFilled,
		FilledPrice:  price,
		FilledShares: req.Shares,
		RealizedPnL:  &realized,
	}, nil
}

// reject records a rejected order row and returns the rejection result.
func (m *Mock) reject(req domain.OrderRequest, message string) (*domain.OrderResult, error) {
	orderID, err := m.orders.Create(m.db.Conn(), domain.Order{
		SignalID:  req.SignalID,
		Symbol:    req.Symbol,
		Action:    req.Action,
		OrderType: req.OrderType,
		Shares:    req.Shares,
		Status:    domain.OrderRejected,
		Message:   message,
	})
	if err != nil {
		return nil, err
	}
	m.log.Warn().Str("symbol", req.Symbol).Str("reason", message).Msg("Order rejected")
	return &domain.OrderResult{
		OrderID: strconv.FormatInt(orderID, 10),
		Status:  domain.OrderRejected,
		Message: message,
	}, nil
}

// lookupSector is best-effort; fundamentals failures leave the sector empty.
func (m *Mock) lookupSector(ctx context.Context, symbol string) string {
	fundamentals, err := m.prices.GetFundamentals(ctx, symbol)
	if err != nil || fundamentals == nil {
		return ""
	}
	return fundamentals.Sector
}

// GetOrderStatus returns the recorded state of an order.
func (m *Mock) GetOrderStatus(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, domain.Validationf("invalid order id %q", orderID)
	}
	order, err := m.orders.Get(id)
	if err != nil {
		return nil, err
	}
	result := &domain.OrderResult{
		OrderID:      orderID,
		Status:       order.Status,
		FilledShares: order.FilledShares,
		Message:      order.Message,
	}
	if order.FilledPrice != nil {
		result.FilledPrice = *order.FilledPrice
	}
	return result, nil
}

// CancelOrder cancels a not-yet-filled order. Mock fills are immediate, so
// this only ever applies to rows left PENDING by external tooling.
func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.Validationf("invalid order id %q", orderID)
	}
	return m.orders.Cancel(id)
}

// PreviewOrder estimates an order without mutating any table.
func (m *Mock) PreviewOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderPreview, error) {
	quote := m.prices.GetPrice(ctx, req.Symbol)
	if !quote.OK() {
		return nil, domain.Upstreamf("price unavailable for %s", req.Symbol)
	}

	preview := &domain.OrderPreview{
		Symbol:        req.Symbol,
		Shares:        req.Shares,
		EstimatedCost: req.Shares * quote.Price,
		Commission:    0,
	}

	if req.Action == domain.ActionBuy || req.Action == domain.ActionShort {
		cash, err := m.values.Cash(m.db.Conn())
		if err != nil {
			return nil, err
		}
		if preview.EstimatedCost > cash {
			preview.Warnings = append(preview.Warnings,
				fmt.Sprintf("estimated cost %.2f exceeds cash %.2f", preview.EstimatedCost, cash))
		}
	}
	return preview, nil
}
