package domain

import (
	"context"
	"time"
)

// Quote is the pricing service's latest-price record. On upstream failure
// Err is set and the numeric fields are zero; callers never see a panic or
// a raised error from quote lookups.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // primary | fallback | cache
	Err       string    `json:"error,omitempty"`
}

// OK reports whether the quote carries a usable price.
func (q Quote) OK() bool { return q.Err == "" && q.Price > 0 }

// Fundamentals is a subset of company fundamentals used by the engines.
type Fundamentals struct {
	Symbol      string  `json:"symbol"`
	Sector      string  `json:"sector"`
	Industry    string  `json:"industry"`
	MarketCap   float64 `json:"market_cap"`
	PERatio     float64 `json:"pe_ratio"`
	NextEarning string  `json:"next_earnings_date,omitempty"` // day precision
}

// PriceSource provides quotes, history and fundamentals with bounded
// freshness. Implementations must be safe for concurrent use.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) Quote
	GetPrices(ctx context.Context, symbols []string) map[string]Quote
	GetHistory(ctx context.Context, symbol, period string) ([]Candle, error)
	GetFundamentals(ctx context.Context, symbol string) (*Fundamentals, error)
}

// OrderRequest describes an order to place with a broker.
type OrderRequest struct {
	SignalID   *int64       `json:"signal_id,omitempty"`
	AccountID  int64        `json:"account_id"`
	Symbol     string       `json:"symbol"`
	Action     SignalAction `json:"action"`
	OrderType  OrderType    `json:"order_type"`
	Shares     float64      `json:"shares"`
	LimitPrice *float64     `json:"limit_price,omitempty"`
}

// OrderResult is the broker's response to an order placement.
type OrderResult struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	FilledPrice  float64     `json:"filled_price"`
	FilledShares float64     `json:"filled_shares"`
	RealizedPnL  *float64    `json:"realized_pnl,omitempty"`
	Message      string      `json:"message"`
}

// OrderPreview is a non-mutating estimate of an order's cost.
type OrderPreview struct {
	Symbol        string   `json:"symbol"`
	Shares        float64  `json:"shares"`
	EstimatedCost float64  `json:"estimated_cost"`
	Commission    float64  `json:"commission"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Balance is the broker-reported account balance.
type Balance struct {
	Cash        float64 `json:"cash"`
	TotalValue  float64 `json:"total_value"`
	BuyingPower float64 `json:"buying_power"`
}

// Broker abstracts order placement and account state. All methods may block
// on I/O and must be called off the request goroutine's store transaction.
type Broker interface {
	Name() string
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccountBalance(ctx context.Context) (*Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	PreviewOrder(ctx context.Context, req OrderRequest) (*OrderPreview, error)
}
