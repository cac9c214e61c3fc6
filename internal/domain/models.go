package domain

import "time"

// TimeFormat is the second-precision ISO-8601 format used for all persisted
// timestamps. Day-precision snapshot dates use DateFormat.
const (
	TimeFormat = "2006-01-02T15:04:05"
	DateFormat = "2006-01-02"
)

// Account is a brokerage account owning positions. Never deleted.
type Account struct {
	ID          int64  `json:"id"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Broker      string `json:"broker"`
	AccountType string `json:"account_type"`
	AccountHash string `json:"account_hash"`
	Active      bool   `json:"active"`
}

// Thesis is a persistent investment hypothesis with a state machine.
type Thesis struct {
	ID                 int64        `json:"id"`
	UserID             string       `json:"user_id"`
	Title              string       `json:"title"`
	Narrative          string       `json:"narrative"`
	Strategy           string       `json:"strategy"` // long | short | pair
	Status             ThesisStatus `json:"status"`
	Symbols            []string     `json:"symbols"`
	UniverseKeywords   []string     `json:"universe_keywords"`
	ValidationCriteria []string     `json:"validation_criteria"`
	FailureCriteria    []string     `json:"failure_criteria"`
	Horizon            string       `json:"horizon"`
	Conviction         float64      `json:"conviction"` // [0,1]
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// ThesisVersion is one append-only record of a thesis status change.
type ThesisVersion struct {
	ID        int64        `json:"id"`
	ThesisID  int64        `json:"thesis_id"`
	OldStatus ThesisStatus `json:"old_status"`
	NewStatus ThesisStatus `json:"new_status"`
	Reason    string       `json:"reason"`
	Evidence  string       `json:"evidence"`
	CreatedAt time.Time    `json:"created_at"`
}

// Principle is a self-learning heuristic rule applied during scoring.
type Principle struct {
	ID               int64   `json:"id"`
	UserID           string  `json:"user_id"`
	Text             string  `json:"text"`
	Category         string  `json:"category"` // domain | conviction | risk | other
	Origin           string  `json:"origin"`
	ValidatedCount   int     `json:"validated_count"`
	InvalidatedCount int     `json:"invalidated_count"`
	Weight           float64 `json:"weight"` // ~[0, 0.2]
	Active           bool    `json:"active"`
}

// Position sides. Shares is always >= 0; the side carries the sign.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Position is the aggregated holding for one symbol and side in one account.
type Position struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	AccountID int64     `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Shares    float64   `json:"shares"`
	AvgCost   float64   `json:"avg_cost"`
	Side      string    `json:"side"` // long | short
	Strategy  string    `json:"strategy"`
	ThesisID  *int64    `json:"thesis_id,omitempty"`
	Sector    string    `json:"sector"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lot is one tax-relevant purchase, FIFO-consumed on sells.
// CostBasis is the remaining basis of the open shares: it starts at
// per-share cost times acquired shares and is reduced proportionally as the
// lot is consumed, so CostPerShare stays constant over the lot's life.
type Lot struct {
	ID            int64   `json:"id"`
	PositionID    int64   `json:"position_id"`
	AccountID     int64   `json:"account_id"`
	Symbol        string  `json:"symbol"`
	Shares        float64 `json:"shares"`
	CostBasis     float64 `json:"cost_basis"`
	AcquiredDate  string  `json:"acquired_date"` // day precision
	Source        string  `json:"source"`        // trade | import
	HoldingPeriod string  `json:"holding_period"`
	ClosedDate    *string `json:"closed_date,omitempty"`
}

// CostPerShare returns the per-share cost of the lot.
func (l Lot) CostPerShare() float64 {
	if l.Shares <= 0 {
		return 0
	}
	return l.CostBasis / l.Shares
}

// Trade is one append-only execution record.
type Trade struct {
	ID          int64        `json:"id"`
	SignalID    *int64       `json:"signal_id,omitempty"`
	Symbol      string       `json:"symbol"`
	Action      SignalAction `json:"action"`
	Shares      float64      `json:"shares"`
	Price       float64      `json:"price"`
	TotalValue  float64      `json:"total_value"`
	Fees        float64      `json:"fees"`
	Broker      string       `json:"broker"`
	RealizedPnL *float64     `json:"realized_pnl,omitempty"`
	ExecutedAt  time.Time    `json:"executed_at"`
}

// Order is a broker order row.
type Order struct {
	ID           int64        `json:"id"`
	SignalID     *int64       `json:"signal_id,omitempty"`
	Symbol       string       `json:"symbol"`
	Action       SignalAction `json:"action"`
	OrderType    OrderType    `json:"order_type"`
	Shares       float64      `json:"shares"`
	LimitPrice   *float64     `json:"limit_price,omitempty"`
	Status       OrderStatus  `json:"status"`
	FilledPrice  *float64     `json:"filled_price,omitempty"`
	FilledShares float64      `json:"filled_shares"`
	Message      string       `json:"message"`
	CreatedAt    time.Time    `json:"created_at"`
	CancelledAt  *time.Time   `json:"cancelled_at,omitempty"`
}

// Signal is a concrete, actionable trade proposal.
type Signal struct {
	ID          int64        `json:"id"`
	UserID      string       `json:"user_id"`
	Action      SignalAction `json:"action"`
	Symbol      string       `json:"symbol"`
	ThesisID    *int64       `json:"thesis_id,omitempty"`
	Confidence  float64      `json:"confidence"` // [0,1]
	Source      SignalSource `json:"source"`
	Horizon     string       `json:"horizon"`
	Status      SignalStatus `json:"status"`
	SizePct     *float64     `json:"size_pct,omitempty"` // fraction of NAV
	FundingPlan string       `json:"funding_plan"`
	Reasoning   string       `json:"reasoning"`
	CreatedAt   time.Time    `json:"created_at"`
	DecidedAt   *time.Time   `json:"decided_at,omitempty"`
}

// WhatIf is a counterfactual P/L record for a rejected or ignored signal.
type WhatIf struct {
	ID                 int64     `json:"id"`
	SignalID           int64     `json:"signal_id"`
	Decision           string    `json:"decision"` // rejected | ignored
	PriceAtPass        float64   `json:"price_at_pass"`
	CurrentPrice       float64   `json:"current_price"`
	HypotheticalPnL    float64   `json:"hypothetical_pnl"`
	HypotheticalPnLPct float64   `json:"hypothetical_pnl_pct"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PortfolioValue is one daily NAV row, upserted on date conflict.
type PortfolioValue struct {
	Date        string  `json:"date"`
	TotalValue  float64 `json:"total_value"`
	LongValue   float64 `json:"long_value"`
	ShortValue  float64 `json:"short_value"`
	Cash        float64 `json:"cash"`
	CostBasis   float64 `json:"cost_basis"`
	DailyReturn float64 `json:"daily_return"`
}

// ExposureSnapshot captures gross/net exposure and its breakdown.
type ExposureSnapshot struct {
	ID         int64              `json:"id"`
	Date       string             `json:"date"`
	Gross      float64            `json:"gross"`
	Net        float64            `json:"net"`
	LongValue  float64            `json:"long_value"`
	ShortValue float64            `json:"short_value"`
	BySector   map[string]float64 `json:"by_sector"`
	BySymbol   map[string]float64 `json:"by_symbol"`
}

// RiskLimit keys understood by the risk manager.
const (
	LimitMaxPositionPct   = "max_position_pct"
	LimitMaxSectorPct     = "max_sector_pct"
	LimitMaxGrossExposure = "max_gross_exposure"
	LimitNetExposureMin   = "net_exposure_min"
	LimitNetExposureMax   = "net_exposure_max"
	LimitMaxDrawdown      = "max_drawdown"
	LimitDailyLossLimit   = "daily_loss_limit"
)

// KillSwitchState is the latest kill switch row.
type KillSwitchState struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// TradingWindow is an explicit time range during which a restricted symbol
// may trade. A symbol with no window rows is unrestricted.
type TradingWindow struct {
	ID       int64     `json:"id"`
	Symbol   string    `json:"symbol"`
	OpensAt  time.Time `json:"opens_at"`
	ClosesAt time.Time `json:"closes_at"`
	Reason   string    `json:"reason"`
}

// ScheduledTask mirrors a scheduler job row for UI observation.
type ScheduledTask struct {
	Name     string  `json:"name"`
	Schedule string  `json:"schedule"`
	Status   string  `json:"status"` // active | failed
	LastRun  *string `json:"last_run,omitempty"`
	NextRun  *string `json:"next_run,omitempty"`
	ErrorLog string  `json:"error_log"`
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Actor      ActorType `json:"actor"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}
