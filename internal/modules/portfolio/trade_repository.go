package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// TradeRepository handles the append-only trades table.
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeRepository creates a new trade repository.
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trade").Logger(),
	}
}

// Create appends one trade row within the caller's transaction.
func (r *TradeRepository) Create(q Queryer, trade domain.Trade) (int64, error) {
	var signalID interface{}
	if trade.SignalID != nil {
		signalID = *trade.SignalID
	}
	var realizedPnL interface{}
	if trade.RealizedPnL != nil {
		realizedPnL = *trade.RealizedPnL
	}
	executedAt := trade.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	result, err := q.Exec(`INSERT INTO trades
		(signal_id, symbol, action, shares, price, total_value, fees, broker, realized_pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		signalID, trade.Symbol, string(trade.Action), trade.Shares, trade.Price,
		trade.TotalValue, trade.Fees, trade.Broker, realizedPnL,
		executedAt.Format(domain.TimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to create trade for %s: %w", trade.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read trade id: %w", err)
	}
	return id, nil
}

const tradeColumns = `id, signal_id, symbol, action, shares, price, total_value, fees, broker, realized_pnl, executed_at`

func scanTrade(row interface{ Scan(...interface{}) error }) (domain.Trade, error) {
	var t domain.Trade
	var signalID sql.NullInt64
	var realizedPnL sql.NullFloat64
	var action, executedAt string
	err := row.Scan(&t.ID, &signalID, &t.Symbol, &action, &t.Shares, &t.Price,
		&t.TotalValue, &t.Fees, &t.Broker, &realizedPnL, &executedAt)
	if err != nil {
		return t, err
	}
	t.Action = domain.SignalAction(action)
	if signalID.Valid {
		t.SignalID = &signalID.Int64
	}
	if realizedPnL.Valid {
		t.RealizedPnL = &realizedPnL.Float64
	}
	t.ExecutedAt, _ = time.Parse(domain.TimeFormat, executedAt)
	return t, nil
}

// GetRecent returns the most recent trades, newest first.
func (r *TradeRepository) GetRecent(limit int) ([]domain.Trade, error) {
	rows, err := r.db.Query(`SELECT `+tradeColumns+` FROM trades
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// GetBySymbol returns all trades for a symbol in execution order.
func (r *TradeRepository) GetBySymbol(symbol string) ([]domain.Trade, error) {
	rows, err := r.db.Query(`SELECT `+tradeColumns+` FROM trades
		WHERE symbol = ? ORDER BY id ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w", symbol, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// Count returns the number of trade rows.
func (r *TradeRepository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}
