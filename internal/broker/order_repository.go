// Package broker implements the broker abstraction: a mock broker with
// full lot-level FIFO accounting against the local store, and a Schwab
// adapter for live trading.
package broker

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// OrderRepository persists order rows for both broker implementations.
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "order").Logger(),
	}
}

// Create inserts an order row and returns its id.
func (r *OrderRepository) Create(q Queryer, order domain.Order) (int64, error) {
	var signalID interface{}
	if order.SignalID != nil {
		signalID = *order.SignalID
	}
	var limitPrice interface{}
	if order.LimitPrice != nil {
		limitPrice = *order.LimitPrice
	}
	var filledPrice interface{}
	if order.FilledPrice != nil {
		filledPrice = *order.FilledPrice
	}

	result, err := q.Exec(`INSERT INTO orders
		(signal_id, symbol, action, order_type, shares, limit_price, status, filled_price, filled_shares, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		signalID, order.Symbol, string(order.Action), string(order.OrderType),
		order.Shares, limitPrice, string(order.Status), filledPrice,
		order.FilledShares, order.Message)
	if err != nil {
		return 0, fmt.Errorf("failed to create order for %s: %w", order.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read order id: %w", err)
	}
	return id, nil
}

// Get returns one order by id.
func (r *OrderRepository) Get(id int64) (*domain.Order, error) {
	row := r.db.QueryRow(`SELECT id, signal_id, symbol, action, order_type, shares,
		limit_price, status, filled_price, filled_shares, message, created_at, cancelled_at
		FROM orders WHERE id = ?`, id)

	var o domain.Order
	var signalID sql.NullInt64
	var limitPrice, filledPrice sql.NullFloat64
	var action, orderType, status, createdAt string
	var cancelledAt sql.NullString
	err := row.Scan(&o.ID, &signalID, &o.Symbol, &action, &orderType, &o.Shares,
		&limitPrice, &status, &filledPrice, &o.FilledShares, &o.Message,
		&createdAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}

	o.Action = domain.SignalAction(action)
	o.OrderType = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	if signalID.Valid {
		o.SignalID = &signalID.Int64
	}
	if limitPrice.Valid {
		o.LimitPrice = &limitPrice.Float64
	}
	if filledPrice.Valid {
		o.FilledPrice = &filledPrice.Float64
	}
	o.CreatedAt, _ = time.Parse(domain.TimeFormat, createdAt)
	if cancelledAt.Valid {
		if t, err := time.Parse(domain.TimeFormat, cancelledAt.String); err == nil {
			o.CancelledAt = &t
		}
	}
	return &o, nil
}

// Cancel marks a PENDING or SUBMITTED order cancelled. Orders in any other
// state cannot be cancelled.
func (r *OrderRepository) Cancel(id int64) error {
	result, err := r.db.Exec(`UPDATE orders
		SET status = ?, cancelled_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(domain.OrderCancelled), time.Now().Format(domain.TimeFormat),
		id, string(domain.OrderPending), string(domain.OrderSubmitted))
	if err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.StateConflictf("order %d is not cancellable", id)
	}
	return nil
}
