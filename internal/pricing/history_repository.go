package pricing

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// HistoryRepository persists OHLCV bars in the price_history table.
// Rows are unique on (symbol, timestamp, interval).
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a new price history repository.
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "price_history").Logger(),
	}
}

// SaveCandles upserts a batch of bars for a symbol.
func (r *HistoryRepository) SaveCandles(symbol, interval string, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin price history transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO price_history
		(symbol, timestamp, interval, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timestamp, interval) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close,
			volume = excluded.volume`)
	if err != nil {
		return fmt.Errorf("failed to prepare price history insert: %w", err)
	}
	defer stmt.Close()

	for _, candle := range candles {
		_, err := stmt.Exec(
			symbol,
			candle.Timestamp.Format(domain.TimeFormat),
			interval,
			candle.Open, candle.High, candle.Low, candle.Close, candle.Volume,
		)
		if err != nil {
			return fmt.Errorf("failed to insert price history bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit price history: %w", err)
	}
	return nil
}

// CloseOn returns the closing price for the bar nearest to (at or before)
// the given day. Used for baseline lookups against thesis creation dates.
func (r *HistoryRepository) CloseOn(symbol, date string) (float64, error) {
	var close float64
	err := r.db.QueryRow(`SELECT close FROM price_history
		WHERE symbol = ? AND interval = '1d' AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1`,
		symbol, date+"T23:59:59",
	).Scan(&close)
	if err == sql.ErrNoRows {
		return 0, domain.NotFoundf("no price history for %s on or before %s", symbol, date)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query price history: %w", err)
	}
	return close, nil
}

// Closes returns up to limit daily closes for a symbol in ascending
// timestamp order, for indicator computation.
func (r *HistoryRepository) Closes(symbol string, limit int) ([]float64, error) {
	rows, err := r.db.Query(`SELECT close FROM (
			SELECT timestamp, close FROM price_history
			WHERE symbol = ? AND interval = '1d'
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`,
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query closes: %w", err)
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan close: %w", err)
		}
		closes = append(closes, c)
	}
	return closes, rows.Err()
}
