// Package risk implements the pre-trade risk manager: an ordered set of
// gates every signal passes before execution, plus the kill switch,
// drawdown tracking and per-symbol trading restrictions.
package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/config"
	"moves/internal/domain"
)

// Repository persists risk limits, kill switch rows, trading windows,
// earnings dates and drawdown events.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new risk repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "risk").Logger(),
	}
}

// SeedLimits writes the configured defaults for any limit not yet present.
// Existing rows are left alone so user overrides survive restarts.
func (r *Repository) SeedLimits(defaults config.RiskDefaults) error {
	seed := map[string]float64{
		domain.LimitMaxPositionPct:   defaults.MaxPositionPct,
		domain.LimitMaxSectorPct:     defaults.MaxSectorPct,
		domain.LimitMaxGrossExposure: defaults.MaxGrossExposure,
		domain.LimitNetExposureMin:   defaults.NetExposureMin,
		domain.LimitNetExposureMax:   defaults.NetExposureMax,
		domain.LimitMaxDrawdown:      defaults.MaxDrawdown,
		domain.LimitDailyLossLimit:   defaults.DailyLossLimit,
	}
	for limitType, value := range seed {
		if _, err := r.db.Exec(`INSERT INTO risk_limits (limit_type, value) VALUES (?, ?)
			ON CONFLICT(limit_type) DO NOTHING`, limitType, value); err != nil {
			return fmt.Errorf("failed to seed risk limit %s: %w", limitType, err)
		}
	}
	return nil
}

// Limit returns the value of one limit.
func (r *Repository) Limit(limitType string) (float64, error) {
	var value float64
	err := r.db.QueryRow(`SELECT value FROM risk_limits WHERE limit_type = ?`, limitType).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, domain.NotFoundf("risk limit %s not found", limitType)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get risk limit %s: %w", limitType, err)
	}
	return value, nil
}

// Limits returns every limit keyed by type.
func (r *Repository) Limits() (map[string]float64, error) {
	rows, err := r.db.Query(`SELECT limit_type, value FROM risk_limits`)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk limits: %w", err)
	}
	defer rows.Close()

	limits := make(map[string]float64)
	for rows.Next() {
		var limitType string
		var value float64
		if err := rows.Scan(&limitType, &value); err != nil {
			return nil, fmt.Errorf("failed to scan risk limit: %w", err)
		}
		limits[limitType] = value
	}
	return limits, rows.Err()
}

// SetLimit updates one limit's value.
func (r *Repository) SetLimit(limitType string, value float64) error {
	_, err := r.db.Exec(`INSERT INTO risk_limits (limit_type, value, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%S','now'))
		ON CONFLICT(limit_type) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at`,
		limitType, value)
	if err != nil {
		return fmt.Errorf("failed to set risk limit %s: %w", limitType, err)
	}
	return nil
}

// KillSwitch returns the latest kill switch row. No rows means inactive.
func (r *Repository) KillSwitch() (domain.KillSwitchState, error) {
	var state domain.KillSwitchState
	var active int
	var createdAt string
	err := r.db.QueryRow(`SELECT active, reason, created_at FROM kill_switch
		ORDER BY id DESC LIMIT 1`).Scan(&active, &state.Reason, &createdAt)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to get kill switch state: %w", err)
	}
	state.Active = active != 0
	state.CreatedAt, _ = time.Parse(domain.TimeFormat, createdAt)
	return state, nil
}

// SetKillSwitch appends a kill switch row. History is append-only so the
// audit trail keeps every activation.
func (r *Repository) SetKillSwitch(active bool, reason string) error {
	activeInt := 0
	if active {
		activeInt = 1
	}
	_, err := r.db.Exec(`INSERT INTO kill_switch (active, reason) VALUES (?, ?)`,
		activeInt, reason)
	if err != nil {
		return fmt.Errorf("failed to set kill switch: %w", err)
	}
	return nil
}

// Windows returns the trading windows for a symbol. A symbol with no rows
// is unrestricted.
func (r *Repository) Windows(symbol string) ([]domain.TradingWindow, error) {
	rows, err := r.db.Query(`SELECT id, symbol, opens_at, closes_at, reason
		FROM trading_windows WHERE symbol = ? ORDER BY opens_at ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading windows for %s: %w", symbol, err)
	}
	defer rows.Close()

	var windows []domain.TradingWindow
	for rows.Next() {
		var w domain.TradingWindow
		var opensAt, closesAt string
		if err := rows.Scan(&w.ID, &w.Symbol, &opensAt, &closesAt, &w.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan trading window: %w", err)
		}
		w.OpensAt, _ = time.Parse(domain.TimeFormat, opensAt)
		w.ClosesAt, _ = time.Parse(domain.TimeFormat, closesAt)
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// AddWindow restricts a symbol to an explicit trading window.
func (r *Repository) AddWindow(w domain.TradingWindow) (int64, error) {
	result, err := r.db.Exec(`INSERT INTO trading_windows (symbol, opens_at, closes_at, reason)
		VALUES (?, ?, ?, ?)`,
		w.Symbol, w.OpensAt.Format(domain.TimeFormat),
		w.ClosesAt.Format(domain.TimeFormat), w.Reason)
	if err != nil {
		return 0, fmt.Errorf("failed to add trading window for %s: %w", w.Symbol, err)
	}
	return result.LastInsertId()
}

// UpsertEarnings stores a known earnings date for a symbol.
func (r *Repository) UpsertEarnings(symbol, date string) error {
	_, err := r.db.Exec(`INSERT INTO earnings_events (symbol, earnings_date) VALUES (?, ?)
		ON CONFLICT(symbol, earnings_date) DO NOTHING`, symbol, date)
	if err != nil {
		return fmt.Errorf("failed to upsert earnings date for %s: %w", symbol, err)
	}
	return nil
}

// NextEarnings returns the next known earnings date on or after from, or
// "" when none is recorded.
func (r *Repository) NextEarnings(symbol, from string) (string, error) {
	var date string
	err := r.db.QueryRow(`SELECT earnings_date FROM earnings_events
		WHERE symbol = ? AND earnings_date >= ?
		ORDER BY earnings_date ASC LIMIT 1`, symbol, from).Scan(&date)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get next earnings for %s: %w", symbol, err)
	}
	return date, nil
}

// RecordDrawdownEvent stores one peak-to-trough episode.
func (r *Repository) RecordDrawdownEvent(peakDate string, peakValue float64, troughDate string, troughValue, drawdown float64) error {
	_, err := r.db.Exec(`INSERT INTO drawdown_events
		(peak_date, peak_value, trough_date, trough_value, drawdown)
		VALUES (?, ?, ?, ?, ?)`,
		peakDate, peakValue, troughDate, troughValue, drawdown)
	if err != nil {
		return fmt.Errorf("failed to record drawdown event: %w", err)
	}
	return nil
}
