// Package signals manages trade signals: creation, confidence scoring,
// the approval lifecycle and per-source accuracy tracking.
package signals

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

// SourceStats is the win/loss record of one signal source.
type SourceStats struct {
	Source   domain.SignalSource `json:"source"`
	Wins     int                 `json:"wins"`
	Total    int                 `json:"total"`
	TotalPnL float64             `json:"total_pnl"`
}

// Repository persists signals and source statistics.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new signal repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "signals").Logger(),
	}
}

const signalColumns = `id, user_id, action, symbol, thesis_id, confidence, source,
	horizon, status, size_pct, funding_plan, reasoning, created_at, decided_at`

func scanSignal(row interface{ Scan(...interface{}) error }) (*domain.Signal, error) {
	var sig domain.Signal
	var thesisID sql.NullInt64
	var sizePct sql.NullFloat64
	var action, source, status, createdAt string
	var decidedAt sql.NullString
	err := row.Scan(&sig.ID, &sig.UserID, &action, &sig.Symbol, &thesisID,
		&sig.Confidence, &source, &sig.Horizon, &status, &sizePct,
		&sig.FundingPlan, &sig.Reasoning, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	sig.Action = domain.SignalAction(action)
	sig.Source = domain.SignalSource(source)
	sig.Status = domain.SignalStatus(status)
	if thesisID.Valid {
		sig.ThesisID = &thesisID.Int64
	}
	if sizePct.Valid {
		sig.SizePct = &sizePct.Float64
	}
	sig.CreatedAt, _ = time.Parse(domain.TimeFormat, createdAt)
	if decidedAt.Valid {
		if t, err := time.Parse(domain.TimeFormat, decidedAt.String); err == nil {
			sig.DecidedAt = &t
		}
	}
	return &sig, nil
}

// Create inserts a signal and returns its id.
func (r *Repository) Create(sig domain.Signal) (int64, error) {
	var thesisID interface{}
	if sig.ThesisID != nil {
		thesisID = *sig.ThesisID
	}
	var sizePct interface{}
	if sig.SizePct != nil {
		sizePct = *sig.SizePct
	}
	result, err := r.db.Exec(`INSERT INTO signals
		(user_id, action, symbol, thesis_id, confidence, source, horizon, status, size_pct, funding_plan, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.UserID, string(sig.Action), sig.Symbol, thesisID, sig.Confidence,
		string(sig.Source), sig.Horizon, string(sig.Status), sizePct,
		sig.FundingPlan, sig.Reasoning)
	if err != nil {
		return 0, fmt.Errorf("failed to create signal for %s: %w", sig.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read signal id: %w", err)
	}
	return id, nil
}

// Get returns one signal by id.
func (r *Repository) Get(q Queryer, id int64) (*domain.Signal, error) {
	sig, err := scanSignal(q.QueryRow(`SELECT `+signalColumns+` FROM signals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("signal %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %d: %w", id, err)
	}
	return sig, nil
}

// ListByStatus returns signals in one status, newest first. An empty status
// returns everything.
func (r *Repository) ListByStatus(status domain.SignalStatus, limit int) ([]domain.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var sigs []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sigs = append(sigs, *sig)
	}
	return sigs, rows.Err()
}

// UpdateStatus moves a signal to a new status within the caller's
// transaction. The expected old status sits in the WHERE clause so exactly
// one of two concurrent transitions wins.
func (r *Repository) UpdateStatus(q Queryer, id int64, from, to domain.SignalStatus) error {
	var decidedAt interface{}
	if to != domain.SignalPending {
		decidedAt = time.Now().Format(domain.TimeFormat)
	}
	result, err := q.Exec(`UPDATE signals SET status = ?, decided_at = COALESCE(?, decided_at)
		WHERE id = ? AND status = ?`,
		string(to), decidedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update signal %d status: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.StateConflictf("signal %d is no longer %s", id, from)
	}
	return nil
}

// UpdateSizing rewrites the mutable fields of a PENDING signal.
func (r *Repository) UpdateSizing(id int64, sizePct *float64, confidence float64, reasoning string) error {
	var size interface{}
	if sizePct != nil {
		size = *sizePct
	}
	result, err := r.db.Exec(`UPDATE signals
		SET size_pct = ?, confidence = ?, reasoning = ?
		WHERE id = ? AND status = ?`,
		size, confidence, reasoning, id, string(domain.SignalPending))
	if err != nil {
		return fmt.Errorf("failed to update signal %d sizing: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.StateConflictf("signal %d is not pending", id)
	}
	return nil
}

// ExpiredPending returns PENDING signals created before the cutoff.
func (r *Repository) ExpiredPending(cutoff time.Time) ([]domain.Signal, error) {
	rows, err := r.db.Query(`SELECT `+signalColumns+` FROM signals
		WHERE status = ? AND created_at < ? ORDER BY id ASC`,
		string(domain.SignalPending), cutoff.Format(domain.TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired signals: %w", err)
	}
	defer rows.Close()

	var sigs []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sigs = append(sigs, *sig)
	}
	return sigs, rows.Err()
}

// SourceStats returns the accuracy record of one source. A source with no
// row has a zero record.
func (r *Repository) SourceStats(source domain.SignalSource) (SourceStats, error) {
	stats := SourceStats{Source: source}
	err := r.db.QueryRow(`SELECT wins, total, total_pnl FROM signal_source_stats WHERE source = ?`,
		string(source)).Scan(&stats.Wins, &stats.Total, &stats.TotalPnL)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("failed to get source stats for %s: %w", source, err)
	}
	return stats, nil
}

// AllSourceStats returns every source's record.
func (r *Repository) AllSourceStats() ([]SourceStats, error) {
	rows, err := r.db.Query(`SELECT source, wins, total, total_pnl FROM signal_source_stats ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source stats: %w", err)
	}
	defer rows.Close()

	var out []SourceStats
	for rows.Next() {
		var stats SourceStats
		var source string
		if err := rows.Scan(&source, &stats.Wins, &stats.Total, &stats.TotalPnL); err != nil {
			return nil, fmt.Errorf("failed to scan source stats: %w", err)
		}
		stats.Source = domain.SignalSource(source)
		out = append(out, stats)
	}
	return out, rows.Err()
}

// RecordSourceOutcome folds one closed-trade result into the source record.
func (r *Repository) RecordSourceOutcome(source domain.SignalSource, pnl float64) error {
	win := 0
	if pnl > 0 {
		win = 1
	}
	_, err := r.db.Exec(`INSERT INTO signal_source_stats (source, wins, total, total_pnl)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(source) DO UPDATE SET
			wins = wins + excluded.wins,
			total = total + 1,
			total_pnl = total_pnl + excluded.total_pnl`,
		string(source), win, pnl)
	if err != nil {
		return fmt.Errorf("failed to record source outcome for %s: %w", source, err)
	}
	return nil
}
