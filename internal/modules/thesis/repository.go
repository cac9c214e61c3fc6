// Package thesis manages investment theses: durable hypotheses with a
// status state machine and an append-only version history.
package thesis

import (
	"database/sql"
	"encoding/json"
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

// Repository persists theses and their version history.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new thesis repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "thesis").Logger(),
	}
}

const thesisColumns = `id, user_id, title, narrative, strategy, status, symbols,
	universe_keywords, validation_criteria, failure_criteria, horizon, conviction,
	created_at, updated_at`

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(raw string) []string {
	var list []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &list)
	}
	return list
}

func scanThesis(row interface{ Scan(...interface{}) error }) (*domain.Thesis, error) {
	var t domain.Thesis
	var status, symbols, keywords, validation, failure, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Narrative, &t.Strategy, &status,
		&symbols, &keywords, &validation, &failure, &t.Horizon, &t.Conviction,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = domain.ThesisStatus(status)
	t.Symbols = decodeList(symbols)
	t.UniverseKeywords = decodeList(keywords)
	t.ValidationCriteria = decodeList(validation)
	t.FailureCriteria = decodeList(failure)
	t.CreatedAt, _ = time.Parse(domain.TimeFormat, createdAt)
	t.UpdatedAt, _ = time.Parse(domain.TimeFormat, updatedAt)
	return &t, nil
}

// Create inserts a thesis and returns its id.
func (r *Repository) Create(t domain.Thesis) (int64, error) {
	result, err := r.db.Exec(`INSERT INTO theses
		(user_id, title, narrative, strategy, status, symbols, universe_keywords,
		 validation_criteria, failure_criteria, horizon, conviction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Title, t.Narrative, t.Strategy, string(t.Status),
		encodeList(t.Symbols), encodeList(t.UniverseKeywords),
		encodeList(t.ValidationCriteria), encodeList(t.FailureCriteria),
		t.Horizon, t.Conviction)
	if err != nil {
		return 0, fmt.Errorf("failed to create thesis %q: %w", t.Title, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read thesis id: %w", err)
	}
	return id, nil
}

// Get returns one thesis by id.
func (r *Repository) Get(q Queryer, id int64) (*domain.Thesis, error) {
	t, err := scanThesis(q.QueryRow(`SELECT `+thesisColumns+` FROM theses WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("thesis %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thesis %d: %w", id, err)
	}
	return t, nil
}

// List returns theses, optionally filtered by status. ARCHIVED theses are
// included only when asked for explicitly.
func (r *Repository) List(status domain.ThesisStatus) ([]domain.Thesis, error) {
	query := `SELECT ` + thesisColumns + ` FROM theses`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	} else {
		query += ` WHERE status != ?`
		args = append(args, string(domain.ThesisArchived))
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query theses: %w", err)
	}
	defer rows.Close()

	var theses []domain.Thesis
	for rows.Next() {
		t, err := scanThesis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thesis: %w", err)
		}
		theses = append(theses, *t)
	}
	return theses, rows.Err()
}

// Active returns all theses in a non-terminal, non-draft state.
func (r *Repository) Active() ([]domain.Thesis, error) {
	rows, err := r.db.Query(`SELECT `+thesisColumns+` FROM theses
		WHERE status NOT IN (?, ?) ORDER BY id ASC`,
		string(domain.ThesisDraft), string(domain.ThesisArchived))
	if err != nil {
		return nil, fmt.Errorf("failed to query active theses: %w", err)
	}
	defer rows.Close()

	var theses []domain.Thesis
	for rows.Next() {
		t, err := scanThesis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thesis: %w", err)
		}
		theses = append(theses, *t)
	}
	return theses, rows.Err()
}

// UpdateStatus moves a thesis to a new status within the caller's
// transaction. The expected old status is part of the WHERE clause so a
// concurrent transition loses cleanly.
func (r *Repository) UpdateStatus(q Queryer, id int64, from, to domain.ThesisStatus) error {
	result, err := q.Exec(`UPDATE theses
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%S','now')
		WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update thesis %d status: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.StateConflictf("thesis %d is no longer %s", id, from)
	}
	return nil
}

// UpdateSymbols replaces the symbol list.
func (r *Repository) UpdateSymbols(q Queryer, id int64, symbols []string) error {
	_, err := q.Exec(`UPDATE theses
		SET symbols = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%S','now')
		WHERE id = ?`,
		encodeList(symbols), id)
	if err != nil {
		return fmt.Errorf("failed to update thesis %d symbols: %w", id, err)
	}
	return nil
}

// UpdateConviction sets the conviction level.
func (r *Repository) UpdateConviction(id int64, conviction float64) error {
	_, err := r.db.Exec(`UPDATE theses
		SET conviction = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%S','now')
		WHERE id = ?`,
		conviction, id)
	if err != nil {
		return fmt.Errorf("failed to update thesis %d conviction: %w", id, err)
	}
	return nil
}

// AddVersion appends one version row within the caller's transaction.
func (r *Repository) AddVersion(q Queryer, v domain.ThesisVersion) error {
	_, err := q.Exec(`INSERT INTO thesis_versions (thesis_id, old_status, new_status, reason, evidence)
		VALUES (?, ?, ?, ?, ?)`,
		v.ThesisID, string(v.OldStatus), string(v.NewStatus), v.Reason, v.Evidence)
	if err != nil {
		return fmt.Errorf("failed to add thesis %d version: %w", v.ThesisID, err)
	}
	return nil
}

// Versions returns the version history for a thesis in chronological order.
func (r *Repository) Versions(thesisID int64) ([]domain.ThesisVersion, error) {
	rows, err := r.db.Query(`SELECT id, thesis_id, old_status, new_status, reason, evidence, created_at
		FROM thesis_versions WHERE thesis_id = ? ORDER BY id ASC`, thesisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thesis %d versions: %w", thesisID, err)
	}
	defer rows.Close()

	var versions []domain.ThesisVersion
	for rows.Next() {
		var v domain.ThesisVersion
		var oldStatus, newStatus, createdAt string
		if err := rows.Scan(&v.ID, &v.ThesisID, &oldStatus, &newStatus,
			&v.Reason, &v.Evidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan thesis version: %w", err)
		}
		v.OldStatus = domain.ThesisStatus(oldStatus)
		v.NewStatus = domain.ThesisStatus(newStatus)
		v.CreatedAt, _ = time.Parse(domain.TimeFormat, createdAt)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// StaleSince returns non-terminal theses not updated since the cutoff.
func (r *Repository) StaleSince(cutoff time.Time) ([]domain.Thesis, error) {
	rows, err := r.db.Query(`SELECT `+thesisColumns+` FROM theses
		WHERE status NOT IN (?, ?) AND updated_at < ? ORDER BY updated_at ASC`,
		string(domain.ThesisArchived), string(domain.ThesisInvalidated),
		cutoff.Format(domain.TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale theses: %w", err)
	}
	defer rows.Close()

	var theses []domain.Thesis
	for rows.Next() {
		t, err := scanThesis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thesis: %w", err)
		}
		theses = append(theses, *t)
	}
	return theses, rows.Err()
}
