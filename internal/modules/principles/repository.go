// Package principles manages the self-learning heuristic rules that nudge
// signal confidence. Each principle keeps a validated/invalidated tally;
// consistently wrong principles deactivate themselves.
package principles

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// Repository persists principles.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new principles repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "principles").Logger(),
	}
}

const principleColumns = `id, user_id, text, category, origin, validated_count, invalidated_count, weight, active`

func scanPrinciple(row interface{ Scan(...interface{}) error }) (domain.Principle, error) {
	var p domain.Principle
	var active int
	err := row.Scan(&p.ID, &p.UserID, &p.Text, &p.Category, &p.Origin,
		&p.ValidatedCount, &p.InvalidatedCount, &p.Weight, &active)
	p.Active = active != 0
	return p, err
}

// Create inserts a principle and returns its id.
func (r *Repository) Create(p domain.Principle) (int64, error) {
	if p.UserID == "" {
		p.UserID = "default"
	}
	result, err := r.db.Exec(`INSERT INTO principles (user_id, text, category, origin, weight, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Text, p.Category, p.Origin, p.Weight, boolToInt(p.Active))
	if err != nil {
		return 0, fmt.Errorf("failed to create principle: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read principle id: %w", err)
	}
	return id, nil
}

// Get returns one principle by id.
func (r *Repository) Get(id int64) (*domain.Principle, error) {
	p, err := scanPrinciple(r.db.QueryRow(`SELECT `+principleColumns+` FROM principles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("principle %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principle %d: %w", id, err)
	}
	return &p, nil
}

// Active returns all active principles.
func (r *Repository) Active() ([]domain.Principle, error) {
	rows, err := r.db.Query(`SELECT ` + principleColumns + ` FROM principles WHERE active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active principles: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// All returns every principle including deactivated ones.
func (r *Repository) All() ([]domain.Principle, error) {
	rows, err := r.db.Query(`SELECT ` + principleColumns + ` FROM principles ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query principles: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]domain.Principle, error) {
	var out []domain.Principle
	for rows.Next() {
		p, err := scanPrinciple(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan principle: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordOutcome increments the validated or invalidated tally.
func (r *Repository) RecordOutcome(id int64, validated bool) error {
	column := "invalidated_count"
	if validated {
		column = "validated_count"
	}
	result, err := r.db.Exec(`UPDATE principles SET `+column+` = `+column+` + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to record principle %d outcome: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.NotFoundf("principle %d not found", id)
	}
	return nil
}

// Deactivate turns a principle off.
func (r *Repository) Deactivate(id int64) error {
	_, err := r.db.Exec(`UPDATE principles SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate principle %d: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
