package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// PositionRepository handles position database operations.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository.
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "position").Logger(),
	}
}

// DB returns the underlying handle for callers that do not hold a
// transaction.
func (r *PositionRepository) DB() *sql.DB { return r.db }

const positionColumns = `id, user_id, account_id, symbol, shares, avg_cost, side, strategy, thesis_id, sector, updated_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (domain.Position, error) {
	var p domain.Position
	var thesisID sql.NullInt64
	var updatedAt string
	err := row.Scan(&p.ID, &p.UserID, &p.AccountID, &p.Symbol, &p.Shares,
		&p.AvgCost, &p.Side, &p.Strategy, &thesisID, &p.Sector, &updatedAt)
	if err != nil {
		return p, err
	}
	if thesisID.Valid {
		p.ThesisID = &thesisID.Int64
	}
	p.UpdatedAt, _ = time.Parse(domain.TimeFormat, updatedAt)
	return p, nil
}

// GetAll returns all positions, open and closed.
func (r *PositionRepository) GetAll() ([]domain.Position, error) {
	return r.query(r.db, `SELECT `+positionColumns+` FROM positions ORDER BY symbol`)
}

// GetOpen returns positions with shares > 0.
func (r *PositionRepository) GetOpen() ([]domain.Position, error) {
	return r.query(r.db, `SELECT `+positionColumns+` FROM positions WHERE shares > 0 ORDER BY symbol`)
}

func (r *PositionRepository) query(q Queryer, query string, args ...interface{}) ([]domain.Position, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// Get returns one position on the given account, symbol and side. Missing
// positions return (nil, nil) so callers can distinguish absent from error.
func (r *PositionRepository) Get(q Queryer, accountID int64, symbol, side string) (*domain.Position, error) {
	row := q.QueryRow(`SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND symbol = ? AND side = ?`, accountID, symbol, side)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s/%s: %w", symbol, side, err)
	}
	return &pos, nil
}

// Upsert creates the position or applies new shares and weighted average
// cost to an existing one. At most one open long and one open short may
// exist per (account, symbol); the UNIQUE constraint enforces it.
func (r *PositionRepository) Upsert(q Queryer, p domain.Position) (int64, error) {
	now := time.Now().Format(domain.TimeFormat)
	var thesisID interface{}
	if p.ThesisID != nil {
		thesisID = *p.ThesisID
	}

	result, err := q.Exec(`INSERT INTO positions
		(user_id, account_id, symbol, shares, avg_cost, side, strategy, thesis_id, sector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol, side) DO UPDATE SET
			shares = excluded.shares,
			avg_cost = excluded.avg_cost,
			strategy = excluded.strategy,
			thesis_id = COALESCE(excluded.thesis_id, positions.thesis_id),
			sector = CASE WHEN excluded.sector != '' THEN excluded.sector ELSE positions.sector END,
			updated_at = excluded.updated_at`,
		p.UserID, p.AccountID, p.Symbol, p.Shares, p.AvgCost, p.Side,
		p.Strategy, thesisID, p.Sector, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert position %s: %w", p.Symbol, err)
	}

	// LastInsertId is meaningless after the conflict branch; re-read the id.
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		if existing, getErr := r.Get(q, p.AccountID, p.Symbol, p.Side); getErr == nil && existing != nil {
			return existing.ID, nil
		}
		return id, nil
	}

	existing, err := r.Get(q, p.AccountID, p.Symbol, p.Side)
	if err != nil || existing == nil {
		return 0, fmt.Errorf("failed to resolve position id for %s: %w", p.Symbol, err)
	}
	return existing.ID, nil
}

// SetShares updates only the share count, used by reconciliation auto-sync.
func (r *PositionRepository) SetShares(positionID int64, shares float64) error {
	_, err := r.db.Exec(`UPDATE positions SET shares = ?, updated_at = ? WHERE id = ?`,
		shares, time.Now().Format(domain.TimeFormat), positionID)
	if err != nil {
		return fmt.Errorf("failed to set position shares: %w", err)
	}
	return nil
}

// AdjustShares applies a delta to a position's shares within a transaction.
// The position row is retained when shares reach zero.
func (r *PositionRepository) AdjustShares(q Queryer, positionID int64, delta float64) error {
	result, err := q.Exec(`UPDATE positions
		SET shares = shares + ?, updated_at = ?
		WHERE id = ? AND shares + ? >= -1e-9`,
		delta, time.Now().Format(domain.TimeFormat), positionID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust position shares: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.StateConflictf("position %d cannot go below zero shares", positionID)
	}
	// Clamp float residue so a fully closed position reads exactly zero.
	if _, err := q.Exec(`UPDATE positions SET shares = 0 WHERE id = ? AND shares < 1e-9`, positionID); err != nil {
		return fmt.Errorf("failed to clamp position shares: %w", err)
	}
	return nil
}
