package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// LotRepository handles tax lot database operations. Lots are consumed in
// FIFO order: oldest acquired_date first, ties broken by id ascending.
type LotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLotRepository creates a new lot repository.
func NewLotRepository(db *sql.DB, log zerolog.Logger) *LotRepository {
	return &LotRepository{
		db:  db,
		log: log.With().Str("repo", "lot").Logger(),
	}
}

const lotColumns = `id, position_id, account_id, symbol, shares, cost_basis, acquired_date, source, holding_period, closed_date`

func scanLot(row interface{ Scan(...interface{}) error }) (domain.Lot, error) {
	var l domain.Lot
	var closedDate sql.NullString
	err := row.Scan(&l.ID, &l.PositionID, &l.AccountID, &l.Symbol, &l.Shares,
		&l.CostBasis, &l.AcquiredDate, &l.Source, &l.HoldingPeriod, &closedDate)
	if err != nil {
		return l, err
	}
	if closedDate.Valid {
		l.ClosedDate = &closedDate.String
	}
	return l, nil
}

// Create inserts a new lot, typically from a broker fill.
func (r *LotRepository) Create(q Queryer, lot domain.Lot) (int64, error) {
	result, err := q.Exec(`INSERT INTO lots
		(position_id, account_id, symbol, shares, cost_basis, acquired_date, source, holding_period)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.PositionID, lot.AccountID, lot.Symbol, lot.Shares, lot.CostBasis,
		lot.AcquiredDate, lot.Source, lot.HoldingPeriod)
	if err != nil {
		return 0, fmt.Errorf("failed to create lot for %s: %w", lot.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read lot id: %w", err)
	}
	return id, nil
}

// GetOpen returns the open lots for a position in FIFO order.
func (r *LotRepository) GetOpen(q Queryer, positionID int64) ([]domain.Lot, error) {
	rows, err := q.Query(`SELECT `+lotColumns+` FROM lots
		WHERE position_id = ? AND shares > 0
		ORDER BY acquired_date ASC, id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots: %w", err)
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// GetBySymbol returns all lots for an account and symbol, open and closed,
// in FIFO order. Closed lots are retained for tax history.
func (r *LotRepository) GetBySymbol(accountID int64, symbol string) ([]domain.Lot, error) {
	rows, err := r.db.Query(`SELECT `+lotColumns+` FROM lots
		WHERE account_id = ? AND symbol = ?
		ORDER BY acquired_date ASC, id ASC`, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots for %s: %w", symbol, err)
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// OpenShares sums open lot shares for a position. The invariant is that
// this equals the position's shares at all times.
func (r *LotRepository) OpenShares(q Queryer, positionID int64) (float64, error) {
	var total sql.NullFloat64
	err := q.QueryRow(`SELECT SUM(shares) FROM lots WHERE position_id = ? AND shares > 0`,
		positionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum open lot shares: %w", err)
	}
	return total.Float64, nil
}

// ConsumeFIFO drains the requested share count from the position's open
// lots in FIFO order and returns the per-lot consumption with realized P/L
// against sellPrice. The last consumed lot may be partially drained; a lot
// reaching zero shares gets its closed_date set. Fails without mutating
// anything if the open lots cannot cover the request (the enclosing
// transaction also guards against partial application).
func (r *LotRepository) ConsumeFIFO(q Queryer, positionID int64, shares, sellPrice float64) ([]LotConsumption, error) {
	if shares <= 0 {
		return nil, domain.Validationf("consume shares must be positive, got %v", shares)
	}

	lots, err := r.GetOpen(q, positionID)
	if err != nil {
		return nil, err
	}

	var available float64
	for _, lot := range lots {
		available += lot.Shares
	}
	if available+1e-9 < shares {
		return nil, domain.StateConflictf("insufficient shares: have %v, need %v", available, shares)
	}

	today := time.Now().Format(domain.DateFormat)
	remaining := shares
	var consumptions []LotConsumption

	for _, lot := range lots {
		if remaining <= 1e-9 {
			break
		}

		take := lot.Shares
		if take > remaining {
			take = remaining
		}
		costPerShare := lot.CostPerShare()

		newShares := lot.Shares - take
		newBasis := lot.CostBasis - take*costPerShare
		if newShares <= 1e-9 {
			newShares = 0
			newBasis = 0
		}

		if newShares == 0 {
			_, err = q.Exec(`UPDATE lots SET shares = 0, cost_basis = 0, closed_date = ? WHERE id = ?`,
				today, lot.ID)
		} else {
			_, err = q.Exec(`UPDATE lots SET shares = ?, cost_basis = ? WHERE id = ?`,
				newShares, newBasis, lot.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to consume lot %d: %w", lot.ID, err)
		}

		consumptions = append(consumptions, LotConsumption{
			LotID:        lot.ID,
			Shares:       take,
			CostPerShare: costPerShare,
			RealizedPnL:  take * (sellPrice - costPerShare),
		})
		remaining -= take
	}

	return consumptions, nil
}
