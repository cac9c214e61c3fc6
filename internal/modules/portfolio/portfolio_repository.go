package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"moves/internal/domain"
)

// PortfolioRepository handles NAV rows (portfolio_values) and exposure
// snapshots. Cash is carried on the latest portfolio_values row; the broker
// adjusts it inside its fill transaction.
type PortfolioRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPortfolioRepository creates a new portfolio repository.
func NewPortfolioRepository(db *sql.DB, log zerolog.Logger) *PortfolioRepository {
	return &PortfolioRepository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// DB returns the underlying handle for callers that do not hold a
// transaction.
func (r *PortfolioRepository) DB() *sql.DB { return r.db }

// Latest returns the most recent portfolio value row, or nil when none.
func (r *PortfolioRepository) Latest(q Queryer) (*domain.PortfolioValue, error) {
	row := q.QueryRow(`SELECT date, total_value, long_value, short_value, cash, cost_basis, daily_return
		FROM portfolio_values ORDER BY date DESC LIMIT 1`)
	var pv domain.PortfolioValue
	err := row.Scan(&pv.Date, &pv.TotalValue, &pv.LongValue, &pv.ShortValue,
		&pv.Cash, &pv.CostBasis, &pv.DailyReturn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest portfolio value: %w", err)
	}
	return &pv, nil
}

// NAV returns the most recent total value, 0 when no rows exist.
func (r *PortfolioRepository) NAV(q Queryer) (float64, error) {
	latest, err := r.Latest(q)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, nil
	}
	return latest.TotalValue, nil
}

// Cash returns the cash balance from the latest row.
func (r *PortfolioRepository) Cash(q Queryer) (float64, error) {
	latest, err := r.Latest(q)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, nil
	}
	return latest.Cash, nil
}

// AdjustCash applies a delta to the latest row's cash inside the caller's
// transaction. Cash never goes negative; an overdraw is a state conflict.
// When today's row does not exist yet it is cloned from the latest row so
// the mutation lands on today.
func (r *PortfolioRepository) AdjustCash(q Queryer, delta float64) error {
	latest, err := r.Latest(q)
	if err != nil {
		return err
	}
	if latest == nil {
		return domain.StateConflictf("no portfolio value row to adjust cash on")
	}
	if latest.Cash+delta < -1e-9 {
		return domain.StateConflictf("cash cannot go negative: have %.2f, delta %.2f", latest.Cash, delta)
	}

	today := time.Now().Format(domain.DateFormat)
	if latest.Date != today {
		if _, err := q.Exec(`INSERT INTO portfolio_values
			(date, total_value, long_value, short_value, cash, cost_basis, daily_return)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(date) DO NOTHING`,
			today, latest.TotalValue, latest.LongValue, latest.ShortValue,
			latest.Cash, latest.CostBasis); err != nil {
			return fmt.Errorf("failed to roll portfolio value forward: %w", err)
		}
		latest.Date = today
	}

	result, err := q.Exec(`UPDATE portfolio_values
		SET cash = cash + ? WHERE date = ? AND cash + ? >= -1e-9`,
		delta, latest.Date, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust cash: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.StateConflictf("cash cannot go negative")
	}
	return nil
}

// UpsertValue writes or replaces a daily NAV row.
func (r *PortfolioRepository) UpsertValue(pv domain.PortfolioValue) error {
	_, err := r.db.Exec(`INSERT INTO portfolio_values
		(date, total_value, long_value, short_value, cash, cost_basis, daily_return)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_value = excluded.total_value,
			long_value = excluded.long_value,
			short_value = excluded.short_value,
			cash = excluded.cash,
			cost_basis = excluded.cost_basis,
			daily_return = excluded.daily_return`,
		pv.Date, pv.TotalValue, pv.LongValue, pv.ShortValue, pv.Cash,
		pv.CostBasis, pv.DailyReturn)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio value for %s: %w", pv.Date, err)
	}
	return nil
}

// ValuesSince returns daily rows from the given date, ascending.
func (r *PortfolioRepository) ValuesSince(date string) ([]domain.PortfolioValue, error) {
	rows, err := r.db.Query(`SELECT date, total_value, long_value, short_value, cash, cost_basis, daily_return
		FROM portfolio_values WHERE date >= ? ORDER BY date ASC`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio values: %w", err)
	}
	defer rows.Close()

	var values []domain.PortfolioValue
	for rows.Next() {
		var pv domain.PortfolioValue
		if err := rows.Scan(&pv.Date, &pv.TotalValue, &pv.LongValue, &pv.ShortValue,
			&pv.Cash, &pv.CostBasis, &pv.DailyReturn); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio value: %w", err)
		}
		values = append(values, pv)
	}
	return values, rows.Err()
}

// SaveExposureSnapshot inserts one exposure snapshot row. The by-sector and
// by-symbol breakdowns are stored as msgpack blobs.
func (r *PortfolioRepository) SaveExposureSnapshot(snap domain.ExposureSnapshot) error {
	bySector, err := msgpack.Marshal(snap.BySector)
	if err != nil {
		return fmt.Errorf("failed to encode sector breakdown: %w", err)
	}
	bySymbol, err := msgpack.Marshal(snap.BySymbol)
	if err != nil {
		return fmt.Errorf("failed to encode symbol breakdown: %w", err)
	}

	_, err = r.db.Exec(`INSERT INTO exposure_snapshots
		(date, gross, net, long_value, short_value, by_sector, by_symbol)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Date, snap.Gross, snap.Net, snap.LongValue, snap.ShortValue,
		bySector, bySymbol)
	if err != nil {
		return fmt.Errorf("failed to save exposure snapshot: %w", err)
	}
	return nil
}

// RecentExposureSnapshots returns the newest snapshots first.
func (r *PortfolioRepository) RecentExposureSnapshots(limit int) ([]domain.ExposureSnapshot, error) {
	rows, err := r.db.Query(`SELECT id, date, gross, net, long_value, short_value, by_sector, by_symbol
		FROM exposure_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposure snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []domain.ExposureSnapshot
	for rows.Next() {
		var snap domain.ExposureSnapshot
		var bySector, bySymbol []byte
		if err := rows.Scan(&snap.ID, &snap.Date, &snap.Gross, &snap.Net,
			&snap.LongValue, &snap.ShortValue, &bySector, &bySymbol); err != nil {
			return nil, fmt.Errorf("failed to scan exposure snapshot: %w", err)
		}
		if len(bySector) > 0 {
			if err := msgpack.Unmarshal(bySector, &snap.BySector); err != nil {
				return nil, fmt.Errorf("failed to decode sector breakdown: %w", err)
			}
		}
		if len(bySymbol) > 0 {
			if err := msgpack.Unmarshal(bySymbol, &snap.BySymbol); err != nil {
				return nil, fmt.Errorf("failed to decode symbol breakdown: %w", err)
			}
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}
