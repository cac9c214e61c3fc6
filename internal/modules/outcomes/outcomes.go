// Package outcomes measures how each thesis has actually performed: the
// return of its symbols since the thesis was created, and a calibration
// score comparing stated conviction against realized results.
package outcomes

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"moves/internal/domain"
	"moves/internal/modules/thesis"
	"moves/internal/pricing"
)

// Outcome is one thesis's performance snapshot.
type Outcome struct {
	ThesisID         int64               `json:"thesis_id"`
	Title            string              `json:"title"`
	Status           domain.ThesisStatus `json:"status"`
	Conviction       float64             `json:"conviction"`
	Date             string              `json:"date"`
	Returns          map[string]float64  `json:"returns"` // per symbol since creation
	AvgReturn        float64             `json:"avg_return"`
	BestSymbol       string              `json:"best_symbol"`
	BestReturn       float64             `json:"best_return"`
	WorstSymbol      string              `json:"worst_symbol"`
	WorstReturn      float64             `json:"worst_return"`
	CalibrationScore float64             `json:"calibration_score"`
}

// Repository persists daily outcome snapshots.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new outcomes repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "outcomes").Logger(),
	}
}

// Upsert writes one (thesis, date) snapshot row.
func (r *Repository) Upsert(o Outcome) error {
	_, err := r.db.Exec(`INSERT INTO thesis_outcomes
		(thesis_id, date, avg_return, best_symbol, best_return, worst_symbol, worst_return, calibration_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thesis_id, date) DO UPDATE SET
			avg_return = excluded.avg_return,
			best_symbol = excluded.best_symbol,
			best_return = excluded.best_return,
			worst_symbol = excluded.worst_symbol,
			worst_return = excluded.worst_return,
			calibration_score = excluded.calibration_score`,
		o.ThesisID, o.Date, o.AvgReturn, o.BestSymbol, o.BestReturn,
		o.WorstSymbol, o.WorstReturn, o.CalibrationScore)
	if err != nil {
		return fmt.Errorf("failed to upsert outcome for thesis %d: %w", o.ThesisID, err)
	}
	return nil
}

// History returns the snapshot series for one thesis, ascending by date.
func (r *Repository) History(thesisID int64) ([]Outcome, error) {
	rows, err := r.db.Query(`SELECT thesis_id, date, avg_return, best_symbol, best_return,
		worst_symbol, worst_return, calibration_score
		FROM thesis_outcomes WHERE thesis_id = ? ORDER BY date ASC`, thesisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes for thesis %d: %w", thesisID, err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.ThesisID, &o.Date, &o.AvgReturn, &o.BestSymbol,
			&o.BestReturn, &o.WorstSymbol, &o.WorstReturn, &o.CalibrationScore); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Tracker computes thesis outcomes against stored price history.
type Tracker struct {
	repo    *Repository
	theses  *thesis.Repository
	history *pricing.HistoryRepository
	prices  domain.PriceSource
	db      *sql.DB
	log     zerolog.Logger
}

// NewTracker creates a new outcome tracker.
func NewTracker(repo *Repository, theses *thesis.Repository,
	history *pricing.HistoryRepository, prices domain.PriceSource,
	db *sql.DB, log zerolog.Logger) *Tracker {
	return &Tracker{
		repo:    repo,
		theses:  theses,
		history: history,
		prices:  prices,
		db:      db,
		log:     log.With().Str("component", "outcomes").Logger(),
	}
}

// Evaluate computes the current outcome of one thesis. The baseline for
// each symbol is its close on the thesis creation date (or the nearest
// earlier close in stored history); symbols without a baseline or a live
// price are skipped.
func (t *Tracker) Evaluate(ctx context.Context, th domain.Thesis) (*Outcome, error) {
	o := &Outcome{
		ThesisID:   th.ID,
		Title:      th.Title,
		Status:     th.Status,
		Conviction: th.Conviction,
		Date:       time.Now().Format(domain.DateFormat),
		Returns:    make(map[string]float64),
	}
	if len(th.Symbols) == 0 {
		o.CalibrationScore = 50
		return o, nil
	}

	created := th.CreatedAt.Format(domain.DateFormat)
	quotes := t.prices.GetPrices(ctx, th.Symbols)

	var returns []float64
	for _, sym := range th.Symbols {
		quote, ok := quotes[sym]
		if !ok || !quote.OK() {
			continue
		}
		baseline, err := t.history.CloseOn(sym, created)
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				continue
			}
			return nil, err
		}
		if baseline <= 0 {
			continue
		}
		r := quote.Price/baseline - 1
		o.Returns[sym] = r
		returns = append(returns, r)

		if o.BestSymbol == "" || r > o.BestReturn {
			o.BestSymbol, o.BestReturn = sym, r
		}
		if o.WorstSymbol == "" || r < o.WorstReturn {
			o.WorstSymbol, o.WorstReturn = sym, r
		}
	}
	if len(returns) == 0 {
		o.CalibrationScore = 50
		return o, nil
	}

	o.AvgReturn = stat.Mean(returns, nil)
	o.CalibrationScore = calibration(th.Conviction, o.AvgReturn)
	return o, nil
}

// calibration maps (conviction, realized return) onto [0,100]. A neutral
// 50 means no evidence either way; high conviction with positive returns
// pushes toward 100, high conviction with losses toward 0.
func calibration(conviction, avgReturn float64) float64 {
	score := 50 + 50*math.Tanh(2*conviction*avgReturn*10)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// EvaluateAll computes and persists outcomes for every non-archived
// thesis. Returns the fresh snapshots.
func (t *Tracker) EvaluateAll(ctx context.Context) ([]Outcome, error) {
	theses, err := t.theses.List("")
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for _, th := range theses {
		o, err := t.Evaluate(ctx, th)
		if err != nil {
			t.log.Warn().Err(err).Int64("thesis_id", th.ID).Msg("failed to evaluate thesis outcome")
			continue
		}
		if err := t.repo.Upsert(*o); err != nil {
			return out, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// History returns the persisted snapshot series for one thesis.
func (t *Tracker) History(thesisID int64) ([]Outcome, error) {
	if _, err := t.theses.Get(t.db, thesisID); err != nil {
		return nil, err
	}
	return t.repo.History(thesisID)
}
