// Package whatif tracks the counterfactual P/L of signals the user passed
// on, so rejected and ignored opportunities stay measurable.
package whatif

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// Repository persists what-if rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new what-if repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "whatif").Logger(),
	}
}

// Create inserts one what-if row.
func (r *Repository) Create(w domain.WhatIf) (int64, error) {
	result, err := r.db.Exec(`INSERT INTO whatifs
		(signal_id, decision, price_at_pass, current_price, hypothetical_pnl, hypothetical_pnl_pct)
		VALUES (?, ?, ?, ?, 0, 0)`,
		w.SignalID, w.Decision, w.PriceAtPass, w.PriceAtPass)
	if err != nil {
		return 0, fmt.Errorf("failed to create what-if for signal %d: %w", w.SignalID, err)
	}
	return result.LastInsertId()
}

// All returns every what-if row joined with its signal's action and symbol.
func (r *Repository) All() ([]Entry, error) {
	rows, err := r.db.Query(`SELECT w.id, w.signal_id, w.decision, w.price_at_pass,
		w.current_price, w.hypothetical_pnl, w.hypothetical_pnl_pct, w.updated_at,
		s.action, s.symbol, s.size_pct
		FROM whatifs w JOIN signals s ON s.id = w.signal_id
		ORDER BY w.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query what-ifs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updatedAt, action string
		var sizePct sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.SignalID, &e.Decision, &e.PriceAtPass,
			&e.CurrentPrice, &e.HypotheticalPnL, &e.HypotheticalPnLPct, &updatedAt,
			&action, &e.Symbol, &sizePct); err != nil {
			return nil, fmt.Errorf("failed to scan what-if: %w", err)
		}
		e.Action = domain.SignalAction(action)
		if sizePct.Valid {
			e.SizePct = &sizePct.Float64
		}
		e.UpdatedAt, _ = time.Parse(domain.TimeFormat, updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdatePnL rewrites the mark-to-market columns of one row.
func (r *Repository) UpdatePnL(id int64, currentPrice, pnl, pnlPct float64) error {
	_, err := r.db.Exec(`UPDATE whatifs
		SET current_price = ?, hypothetical_pnl = ?, hypothetical_pnl_pct = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%S','now')
		WHERE id = ?`,
		currentPrice, pnl, pnlPct, id)
	if err != nil {
		return fmt.Errorf("failed to update what-if %d: %w", id, err)
	}
	return nil
}

// Entry is one what-if row with its signal context.
type Entry struct {
	ID                 int64               `json:"id"`
	SignalID           int64               `json:"signal_id"`
	Symbol             string              `json:"symbol"`
	Action             domain.SignalAction `json:"action"`
	SizePct            *float64            `json:"size_pct,omitempty"`
	Decision           string              `json:"decision"`
	PriceAtPass        float64             `json:"price_at_pass"`
	CurrentPrice       float64             `json:"current_price"`
	HypotheticalPnL    float64             `json:"hypothetical_pnl"`
	HypotheticalPnLPct float64             `json:"hypothetical_pnl_pct"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Summary aggregates the counterfactual record.
type Summary struct {
	Count       int     `json:"count"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgPnLPct   float64 `json:"avg_pnl_pct"`
	MissedWins  int     `json:"missed_wins"`  // passes that would have profited
	DodgedLoss  int     `json:"dodged_losses"` // passes that would have lost
	BestSymbol  string  `json:"best_symbol"`
	BestPnL     float64 `json:"best_pnl"`
	WorstSymbol string  `json:"worst_symbol"`
	WorstPnL    float64 `json:"worst_pnl"`
}

// Tracker records passes and marks them to market.
type Tracker struct {
	repo   *Repository
	prices domain.PriceSource
	log    zerolog.Logger
}

// NewTracker creates a new what-if tracker.
func NewTracker(repo *Repository, prices domain.PriceSource, log zerolog.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		prices: prices,
		log:    log.With().Str("component", "whatif").Logger(),
	}
}

// RecordPass stores the entry price of a rejected or ignored signal.
// A signal whose price is unavailable is skipped, not failed: a missing
// counterfactual is tolerable, a blocked rejection is not.
func (t *Tracker) RecordPass(ctx context.Context, sig domain.Signal, decision string) error {
	quote := t.prices.GetPrice(ctx, sig.Symbol)
	if !quote.OK() {
		t.log.Warn().Str("symbol", sig.Symbol).Int64("signal_id", sig.ID).
			Msg("no price at pass, skipping what-if entry")
		return nil
	}
	_, err := t.repo.Create(domain.WhatIf{
		SignalID:    sig.ID,
		Decision:    decision,
		PriceAtPass: quote.Price,
	})
	return err
}

// UpdateAll marks every what-if entry to the current market.
//
// Direction follows the passed signal: passing on a BUY or COVER means the
// hypothetical gains when price rises; passing on a SELL or SHORT gains
// when price falls.
func (t *Tracker) UpdateAll(ctx context.Context) (int, error) {
	entries, err := t.repo.All()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	symbols := make([]string, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.Symbol] {
			seen[e.Symbol] = true
			symbols = append(symbols, e.Symbol)
		}
	}
	quotes := t.prices.GetPrices(ctx, symbols)

	updated := 0
	for _, e := range entries {
		quote, ok := quotes[e.Symbol]
		if !ok || !quote.OK() {
			continue
		}
		pnl := quote.Price - e.PriceAtPass
		if e.Action == domain.ActionSell || e.Action == domain.ActionShort {
			pnl = e.PriceAtPass - quote.Price
		}
		pnlPct := 0.0
		if e.PriceAtPass > 0 {
			pnlPct = pnl / e.PriceAtPass
		}
		if err := t.repo.UpdatePnL(e.ID, quote.Price, pnl, pnlPct); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// Entries returns every counterfactual entry.
func (t *Tracker) Entries() ([]Entry, error) {
	return t.repo.All()
}

// GetSummary aggregates the counterfactual record across all entries.
func (t *Tracker) GetSummary() (*Summary, error) {
	entries, err := t.repo.All()
	if err != nil {
		return nil, err
	}
	s := &Summary{Count: len(entries)}
	if len(entries) == 0 {
		return s, nil
	}

	var pctSum float64
	for i, e := range entries {
		s.TotalPnL += e.HypotheticalPnL
		pctSum += e.HypotheticalPnLPct
		if e.HypotheticalPnL > 0 {
			s.MissedWins++
		} else if e.HypotheticalPnL < 0 {
			s.DodgedLoss++
		}
		if i == 0 || e.HypotheticalPnL > s.BestPnL {
			s.BestPnL = e.HypotheticalPnL
			s.BestSymbol = e.Symbol
		}
		if i == 0 || e.HypotheticalPnL < s.WorstPnL {
			s.WorstPnL = e.HypotheticalPnL
			s.WorstSymbol = e.Symbol
		}
	}
	s.AvgPnLPct = pctSum / float64(len(entries))
	return s, nil
}
