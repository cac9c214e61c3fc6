// Package approval decides whether a risk-cleared signal executes
// immediately or waits for the user.
package approval

import (
	"database/sql"

	"github.com/rs/zerolog"

	"moves/internal/config"
	"moves/internal/domain"
	"moves/internal/modules/thesis"
)

// Decision is the outcome of an approval evaluation.
type Decision struct {
	AutoApproved bool   `json:"auto_approved"`
	Reason       string `json:"reason"`
}

// Engine applies the auto-approval rules. Thresholds come from
// configuration so the user can tighten or loosen them per deployment.
type Engine struct {
	db     *sql.DB
	theses *thesis.Repository
	cfg    config.ApprovalConfig
	log    zerolog.Logger
}

// NewEngine creates a new approval engine.
func NewEngine(db *sql.DB, theses *thesis.Repository, cfg config.ApprovalConfig, log zerolog.Logger) *Engine {
	return &Engine{
		db:     db,
		theses: theses,
		cfg:    cfg,
		log:    log.With().Str("component", "approval").Logger(),
	}
}

// Evaluate decides whether the signal may skip manual approval.
// Three paths auto-approve: small orders, high-confidence signals backed
// by a CONFIRMED thesis, and rebalance signals.
func (e *Engine) Evaluate(sig domain.Signal, notional float64) (Decision, error) {
	if notional < e.cfg.AutoApproveNotional {
		return Decision{AutoApproved: true,
			Reason: "order value below auto-approval threshold"}, nil
	}
	if sig.Source == domain.SourceRebalance {
		return Decision{AutoApproved: true, Reason: "rebalance signal"}, nil
	}
	if sig.Confidence >= e.cfg.AutoApproveConfidence && sig.ThesisID != nil {
		t, err := e.theses.Get(e.db, *sig.ThesisID)
		if err != nil {
			return Decision{}, err
		}
		if t.Status == domain.ThesisConfirmed {
			return Decision{AutoApproved: true,
				Reason: "high confidence backed by confirmed thesis"}, nil
		}
	}
	return Decision{AutoApproved: false, Reason: "manual approval required"}, nil
}
