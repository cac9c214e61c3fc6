// Package core wires the engines together: it drives a signal from
// PENDING through risk, approval and execution, and owns the scheduled
// job implementations.
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"moves/internal/domain"
	"moves/internal/modules/approval"
	"moves/internal/modules/audit"
	"moves/internal/modules/portfolio"
	"moves/internal/modules/risk"
	"moves/internal/modules/signals"
)

// defaultSizePct sizes orders on signals that carry no explicit size.
const defaultSizePct = 0.05

// Process outcomes.
const (
	OutcomeExecuted        = "executed"
	OutcomePendingApproval = "pending_approval"
	OutcomeRiskBlocked     = "risk_blocked"
	OutcomeOrderFailed     = "order_failed"
)

// ProcessResult is what happened to a signal in one processing pass.
type ProcessResult struct {
	Outcome string              `json:"outcome"`
	Signal  *domain.Signal      `json:"signal"`
	Order   *domain.OrderResult `json:"order,omitempty"`
	Gate    string              `json:"gate,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// Orchestrator runs the signal pipeline.
type Orchestrator struct {
	db        *sql.DB
	signals   *signals.Service
	risk      *risk.Manager
	approval  *approval.Engine
	broker    domain.Broker
	prices    domain.PriceSource
	values    *portfolio.PortfolioRepository
	audit     *audit.Logger
	accountID int64
	log       zerolog.Logger
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(db *sql.DB, signalSvc *signals.Service, riskMgr *risk.Manager,
	approvalEng *approval.Engine, broker domain.Broker, prices domain.PriceSource,
	values *portfolio.PortfolioRepository, auditLog *audit.Logger,
	accountID int64, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		db:        db,
		signals:   signalSvc,
		risk:      riskMgr,
		approval:  approvalEng,
		broker:    broker,
		prices:    prices,
		values:    values,
		audit:     auditLog,
		accountID: accountID,
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
}

// Startup verifies the engine's dependencies before serving. A dead
// store is fatal; everything else comes back as a warning so the server
// still starts with, say, an unreachable broker.
func (o *Orchestrator) Startup(ctx context.Context) ([]string, error) {
	if err := o.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	var warnings []string
	limits, err := o.risk.Repo().Limits()
	if err != nil {
		return nil, err
	}
	if len(limits) == 0 {
		warnings = append(warnings, "no risk limits configured")
	}
	ks, err := o.risk.Repo().KillSwitch()
	if err != nil {
		return nil, err
	}
	if ks.Active {
		warnings = append(warnings, fmt.Sprintf("kill switch active: %s", ks.Reason))
	}
	if _, err := o.broker.GetAccountBalance(ctx); err != nil {
		warnings = append(warnings, fmt.Sprintf("broker unreachable: %v", err))
	}
	return warnings, nil
}

// ProcessSignal drives one PENDING signal through risk and approval, and
// executes it when approval is automatic.
func (o *Orchestrator) ProcessSignal(ctx context.Context, signalID int64) (*ProcessResult, error) {
	sig, err := o.signals.Get(signalID)
	if err != nil {
		return nil, err
	}
	if sig.Status != domain.SignalPending {
		return nil, domain.StateConflictf("signal %d is %s, not pending", signalID, sig.Status)
	}

	shares, price, err := o.size(ctx, sig)
	if err != nil {
		return nil, err
	}
	notional := shares * price

	if err := o.risk.CheckSignal(ctx, *sig, notional); err != nil {
		if !domain.IsKind(err, domain.KindRiskBlocked) {
			return nil, err
		}
		var gate string
		var de *domain.Error
		if errors.As(err, &de) {
			gate = de.Gate
		}
		if _, trErr := o.signals.Transition(ctx, signalID, domain.SignalCancelled, domain.ActorEngine); trErr != nil {
			return nil, trErr
		}
		if auditErr := o.audit.Record(domain.ActorEngine, "signal_risk_blocked",
			err.Error(), "signal", signalID); auditErr != nil {
			o.log.Warn().Err(auditErr).Int64("signal_id", signalID).Msg("failed to audit risk block")
		}
		o.log.Warn().Int64("signal_id", signalID).Str("gate", gate).Msg("signal blocked by risk gate")
		sig, _ = o.signals.Get(signalID)
		return &ProcessResult{
			Outcome: OutcomeRiskBlocked,
			Signal:  sig,
			Gate:    gate,
			Reason:  err.Error(),
		}, nil
	}

	decision, err := o.approval.Evaluate(*sig, notional)
	if err != nil {
		return nil, err
	}
	if !decision.AutoApproved {
		return &ProcessResult{
			Outcome: OutcomePendingApproval,
			Signal:  sig,
			Reason:  decision.Reason,
		}, nil
	}

	if _, err := o.signals.Transition(ctx, signalID, domain.SignalApproved, domain.ActorEngine); err != nil {
		return nil, err
	}
	if err := o.audit.Record(domain.ActorEngine, "signal_auto_approved",
		decision.Reason, "signal", signalID); err != nil {
		o.log.Warn().Err(err).Int64("signal_id", signalID).Msg("failed to audit auto-approval")
	}
	return o.execute(ctx, signalID, shares)
}

// ExecuteApproved executes a signal the user has already approved.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, signalID int64) (*ProcessResult, error) {
	sig, err := o.signals.Get(signalID)
	if err != nil {
		return nil, err
	}
	if sig.Status != domain.SignalApproved {
		return nil, domain.StateConflictf("signal %d is %s, not approved", signalID, sig.Status)
	}
	shares, _, err := o.size(ctx, sig)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, signalID, shares)
}

// size converts a signal's size fraction into whole shares at the current
// price. Orders are at least one share.
func (o *Orchestrator) size(ctx context.Context, sig *domain.Signal) (shares, price float64, err error) {
	quote := o.prices.GetPrice(ctx, sig.Symbol)
	if !quote.OK() {
		return 0, 0, domain.Upstreamf("no price available for %s: %s", sig.Symbol, quote.Err)
	}
	nav, err := o.values.NAV(o.values.DB())
	if err != nil {
		return 0, 0, err
	}

	sizePct := defaultSizePct
	if sig.SizePct != nil {
		sizePct = *sig.SizePct
	}
	shares = math.Floor(sizePct * nav / quote.Price)
	if shares < 1 {
		shares = 1
	}
	return shares, quote.Price, nil
}

// execute places a market order for an APPROVED signal. A filled order
// moves the signal to EXECUTED; a rejected order leaves it APPROVED for
// retry or manual cancellation.
func (o *Orchestrator) execute(ctx context.Context, signalID int64, shares float64) (*ProcessResult, error) {
	sig, err := o.signals.Get(signalID)
	if err != nil {
		return nil, err
	}

	result, err := o.broker.PlaceOrder(ctx, domain.OrderRequest{
		SignalID:  &signalID,
		AccountID: o.accountID,
		Symbol:    sig.Symbol,
		Action:    sig.Action,
		OrderType: domain.OrderMarket,
		Shares:    shares,
	})
	if err != nil {
		o.log.Error().Err(err).Int64("signal_id", signalID).Msg("order placement failed")
		return &ProcessResult{
			Outcome: OutcomeOrderFailed,
			Signal:  sig,
			Reason:  err.Error(),
		}, nil
	}
	if result.Status != domain.OrderFilled {
		o.log.Warn().Int64("signal_id", signalID).Str("status", string(result.Status)).
			Str("message", result.Message).Msg("order not filled")
		return &ProcessResult{
			Outcome: OutcomeOrderFailed,
			Signal:  sig,
			Order:   result,
			Reason:  result.Message,
		}, nil
	}

	if _, err := o.signals.Transition(ctx, signalID, domain.SignalExecuted, domain.ActorEngine); err != nil {
		return nil, err
	}
	if err := o.audit.Record(domain.ActorBroker, "order_filled",
		fmt.Sprintf("%s %.0f %s @ %.2f", sig.Action, result.FilledShares, sig.Symbol, result.FilledPrice),
		"signal", signalID); err != nil {
		o.log.Warn().Err(err).Int64("signal_id", signalID).Msg("failed to audit fill")
	}

	// Closed trades feed the source accuracy record.
	if result.RealizedPnL != nil {
		if err := o.signals.RecordSourceOutcome(sig.Source, *result.RealizedPnL); err != nil {
			o.log.Warn().Err(err).Int64("signal_id", signalID).Msg("failed to record source outcome")
		}
	}

	sig, _ = o.signals.Get(signalID)
	return &ProcessResult{
		Outcome: OutcomeExecuted,
		Signal:  sig,
		Order:   result,
	}, nil
}
