// Package reconcile compares local positions against broker-reported
// positions and heals small discrepancies automatically.
package reconcile

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"moves/internal/domain"
	"moves/internal/modules/audit"
	"moves/internal/modules/portfolio"
)

// shareTolerance is the share difference below which positions count as
// matched.
const shareTolerance = 0.01

// autoSyncTolerance is the largest share difference auto-sync will heal.
// Anything bigger needs a human.
const autoSyncTolerance = 1.0

// Discrepancy is one position whose local and broker share counts differ.
type Discrepancy struct {
	PositionID   int64   `json:"position_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	LocalShares  float64 `json:"local_shares"`
	BrokerShares float64 `json:"broker_shares"`
	Difference   float64 `json:"difference"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Matched       []string      `json:"matched"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	LocalOnly     []string      `json:"local_only"`
	BrokerOnly    []string      `json:"broker_only"`
}

// Clean reports whether the pass found nothing to flag.
func (r Report) Clean() bool {
	return len(r.Discrepancies) == 0 && len(r.LocalOnly) == 0 && len(r.BrokerOnly) == 0
}

// Reconciler compares the local book against the broker.
type Reconciler struct {
	positions *portfolio.PositionRepository
	broker    domain.Broker
	audit     *audit.Logger
	log       zerolog.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(positions *portfolio.PositionRepository, broker domain.Broker,
	auditLog *audit.Logger, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		positions: positions,
		broker:    broker,
		audit:     auditLog,
		log:       log.With().Str("component", "reconcile").Logger(),
	}
}

func key(symbol, side string) string { return symbol + "/" + side }

// Reconcile compares every open local position against the broker's book.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	local, err := r.positions.GetOpen()
	if err != nil {
		return nil, err
	}
	remote, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	localByKey := make(map[string]domain.Position, len(local))
	for _, p := range local {
		localByKey[key(p.Symbol, p.Side)] = p
	}
	remoteByKey := make(map[string]domain.Position, len(remote))
	for _, p := range remote {
		remoteByKey[key(p.Symbol, p.Side)] = p
	}

	report := &Report{}
	for k, lp := range localByKey {
		rp, ok := remoteByKey[k]
		if !ok {
			report.LocalOnly = append(report.LocalOnly, k)
			continue
		}
		diff := rp.Shares - lp.Shares
		if math.Abs(diff) > shareTolerance {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				PositionID:   lp.ID,
				Symbol:       lp.Symbol,
				Side:         lp.Side,
				LocalShares:  lp.Shares,
				BrokerShares: rp.Shares,
				Difference:   diff,
			})
		} else {
			report.Matched = append(report.Matched, k)
		}
	}
	for k := range remoteByKey {
		if _, ok := localByKey[k]; !ok {
			report.BrokerOnly = append(report.BrokerOnly, k)
		}
	}
	return report, nil
}

// AutoSync heals discrepancies below the auto-sync tolerance by adopting
// the broker's share count. Larger differences are left for the user.
// Returns how many positions were synced.
func (r *Reconciler) AutoSync(ctx context.Context, report *Report) (int, error) {
	synced := 0
	for _, d := range report.Discrepancies {
		if math.Abs(d.Difference) >= autoSyncTolerance {
			r.log.Warn().Str("symbol", d.Symbol).Float64("difference", d.Difference).
				Msg("discrepancy too large for auto-sync")
			continue
		}
		if err := r.positions.SetShares(d.PositionID, d.BrokerShares); err != nil {
			return synced, err
		}
		if err := r.audit.Record(domain.ActorEngine, "position_auto_synced",
			fmt.Sprintf("%s %s: %.4f -> %.4f", d.Symbol, d.Side, d.LocalShares, d.BrokerShares),
			"position", d.PositionID); err != nil {
			r.log.Warn().Err(err).Str("symbol", d.Symbol).Msg("failed to audit auto-sync")
		}
		synced++
	}
	return synced, nil
}

// DailyCheck runs a full pass, auto-syncs what it safely can, and writes
// one audit entry summarizing the result.
func (r *Reconciler) DailyCheck(ctx context.Context) (*Report, error) {
	report, err := r.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	synced, err := r.AutoSync(ctx, report)
	if err != nil {
		return report, err
	}

	detail := fmt.Sprintf("matched=%d discrepancies=%d local_only=%d broker_only=%d auto_synced=%d",
		len(report.Matched), len(report.Discrepancies),
		len(report.LocalOnly), len(report.BrokerOnly), synced)
	if err := r.audit.Record(domain.ActorScheduler, "daily_reconcile", detail, "portfolio", 0); err != nil {
		r.log.Warn().Err(err).Msg("failed to audit daily reconcile")
	}

	if report.Clean() {
		r.log.Info().Msg("daily reconcile clean")
	} else {
		r.log.Warn().Str("summary", detail).Msg("daily reconcile found differences")
	}
	return report, nil
}
