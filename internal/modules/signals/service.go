package signals

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
	"moves/internal/modules/audit"
	"moves/internal/modules/principles"
	"moves/internal/modules/thesis"
)

// pendingTTL is how long a signal may sit PENDING before the expiry job
// marks it IGNORED.
const pendingTTL = 24 * time.Hour

// PassRecorder records a counterfactual entry when a signal is passed on.
// The what-if tracker implements it.
type PassRecorder interface {
	RecordPass(ctx context.Context, sig domain.Signal, decision string) error
}

// Service creates, scores and transitions signals.
type Service struct {
	db         *sql.DB
	repo       *Repository
	scorer     *Scorer
	theses     *thesis.Repository
	principles *principles.Service
	prices     domain.PriceSource
	audit      *audit.Logger
	passes     PassRecorder
	log        zerolog.Logger
}

// NewService creates a new signal service. The pass recorder is optional
// and attached later to break the construction cycle with the what-if
// tracker.
func NewService(db *sql.DB, repo *Repository, scorer *Scorer, theses *thesis.Repository,
	principlesSvc *principles.Service, prices domain.PriceSource,
	auditLog *audit.Logger, log zerolog.Logger) *Service {
	return &Service{
		db:         db,
		repo:       repo,
		scorer:     scorer,
		theses:     theses,
		principles: principlesSvc,
		prices:     prices,
		audit:      auditLog,
		log:        log.With().Str("service", "signals").Logger(),
	}
}

// SetPassRecorder attaches the what-if tracker.
func (s *Service) SetPassRecorder(p PassRecorder) { s.passes = p }

// Repo exposes the repository for read-model consumers.
func (s *Service) Repo() *Repository { return s.repo }

// Create validates, scores and stores a new PENDING signal.
func (s *Service) Create(ctx context.Context, sig domain.Signal) (*domain.Signal, error) {
	if !sig.Action.Valid() {
		return nil, domain.Validationf("unknown action %q", sig.Action)
	}
	if !sig.Source.Valid() {
		return nil, domain.Validationf("unknown source %q", sig.Source)
	}
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if sig.Symbol == "" {
		return nil, domain.Validationf("symbol is required")
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return nil, domain.Validationf("confidence must be in [0,1], got %v", sig.Confidence)
	}
	if sig.SizePct != nil && (*sig.SizePct <= 0 || *sig.SizePct > 1) {
		return nil, domain.Validationf("size_pct must be in (0,1], got %v", *sig.SizePct)
	}
	if sig.UserID == "" {
		sig.UserID = "default"
	}

	var thesisStatus domain.ThesisStatus
	if sig.ThesisID != nil {
		t, err := s.theses.Get(s.db, *sig.ThesisID)
		if err != nil {
			return nil, err
		}
		thesisStatus = t.Status
	}

	// Sector is best effort: fundamentals failures degrade to a neutral
	// domain multiplier, never block signal creation.
	sector := ""
	if fund, err := s.prices.GetFundamentals(ctx, sig.Symbol); err == nil && fund != nil {
		sector = fund.Sector
	}

	matched, err := s.principles.Match(principles.MatchContext{
		Symbol:  sig.Symbol,
		Sector:  sector,
		Source:  sig.Source,
		Horizon: sig.Horizon,
	})
	if err != nil {
		return nil, err
	}

	scored, err := s.scorer.Score(ScoreInput{
		Base:         sig.Confidence,
		ThesisStatus: thesisStatus,
		Sector:       sector,
		Source:       sig.Source,
		PrincipleAdj: principles.Adjustment(matched),
	})
	if err != nil {
		return nil, err
	}
	sig.Confidence = scored
	sig.Status = domain.SignalPending

	id, err := s.repo.Create(sig)
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(domain.ActorEngine, "signal_created",
		fmt.Sprintf("%s %s conf=%.2f src=%s", sig.Action, sig.Symbol, scored, sig.Source),
		"signal", id); err != nil {
		s.log.Warn().Err(err).Int64("signal_id", id).Msg("failed to audit signal creation")
	}
	s.log.Info().Int64("signal_id", id).Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).Float64("confidence", scored).
		Msg("signal created")
	return s.repo.Get(s.db, id)
}

// Get returns one signal.
func (s *Service) Get(id int64) (*domain.Signal, error) {
	return s.repo.Get(s.db, id)
}

// List returns signals by status, newest first.
func (s *Service) List(status domain.SignalStatus, limit int) ([]domain.Signal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListByStatus(status, limit)
}

// Transition moves a signal along the status graph. Rejections and ignores
// record a what-if entry so passed opportunities stay measurable.
func (s *Service) Transition(ctx context.Context, id int64, target domain.SignalStatus, actor domain.ActorType) (*domain.Signal, error) {
	sig, err := s.repo.Get(s.db, id)
	if err != nil {
		return nil, err
	}
	if !sig.Status.CanTransition(target) {
		return nil, domain.StateConflictf("invalid transition %s -> %s for signal %d",
			sig.Status, target, id)
	}
	if err := s.repo.UpdateStatus(s.db, id, sig.Status, target); err != nil {
		return nil, err
	}
	if err := s.audit.Record(actor, "signal_"+strings.ToLower(string(target)),
		fmt.Sprintf("%s %s", sig.Action, sig.Symbol), "signal", id); err != nil {
		s.log.Warn().Err(err).Int64("signal_id", id).Msg("failed to audit signal transition")
	}

	if s.passes != nil && (target == domain.SignalRejected || target == domain.SignalIgnored) {
		if err := s.passes.RecordPass(ctx, *sig, strings.ToLower(string(target))); err != nil {
			s.log.Warn().Err(err).Int64("signal_id", id).Msg("failed to record what-if entry")
		}
	}
	return s.repo.Get(s.db, id)
}

// Modify rewrites size, confidence or reasoning on a PENDING signal.
// Nil fields keep their stored values.
func (s *Service) Modify(id int64, sizePct, confidence *float64, reasoning *string) (*domain.Signal, error) {
	if sizePct == nil && confidence == nil && reasoning == nil {
		return nil, domain.Validationf("no fields to modify")
	}
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return nil, domain.Validationf("confidence must be in [0,1], got %v", *confidence)
	}
	if sizePct != nil && (*sizePct <= 0 || *sizePct > 1) {
		return nil, domain.Validationf("size_pct must be in (0,1], got %v", *sizePct)
	}
	sig, err := s.repo.Get(s.db, id)
	if err != nil {
		return nil, err
	}
	if sig.Status != domain.SignalPending {
		return nil, domain.StateConflictf("signal %d is %s, only pending signals can be modified",
			id, sig.Status)
	}
	if sizePct == nil {
		sizePct = sig.SizePct
	}
	newConfidence := sig.Confidence
	if confidence != nil {
		newConfidence = *confidence
	}
	newReasoning := sig.Reasoning
	if reasoning != nil {
		newReasoning = *reasoning
	}
	if err := s.repo.UpdateSizing(id, sizePct, newConfidence, newReasoning); err != nil {
		return nil, err
	}
	if err := s.audit.Record(domain.ActorUser, "signal_modified", sig.Symbol, "signal", id); err != nil {
		s.log.Warn().Err(err).Int64("signal_id", id).Msg("failed to audit signal modification")
	}
	return s.repo.Get(s.db, id)
}

// ExpireStale marks PENDING signals older than 24h IGNORED and records a
// what-if entry for each. The hourly expiry job runs this.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.repo.ExpiredPending(time.Now().Add(-pendingTTL))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sig := range stale {
		if err := s.repo.UpdateStatus(s.db, sig.ID, domain.SignalPending, domain.SignalIgnored); err != nil {
			// Lost a race with a manual decision; skip it.
			if domain.IsKind(err, domain.KindStateConflict) {
				continue
			}
			return expired, err
		}
		expired++
		if err := s.audit.Record(domain.ActorScheduler, "signal_expired",
			fmt.Sprintf("%s %s pending > 24h", sig.Action, sig.Symbol), "signal", sig.ID); err != nil {
			s.log.Warn().Err(err).Int64("signal_id", sig.ID).Msg("failed to audit signal expiry")
		}
		if s.passes != nil {
			if err := s.passes.RecordPass(ctx, sig, "ignored"); err != nil {
				s.log.Warn().Err(err).Int64("signal_id", sig.ID).Msg("failed to record what-if entry")
			}
		}
	}
	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("expired stale pending signals")
	}
	return expired, nil
}

// RecordSourceOutcome folds a closed trade's realized result into the
// originating source's record.
func (s *Service) RecordSourceOutcome(source domain.SignalSource, pnl float64) error {
	return s.repo.RecordSourceOutcome(source, pnl)
}

// SourceStats returns every source's accuracy record.
func (s *Service) SourceStats() ([]SourceStats, error) {
	return s.repo.AllSourceStats()
}
