package thesis

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/audit"
)

// Service wraps the repository with the state machine rules and the audit
// trail. All status changes run in one transaction with their version row.
type Service struct {
	db    *sql.DB
	repo  *Repository
	audit *audit.Logger
	log   zerolog.Logger
}

// NewService creates a new thesis service.
func NewService(db *sql.DB, repo *Repository, auditLog *audit.Logger, log zerolog.Logger) *Service {
	return &Service{
		db:    db,
		repo:  repo,
		audit: auditLog,
		log:   log.With().Str("service", "thesis").Logger(),
	}
}

// Create validates and stores a new thesis. New theses start ACTIVE unless
// explicitly created as DRAFT.
func (s *Service) Create(t domain.Thesis) (*domain.Thesis, error) {
	if strings.TrimSpace(t.Title) == "" {
		return nil, domain.Validationf("thesis title is required")
	}
	if t.Conviction < 0 || t.Conviction > 1 {
		return nil, domain.Validationf("conviction must be in [0,1], got %v", t.Conviction)
	}
	switch t.Status {
	case "":
		t.Status = domain.ThesisActive
	case domain.ThesisDraft, domain.ThesisActive:
	default:
		return nil, domain.Validationf("new thesis must be DRAFT or ACTIVE, got %s", t.Status)
	}
	if t.UserID == "" {
		t.UserID = "default"
	}
	if t.Strategy == "" {
		t.Strategy = "long"
	}
	t.Symbols = dedupSymbols(t.Symbols)

	id, err := s.repo.Create(t)
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(domain.ActorUser, "thesis_created", t.Title, "thesis", id); err != nil {
		s.log.Warn().Err(err).Int64("thesis_id", id).Msg("failed to audit thesis creation")
	}
	s.log.Info().Int64("thesis_id", id).Str("title", t.Title).Msg("thesis created")
	return s.repo.Get(s.db, id)
}

// Get returns one thesis.
func (s *Service) Get(id int64) (*domain.Thesis, error) {
	return s.repo.Get(s.db, id)
}

// List returns theses, optionally filtered by status.
func (s *Service) List(status domain.ThesisStatus) ([]domain.Thesis, error) {
	if status != "" && !status.Valid() {
		return nil, domain.Validationf("unknown thesis status %q", status)
	}
	return s.repo.List(status)
}

// Versions returns the full status history of a thesis.
func (s *Service) Versions(id int64) ([]domain.ThesisVersion, error) {
	if _, err := s.repo.Get(s.db, id); err != nil {
		return nil, err
	}
	return s.repo.Versions(id)
}

// Transition moves a thesis along the status graph. The status change and
// its version row commit atomically; an invalid edge is a state conflict.
func (s *Service) Transition(id int64, target domain.ThesisStatus, reason, evidence string) (*domain.Thesis, error) {
	if !target.Valid() {
		return nil, domain.Validationf("unknown thesis status %q", target)
	}
	t, err := s.repo.Get(s.db, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransition(target) {
		return nil, domain.StateConflictf("invalid transition %s -> %s for thesis %d",
			t.Status, target, id)
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if err := s.repo.UpdateStatus(tx, id, t.Status, target); err != nil {
			return err
		}
		if err := s.repo.AddVersion(tx, domain.ThesisVersion{
			ThesisID:  id,
			OldStatus: t.Status,
			NewStatus: target,
			Reason:    reason,
			Evidence:  evidence,
		}); err != nil {
			return err
		}
		return s.audit.RecordTx(tx, domain.ActorUser, "thesis_transition",
			string(t.Status)+" -> "+string(target), "thesis", id)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("thesis_id", id).
		Str("from", string(t.Status)).Str("to", string(target)).
		Msg("thesis transitioned")
	return s.repo.Get(s.db, id)
}

// AddSymbols adds symbols to a thesis, ignoring duplicates. Archived theses
// cannot be modified.
func (s *Service) AddSymbols(id int64, symbols []string) (*domain.Thesis, error) {
	t, err := s.repo.Get(s.db, id)
	if err != nil {
		return nil, err
	}
	if t.Status == domain.ThesisArchived {
		return nil, domain.StateConflictf("thesis %d is archived", id)
	}

	merged := dedupSymbols(append(append([]string{}, t.Symbols...), symbols...))
	if len(merged) == len(t.Symbols) {
		return t, nil
	}
	if err := s.repo.UpdateSymbols(s.db, id, merged); err != nil {
		return nil, err
	}
	return s.repo.Get(s.db, id)
}

// UpdateConviction sets the conviction level on a thesis.
func (s *Service) UpdateConviction(id int64, conviction float64) (*domain.Thesis, error) {
	if conviction < 0 || conviction > 1 {
		return nil, domain.Validationf("conviction must be in [0,1], got %v", conviction)
	}
	if _, err := s.repo.Get(s.db, id); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateConviction(id, conviction); err != nil {
		return nil, err
	}
	return s.repo.Get(s.db, id)
}

// Stale returns non-terminal theses untouched for the given duration.
// The weekly review job uses this to surface forgotten theses.
func (s *Service) Stale(olderThan time.Duration) ([]domain.Thesis, error) {
	return s.repo.StaleSince(time.Now().Add(-olderThan))
}

func dedupSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
