package principles

import (
	"math"
	"strings"

	"github.com/rs/zerolog"

	"moves/internal/domain"
	"moves/internal/modules/audit"
)

// maxAdjustment bounds the total principle contribution to a confidence
// score, so principles nudge but never dominate.
const maxAdjustment = 0.15

// A principle deactivates once it has been invalidated at least this many
// times and the invalidations clearly outnumber validations.
const deactivateFloor = 5

// MatchContext is what a signal looks like to the principle matcher.
type MatchContext struct {
	Symbol   string
	Sector   string
	Source   domain.SignalSource
	Horizon  string
	Keywords []string
}

// Service matches principles against signals and maintains their tallies.
type Service struct {
	repo  *Repository
	audit *audit.Logger
	log   zerolog.Logger
}

// NewService creates a new principles service.
func NewService(repo *Repository, auditLog *audit.Logger, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		audit: auditLog,
		log:   log.With().Str("service", "principles").Logger(),
	}
}

// Create validates and stores a new principle.
func (s *Service) Create(p domain.Principle) (*domain.Principle, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, domain.Validationf("principle text is required")
	}
	if p.Weight < 0 || p.Weight > 0.2 {
		return nil, domain.Validationf("principle weight must be in [0, 0.2], got %v", p.Weight)
	}
	if p.Weight == 0 {
		p.Weight = 0.05
	}
	p.Active = true
	id, err := s.repo.Create(p)
	if err != nil {
		return nil, err
	}
	return s.repo.Get(id)
}

// List returns every principle.
func (s *Service) List() ([]domain.Principle, error) {
	return s.repo.All()
}

// Match returns the active principles relevant to the given context.
// A principle matches when any word of its text appears in the context's
// symbol, sector, horizon or keywords.
func (s *Service) Match(ctx MatchContext) ([]domain.Principle, error) {
	active, err := s.repo.Active()
	if err != nil {
		return nil, err
	}

	haystack := strings.ToLower(strings.Join(append([]string{
		ctx.Symbol, ctx.Sector, string(ctx.Source), ctx.Horizon,
	}, ctx.Keywords...), " "))

	var matched []domain.Principle
	for _, p := range active {
		if principleMatches(p, haystack) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func principleMatches(p domain.Principle, haystack string) bool {
	for _, word := range strings.Fields(strings.ToLower(p.Text)) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if len(word) < 4 {
			continue
		}
		if strings.Contains(haystack, word) {
			return true
		}
	}
	return false
}

// Adjustment computes the confidence adjustment contributed by the matched
// principles. Each principle pulls by its weight scaled by how reliably it
// has validated; the total is clipped to ±maxAdjustment.
func Adjustment(matched []domain.Principle) float64 {
	var total float64
	for _, p := range matched {
		v := float64(p.ValidatedCount)
		i := float64(p.InvalidatedCount)
		total += p.Weight * math.Tanh((v-i)/(v+i+1))
	}
	if total > maxAdjustment {
		return maxAdjustment
	}
	if total < -maxAdjustment {
		return -maxAdjustment
	}
	return total
}

// RecordOutcome updates a principle's tally after a trade outcome and
// deactivates it if it has proven consistently wrong.
func (s *Service) RecordOutcome(id int64, validated bool) error {
	if err := s.repo.RecordOutcome(id, validated); err != nil {
		return err
	}
	p, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if p.Active && p.InvalidatedCount >= deactivateFloor &&
		p.InvalidatedCount > p.ValidatedCount+1 {
		if err := s.repo.Deactivate(id); err != nil {
			return err
		}
		if err := s.audit.Record(domain.ActorEngine, "principle_deactivated",
			p.Text, "principle", id); err != nil {
			s.log.Warn().Err(err).Int64("principle_id", id).Msg("failed to audit deactivation")
		}
		s.log.Info().Int64("principle_id", id).
			Int("validated", p.ValidatedCount).Int("invalidated", p.InvalidatedCount).
			Msg("principle deactivated")
	}
	return nil
}

// ValidateAll sweeps every active principle and deactivates the ones whose
// record has gone bad. The weekly validation job runs this.
func (s *Service) ValidateAll() (int, error) {
	active, err := s.repo.Active()
	if err != nil {
		return 0, err
	}
	deactivated := 0
	for _, p := range active {
		if p.InvalidatedCount >= deactivateFloor && p.InvalidatedCount > p.ValidatedCount+1 {
			if err := s.repo.Deactivate(p.ID); err != nil {
				return deactivated, err
			}
			deactivated++
			s.log.Info().Int64("principle_id", p.ID).Msg("principle deactivated by weekly validation")
		}
	}
	return deactivated, nil
}
