package signals

import (
	"strings"

	"moves/internal/config"
	"moves/internal/domain"
)

// Scorer computes the final confidence of a signal from its base
// confidence, the backing thesis, sector expertise, the source's track
// record and any matched principles.
type Scorer struct {
	cfg  config.ScoringConfig
	repo *Repository
}

// NewScorer creates a new signal scorer.
func NewScorer(cfg config.ScoringConfig, repo *Repository) *Scorer {
	return &Scorer{cfg: cfg, repo: repo}
}

// ScoreInput carries everything scoring needs besides the signal itself.
type ScoreInput struct {
	Base         float64             // creator's raw confidence [0,1]
	ThesisStatus domain.ThesisStatus // "" when no thesis backs the signal
	Sector       string
	Source       domain.SignalSource
	PrincipleAdj float64 // precomputed principles.Adjustment
}

// Score returns the final confidence, clamped to [0,1].
//
//	confidence = base × thesis_mult × domain_mult × source_mult + principle_adj
func (s *Scorer) Score(in ScoreInput) (float64, error) {
	sourceMult, err := s.sourceMultiplier(in.Source)
	if err != nil {
		return 0, err
	}

	thesisMult := 1.0
	if in.ThesisStatus != "" {
		thesisMult = in.ThesisStatus.ConfidenceMultiplier()
	}

	score := in.Base*thesisMult*s.domainMultiplier(in.Sector)*sourceMult + in.PrincipleAdj
	return clamp01(score), nil
}

// domainMultiplier boosts sectors the user knows and penalizes the rest.
// With no expertise configured every sector is neutral.
func (s *Scorer) domainMultiplier(sector string) float64 {
	if len(s.cfg.ExpertiseDomains) == 0 || sector == "" {
		return 1.0
	}
	lower := strings.ToLower(sector)
	for _, d := range s.cfg.ExpertiseDomains {
		if strings.Contains(lower, d) || strings.Contains(d, lower) {
			return s.cfg.DomainBoost
		}
	}
	return s.cfg.OutOfDomainPenalty
}

// sourceMultiplier maps a source's shrunk win rate onto [0.9, 1.1].
// The (wins+1)/(total+2) estimator keeps new sources near neutral.
func (s *Scorer) sourceMultiplier(source domain.SignalSource) (float64, error) {
	stats, err := s.repo.SourceStats(source)
	if err != nil {
		return 0, err
	}
	winRate := float64(stats.Wins+1) / float64(stats.Total+2)
	return 0.9 + 0.2*winRate, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
