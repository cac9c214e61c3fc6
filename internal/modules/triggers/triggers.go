// Package triggers scans thesis symbols for technical conditions and
// raises PRICE_TRIGGER signals when one fires. Raised signals go through
// the same scoring and approval pipeline as any other.
package triggers

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"moves/internal/domain"
	"moves/internal/modules/portfolio"
	"moves/internal/modules/signals"
	"moves/internal/modules/thesis"
	"moves/internal/pricing"
)

const (
	rsiPeriod     = 14
	rsiOversold   = 30.0
	rsiOverbought = 70.0
	smaPeriod     = 50

	// minBars is the history needed before any indicator is trusted.
	minBars = smaPeriod + 1
)

// Scanner evaluates technical triggers across all active thesis symbols.
type Scanner struct {
	theses    *thesis.Repository
	positions *portfolio.PositionRepository
	history   *pricing.HistoryRepository
	signals   *signals.Service
	log       zerolog.Logger
}

// NewScanner creates a new trigger scanner.
func NewScanner(theses *thesis.Repository, positions *portfolio.PositionRepository,
	history *pricing.HistoryRepository, signalSvc *signals.Service, log zerolog.Logger) *Scanner {
	return &Scanner{
		theses:    theses,
		positions: positions,
		history:   history,
		signals:   signalSvc,
		log:       log.With().Str("component", "triggers").Logger(),
	}
}

// Scan walks every active thesis symbol and raises a signal for each
// trigger that fires. Returns the number of signals created.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	theses, err := s.theses.Active()
	if err != nil {
		return 0, err
	}
	positions, err := s.positions.GetOpen()
	if err != nil {
		return 0, err
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Side == domain.SideLong {
			held[p.Symbol] = true
		}
	}

	created := 0
	seen := make(map[string]bool)
	for _, th := range theses {
		for _, sym := range th.Symbols {
			if seen[sym] {
				continue
			}
			seen[sym] = true

			sig, err := s.evaluate(sym, th, held[sym])
			if err != nil {
				s.log.Warn().Err(err).Str("symbol", sym).Msg("trigger evaluation failed")
				continue
			}
			if sig == nil {
				continue
			}
			if _, err := s.signals.Create(ctx, *sig); err != nil {
				s.log.Warn().Err(err).Str("symbol", sym).Msg("failed to create trigger signal")
				continue
			}
			created++
		}
	}
	if created > 0 {
		s.log.Info().Int("signals", created).Msg("trigger scan raised signals")
	}
	return created, nil
}

// evaluate returns a signal when a trigger fires for the symbol, nil when
// nothing fires or history is too thin.
func (s *Scanner) evaluate(symbol string, th domain.Thesis, holding bool) (*domain.Signal, error) {
	closes, err := s.history.Closes(symbol, 2*smaPeriod)
	if err != nil {
		return nil, err
	}
	if len(closes) < minBars {
		return nil, nil
	}

	rsi := talib.Rsi(closes, rsiPeriod)
	sma := talib.Sma(closes, smaPeriod)
	lastRSI := rsi[len(rsi)-1]
	lastSMA := sma[len(sma)-1]
	lastClose := closes[len(closes)-1]

	thesisID := th.ID
	switch {
	case lastRSI <= rsiOversold && lastClose > lastSMA:
		// Oversold in an uptrend: accumulation opportunity.
		return &domain.Signal{
			Action:     domain.ActionBuy,
			Symbol:     symbol,
			ThesisID:   &thesisID,
			Confidence: 0.5 + (rsiOversold-lastRSI)/100,
			Source:     domain.SourcePriceTrigger,
			Horizon:    th.Horizon,
			Reasoning: fmt.Sprintf("RSI(%d) %.1f oversold with price %.2f above SMA(%d) %.2f",
				rsiPeriod, lastRSI, lastClose, smaPeriod, lastSMA),
		}, nil
	case lastRSI >= rsiOverbought && holding:
		// Overbought while holding: trim opportunity.
		return &domain.Signal{
			Action:     domain.ActionSell,
			Symbol:     symbol,
			ThesisID:   &thesisID,
			Confidence: 0.5 + (lastRSI-rsiOverbought)/100,
			Source:     domain.SourcePriceTrigger,
			Horizon:    th.Horizon,
			Reasoning: fmt.Sprintf("RSI(%d) %.1f overbought while position is held",
				rsiPeriod, lastRSI),
		}, nil
	}
	return nil, nil
}
