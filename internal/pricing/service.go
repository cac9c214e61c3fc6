// Package pricing provides cached quote, history and fundamentals lookup.
//
// Quotes degrade instead of failing: any upstream error comes back as a
// Quote with its Err field set. A process-global TTL cache bounds freshness
// (15s for quotes, 24h for history and fundamentals) and a single-flight
// barrier guarantees at most one concurrent upstream call per (symbol, kind).
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"moves/internal/domain"
)

// Cache TTLs per kind.
const (
	quoteTTL        = 15 * time.Second
	historyTTL      = 24 * time.Hour
	fundamentalsTTL = 24 * time.Hour
)

// validPeriods is the fixed set accepted by GetHistory. Any other period
// returns an empty series without upstream I/O.
var validPeriods = map[string]bool{
	"1d": true, "5d": true, "1mo": true, "3mo": true, "6mo": true,
	"1y": true, "2y": true, "5y": true, "10y": true, "ytd": true, "max": true,
}

// HistoryStore persists fetched bars so other engines can look up baseline
// prices without upstream calls. Optional; a nil store skips persistence.
type HistoryStore interface {
	SaveCandles(symbol, interval string, candles []domain.Candle) error
	CloseOn(symbol, date string) (float64, error)
}

// Service implements domain.PriceSource with caching and single-flight.
type Service struct {
	yahoo   *YahooClient
	finnhub *FinnhubClient
	cache   *ttlCache
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker[any]
	history HistoryStore
	log     zerolog.Logger
}

// NewService creates the pricing service. historyStore may be nil.
func NewService(yahoo *YahooClient, finnhub *FinnhubClient, historyStore HistoryStore, log zerolog.Logger) *Service {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "pricing_primary",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Service{
		yahoo:   yahoo,
		finnhub: finnhub,
		cache:   newTTLCache(),
		breaker: breaker,
		history: historyStore,
		log:     log.With().Str("service", "pricing").Logger(),
	}
}

// GetPrice returns the latest quote for a symbol. It never returns an
// error: failures produce a Quote with Err set.
func (s *Service) GetPrice(ctx context.Context, symbol string) domain.Quote {
	key := "quote:" + symbol

	if cached, ok := s.cache.get(key); ok {
		quote := cached.(domain.Quote)
		quote.Source = "cache"
		return quote
	}

	// Single-flight collapses concurrent lookups for the same symbol into
	// one upstream call; every waiter gets the same result.
	result, _, _ := s.group.Do(key, func() (interface{}, error) {
		if cached, ok := s.cache.get(key); ok {
			quote := cached.(domain.Quote)
			quote.Source = "cache"
			return quote, nil
		}

		quote := s.fetchQuote(ctx, symbol)
		if quote.OK() {
			s.cache.set(key, quote, quoteTTL)
		}
		return quote, nil
	})

	return result.(domain.Quote)
}

// fetchQuote tries the primary upstream through the circuit breaker, then
// the fallback, then degrades to an error record.
func (s *Service) fetchQuote(ctx context.Context, symbol string) domain.Quote {
	fromPrimary, err := s.breaker.Execute(func() (any, error) {
		return s.yahoo.Quote(ctx, symbol)
	})
	if err == nil {
		return *fromPrimary.(*domain.Quote)
	}
	s.log.Debug().Err(err).Str("symbol", symbol).Msg("Primary quote source failed, trying fallback")

	if s.finnhub.Configured() {
		if quote, fbErr := s.finnhub.Quote(ctx, symbol); fbErr == nil {
			return *quote
		} else {
			s.log.Debug().Err(fbErr).Str("symbol", symbol).Msg("Fallback quote source failed")
		}
	}

	return domain.Quote{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Err:       err.Error(),
	}
}

// GetPrices fetches quotes for a batch of symbols. Entries are independent;
// a failed symbol carries an error record, not an error return.
func (s *Service) GetPrices(ctx context.Context, symbols []string) map[string]domain.Quote {
	results := make(map[string]domain.Quote, len(symbols))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(5)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			quote := s.GetPrice(gctx, symbol)
			mu.Lock()
			results[symbol] = quote
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return results
}

// GetHistory returns daily OHLCV bars for one of the supported periods.
// Unknown periods return an empty series without touching the upstream.
func (s *Service) GetHistory(ctx context.Context, symbol, period string) ([]domain.Candle, error) {
	if !validPeriods[period] {
		return []domain.Candle{}, nil
	}

	key := "history:" + symbol + ":" + period
	if cached, ok := s.cache.get(key); ok {
		return cached.([]domain.Candle), nil
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		if cached, ok := s.cache.get(key); ok {
			return cached.([]domain.Candle), nil
		}

		candles, fetchErr := s.yahoo.History(ctx, symbol, period)
		if fetchErr != nil {
			return nil, domain.Upstreamf("history fetch for %s failed: %v", symbol, fetchErr)
		}

		s.cache.set(key, candles, historyTTL)

		if s.history != nil {
			if saveErr := s.history.SaveCandles(symbol, "1d", candles); saveErr != nil {
				s.log.Warn().Err(saveErr).Str("symbol", symbol).Msg("Failed to persist price history")
			}
		}
		return candles, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]domain.Candle), nil
}

// GetFundamentals returns cached fundamentals for a symbol.
func (s *Service) GetFundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error) {
	key := "fundamentals:" + symbol
	if cached, ok := s.cache.get(key); ok {
		fundamentals := cached.(domain.Fundamentals)
		return &fundamentals, nil
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		if cached, ok := s.cache.get(key); ok {
			return cached.(domain.Fundamentals), nil
		}

		if !s.finnhub.Configured() {
			return domain.Fundamentals{}, domain.Upstreamf("fundamentals source not configured")
		}

		fundamentals, fetchErr := s.finnhub.Fundamentals(ctx, symbol)
		if fetchErr != nil {
			return domain.Fundamentals{}, domain.Upstreamf("fundamentals fetch for %s failed: %v", symbol, fetchErr)
		}

		s.cache.set(key, *fundamentals, fundamentalsTTL)
		return *fundamentals, nil
	})
	if err != nil {
		return nil, err
	}

	fundamentals := result.(domain.Fundamentals)
	return &fundamentals, nil
}

// ClearCache drops every cached entry. Used by tests and the price_update job
// when a forced refresh is requested.
func (s *Service) ClearCache() {
	s.cache.clear()
}
