package testing

import (
	"context"
	"sync"
	"time"

	"moves/internal/domain"
)

// StubPriceSource is a deterministic PriceSource for tests. Prices are
// set per symbol; unknown symbols return an error quote.
type StubPriceSource struct {
	mu           sync.Mutex
	Prices       map[string]float64
	Sectors      map[string]string
	NextEarnings map[string]string
	History      map[string][]domain.Candle
}

// NewStubPriceSource creates a stub with the given symbol prices.
func NewStubPriceSource(prices map[string]float64) *StubPriceSource {
	if prices == nil {
		prices = make(map[string]float64)
	}
	return &StubPriceSource{
		Prices:       prices,
		Sectors:      make(map[string]string),
		NextEarnings: make(map[string]string),
		History:      make(map[string][]domain.Candle),
	}
}

// SetPrice changes one symbol's price.
func (s *StubPriceSource) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prices[symbol] = price
}

// GetPrice returns the configured quote for a symbol.
func (s *StubPriceSource) GetPrice(_ context.Context, symbol string) domain.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.Prices[symbol]
	if !ok || price <= 0 {
		return domain.Quote{Symbol: symbol, Err: "no price configured"}
	}
	return domain.Quote{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
		Source:    "primary",
	}
}

// GetPrices returns quotes for a batch of symbols.
func (s *StubPriceSource) GetPrices(ctx context.Context, symbols []string) map[string]domain.Quote {
	quotes := make(map[string]domain.Quote, len(symbols))
	for _, sym := range symbols {
		quotes[sym] = s.GetPrice(ctx, sym)
	}
	return quotes
}

// GetHistory returns the configured candles for a symbol.
func (s *StubPriceSource) GetHistory(_ context.Context, symbol, _ string) ([]domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles, ok := s.History[symbol]
	if !ok {
		return nil, domain.Upstreamf("no history configured for %s", symbol)
	}
	return candles, nil
}

// GetFundamentals returns configured sector and earnings data.
func (s *StubPriceSource) GetFundamentals(_ context.Context, symbol string) (*domain.Fundamentals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.Fundamentals{
		Symbol:      symbol,
		Sector:      s.Sectors[symbol],
		NextEarning: s.NextEarnings[symbol],
	}, nil
}
