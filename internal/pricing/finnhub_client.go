package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// FinnhubClient is the fallback quote and fundamentals upstream.
// It requires an API key; without one every call fails fast.
type FinnhubClient struct {
	http   *resty.Client
	apiKey string
	log    zerolog.Logger
}

// NewFinnhubClient creates the fallback pricing client.
func NewFinnhubClient(apiKey string, log zerolog.Logger) *FinnhubClient {
	client := resty.New().
		SetBaseURL("https://finnhub.io/api/v1").
		SetTimeout(10 * time.Second)

	return &FinnhubClient{
		http:   client,
		apiKey: apiKey,
		log:    log.With().Str("client", "finnhub").Logger(),
	}
}

// Configured reports whether an API key is present.
func (c *FinnhubClient) Configured() bool { return c.apiKey != "" }

type finnhubQuote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	Timestamp     int64   `json:"t"`
}

// Quote returns the latest price for a symbol.
func (c *FinnhubClient) Quote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("finnhub API key not configured")
	}

	var payload finnhubQuote
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"token":  c.apiKey,
		}).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("finnhub quote request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("finnhub quote returned status %d", resp.StatusCode())
	}
	if payload.Current <= 0 {
		return nil, fmt.Errorf("finnhub quote: no price for %s", symbol)
	}

	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0)
	}

	return &domain.Quote{
		Symbol:    symbol,
		Price:     payload.Current,
		Change:    payload.Change,
		ChangePct: payload.ChangePercent,
		Timestamp: ts,
		Source:    "fallback",
	}, nil
}

type finnhubProfile struct {
	Ticker              string  `json:"ticker"`
	FinnhubIndustry     string  `json:"finnhubIndustry"`
	MarketCapitalization float64 `json:"marketCapitalization"`
}

type finnhubEarnings struct {
	EarningsCalendar []struct {
		Date   string `json:"date"`
		Symbol string `json:"symbol"`
	} `json:"earningsCalendar"`
}

// Fundamentals returns the company profile plus the next scheduled earnings
// date when one is published.
func (c *FinnhubClient) Fundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("finnhub API key not configured")
	}

	var profile finnhubProfile
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&profile).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"token":  c.apiKey,
		}).
		Get("/stock/profile2")
	if err != nil {
		return nil, fmt.Errorf("finnhub profile request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("finnhub profile returned status %d", resp.StatusCode())
	}

	fundamentals := &domain.Fundamentals{
		Symbol:    symbol,
		Sector:    profile.FinnhubIndustry,
		Industry:  profile.FinnhubIndustry,
		MarketCap: profile.MarketCapitalization,
	}

	// Earnings calendar is best-effort; a miss leaves NextEarning empty.
	var earnings finnhubEarnings
	now := time.Now()
	resp, err = c.http.R().
		SetContext(ctx).
		SetResult(&earnings).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"from":   now.Format(domain.DateFormat),
			"to":     now.AddDate(0, 3, 0).Format(domain.DateFormat),
			"token":  c.apiKey,
		}).
		Get("/calendar/earnings")
	if err == nil && !resp.IsError() && len(earnings.EarningsCalendar) > 0 {
		fundamentals.NextEarning = earnings.EarningsCalendar[0].Date
	}

	return fundamentals, nil
}

// NewsItem is one company news headline.
type NewsItem struct {
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// CongressTrade is one reported congressional transaction.
type CongressTrade struct {
	Symbol          string  `json:"symbol"`
	Name            string  `json:"name"`
	TransactionDate string  `json:"transactionDate"`
	TransactionType string  `json:"transactionType"`
	AmountFrom      float64 `json:"amountFrom"`
	AmountTo        float64 `json:"amountTo"`
}

type congressResponse struct {
	Data []CongressTrade `json:"data"`
}

// CongressionalTrading returns reported trades for a symbol between two
// dates.
func (c *FinnhubClient) CongressionalTrading(ctx context.Context, symbol, from, to string) ([]CongressTrade, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("finnhub API key not configured")
	}

	var payload congressResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"from":   from,
			"to":     to,
			"token":  c.apiKey,
		}).
		Get("/stock/congressional-trading")
	if err != nil {
		return nil, fmt.Errorf("finnhub congressional trading request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("finnhub congressional trading returned status %d", resp.StatusCode())
	}
	return payload.Data, nil
}

// CompanyNews returns recent headlines for a symbol between two dates.
func (c *FinnhubClient) CompanyNews(ctx context.Context, symbol, from, to string) ([]NewsItem, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("finnhub API key not configured")
	}

	var items []NewsItem
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&items).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"from":   from,
			"to":     to,
			"token":  c.apiKey,
		}).
		Get("/company-news")
	if err != nil {
		return nil, fmt.Errorf("finnhub news request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("finnhub news returned status %d", resp.StatusCode())
	}
	return items, nil
}
