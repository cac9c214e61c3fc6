package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// YahooClient fetches quotes and history from the Yahoo Finance chart API.
// It needs no API key and serves as the primary upstream.
type YahooClient struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewYahooClient creates the primary pricing upstream client.
func NewYahooClient(log zerolog.Logger) *YahooClient {
	client := resty.New().
		SetBaseURL("https://query1.finance.yahoo.com").
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; moves/1.0)").
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)

	return &YahooClient{
		http: client,
		log:  log.With().Str("client", "yahoo").Logger(),
	}
}

// chartResponse mirrors the subset of the Yahoo chart payload we read.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote returns the latest price for a symbol.
func (c *YahooClient) Quote(ctx context.Context, symbol string) (*domain.Quote, error) {
	var payload chartResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		SetQueryParams(map[string]string{
			"interval": "1d",
			"range":    "1d",
		}).
		Get("/v8/finance/chart/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("yahoo quote request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("yahoo quote returned status %d", resp.StatusCode())
	}
	if payload.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo quote error: %s", payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return nil, fmt.Errorf("yahoo quote: empty result for %s", symbol)
	}

	meta := payload.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return nil, fmt.Errorf("yahoo quote: no price for %s", symbol)
	}

	change := meta.RegularMarketPrice - meta.PreviousClose
	changePct := 0.0
	if meta.PreviousClose > 0 {
		changePct = change / meta.PreviousClose * 100
	}

	var volume float64
	quotes := payload.Chart.Result[0].Indicators.Quote
	if len(quotes) > 0 && len(quotes[0].Volume) > 0 {
		volume = quotes[0].Volume[len(quotes[0].Volume)-1]
	}

	return &domain.Quote{
		Symbol:    symbol,
		Price:     meta.RegularMarketPrice,
		Change:    change,
		ChangePct: changePct,
		Volume:    volume,
		Timestamp: time.Unix(meta.RegularMarketTime, 0),
		Source:    "primary",
	}, nil
}

// History returns daily OHLCV bars for one of the supported periods.
func (c *YahooClient) History(ctx context.Context, symbol, period string) ([]domain.Candle, error) {
	var payload chartResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		SetQueryParams(map[string]string{
			"interval": "1d",
			"range":    period,
		}).
		Get("/v8/finance/chart/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("yahoo history request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("yahoo history returned status %d", resp.StatusCode())
	}
	if payload.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo history error: %s", payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return nil, fmt.Errorf("yahoo history: empty result for %s", symbol)
	}

	result := payload.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo history: no bars for %s", symbol)
	}

	bars := result.Indicators.Quote[0]
	candles := make([]domain.Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(bars.Close) || bars.Close[i] == 0 {
			continue
		}
		candle := domain.Candle{
			Timestamp: time.Unix(ts, 0),
			Close:     bars.Close[i],
		}
		if i < len(bars.Open) {
			candle.Open = bars.Open[i]
		}
		if i < len(bars.High) {
			candle.High = bars.High[i]
		}
		if i < len(bars.Low) {
			candle.Low = bars.Low[i]
		}
		if i < len(bars.Volume) {
			candle.Volume = bars.Volume[i]
		}
		candles = append(candles, candle)
	}

	return candles, nil
}
