package broker

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"moves/internal/config"
	"moves/internal/domain"
)

const (
	schwabOrderTimeout = 15 * time.Second
	tokenSafetyMargin  = 60 * time.Second
)

// Schwab is the live broker adapter. It talks to the Schwab Trader API
// using the OAuth refresh-token flow; the access token is cached and
// refreshed lazily under a mutex.
type Schwab struct {
	cfg    config.SchwabConfig
	client *resty.Client
	log    zerolog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewSchwab creates a Schwab broker from live credentials.
func NewSchwab(cfg config.SchwabConfig, log zerolog.Logger) *Schwab {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(schwabOrderTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &Schwab{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("broker", "schwab").Logger(),
	}
}

// Name returns the broker identifier.
func (s *Schwab) Name() string { return "schwab" }

type schwabTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// token returns a valid access token, refreshing it when expired.
func (s *Schwab) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Now().Before(s.tokenExpiry) {
		return s.accessToken, nil
	}

	basic := base64.StdEncoding.EncodeToString(
		[]byte(s.cfg.ClientID + ":" + s.cfg.ClientSecret))

	var tok schwabTokenResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Basic "+basic).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": s.cfg.RefreshToken,
		}).
		SetResult(&tok).
		Post("/v1/oauth/token")
	if err != nil {
		return "", domain.BrokerErr(true, "token refresh failed", err)
	}
	if resp.IsError() {
		return "", domain.BrokerErr(resp.StatusCode() >= 500,
			fmt.Sprintf("token refresh returned %d: %s", resp.StatusCode(), resp.String()), nil)
	}
	if tok.AccessToken == "" {
		return "", domain.BrokerErr(false, "token refresh returned empty access token", nil)
	}

	s.accessToken = tok.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSafetyMargin)
	s.log.Debug().Time("expires", s.tokenExpiry).Msg("refreshed access token")
	return s.accessToken, nil
}

func (s *Schwab) authed(ctx context.Context) (*resty.Request, error) {
	tok, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.R().SetContext(ctx).SetAuthToken(tok), nil
}

type schwabPosition struct {
	Instrument struct {
		Symbol    string `json:"symbol"`
		AssetType string `json:"assetType"`
	} `json:"instrument"`
	LongQuantity  float64 `json:"longQuantity"`
	ShortQuantity float64 `json:"shortQuantity"`
	AveragePrice  float64 `json:"averagePrice"`
	MarketValue   float64 `json:"marketValue"`
}

type schwabAccountResponse struct {
	SecuritiesAccount struct {
		Positions       []schwabPosition `json:"positions"`
		CurrentBalances struct {
			CashBalance           float64 `json:"cashBalance"`
			LiquidationValue      float64 `json:"liquidationValue"`
			BuyingPower           float64 `json:"buyingPower"`
			AvailableFundsNonMarg float64 `json:"availableFundsNonMarginableTrade"`
		} `json:"currentBalances"`
	} `json:"securitiesAccount"`
}

// GetPositions returns broker-held positions, one per symbol and side.
func (s *Schwab) GetPositions(ctx context.Context) ([]domain.Position, error) {
	req, err := s.authed(ctx)
	if err != nil {
		return nil, err
	}
	var acct schwabAccountResponse
	resp, err := req.
		SetQueryParam("fields", "positions").
		SetResult(&acct).
		Get("/trader/v1/accounts/" + s.cfg.AccountHash)
	if err != nil {
		return nil, domain.BrokerErr(true, "get positions failed", err)
	}
	if resp.IsError() {
		return nil, domain.BrokerErr(resp.StatusCode() >= 500,
			fmt.Sprintf("get positions returned %d: %s", resp.StatusCode(), resp.String()), nil)
	}

	var positions []domain.Position
	for _, p := range acct.SecuritiesAccount.Positions {
		if p.LongQuantity > 0 {
			positions = append(positions, domain.Position{
				Symbol:  p.Instrument.Symbol,
				Side:    domain.SideLong,
				Shares:  p.LongQuantity,
				AvgCost: p.AveragePrice,
			})
		}
		if p.ShortQuantity > 0 {
			positions = append(positions, domain.Position{
				Symbol:  p.Instrument.Symbol,
				Side:    domain.SideShort,
				Shares:  p.ShortQuantity,
				AvgCost: p.AveragePrice,
			})
		}
	}
	return positions, nil
}

// GetAccountBalance returns the live account balance.
func (s *Schwab) GetAccountBalance(ctx context.Context) (*domain.Balance, error) {
	req, err := s.authed(ctx)
	if err != nil {
		return nil, err
	}
	var acct schwabAccountResponse
	resp, err := req.SetResult(&acct).Get("/trader/v1/accounts/" + s.cfg.AccountHash)
	if err != nil {
		return nil, domain.BrokerErr(true, "get balance failed", err)
	}
	if resp.IsError() {
		return nil, domain.BrokerErr(resp.StatusCode() >= 500,
			fmt.Sprintf("get balance returned %d: %s", resp.StatusCode(), resp.String()), nil)
	}
	b := acct.SecuritiesAccount.CurrentBalances
	return &domain.Balance{
		Cash:        b.CashBalance,
		TotalValue:  b.LiquidationValue,
		BuyingPower: b.BuyingPower,
	}, nil
}

// schwabInstruction maps our action to the Schwab order instruction.
func schwabInstruction(action domain.SignalAction) string {
	switch action {
	case domain.ActionBuy:
		return "BUY"
	case domain.ActionSell:
		return "SELL"
	case domain.ActionShort:
		return "SELL_SHORT"
	case domain.ActionCover:
		return "BUY_TO_COVER"
	}
	return ""
}

// mapSchwabStatus translates Schwab order statuses onto ours.
func mapSchwabStatus(status string) domain.OrderStatus {
	switch strings.ToUpper(status) {
	case "FILLED":
		return domain.OrderFilled
	case "CANCELED", "CANCELLED":
		return domain.OrderCancelled
	case "REJECTED", "EXPIRED":
		return domain.OrderRejected
	case "WORKING", "QUEUED", "ACCEPTED", "PENDING_ACTIVATION":
		return domain.OrderSubmitted
	}
	return domain.OrderPending
}

type schwabOrderStatus struct {
	OrderID       int64   `json:"orderId"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filledQuantity"`
	StatusMessage string  `json:"statusDescription"`
	ExecutionLegs []struct {
		Price    float64 `json:"price"`
		Quantity float64 `json:"quantity"`
	} `json:"orderActivityCollection"`
}

// PlaceOrder submits an order and polls briefly for a fill. Orders still
// open when the timeout elapses are cancelled and reported REJECTED.
func (s *Schwab) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if !req.Action.Valid() {
		return nil, domain.Validationf("invalid action %q", req.Action)
	}
	if req.Shares <= 0 {
		return nil, domain.Validationf("shares must be positive, got %v", req.Shares)
	}
	instruction := schwabInstruction(req.Action)

	orderType := "MARKET"
	legPrice := map[string]interface{}{}
	if req.OrderType == domain.OrderLimit {
		if req.LimitPrice == nil || *req.LimitPrice <= 0 {
			return nil, domain.Validationf("limit order requires a positive limit price")
		}
		orderType = "LIMIT"
		legPrice["price"] = *req.LimitPrice
	}

	clientOrderID := uuid.NewString()
	body := map[string]interface{}{
		"orderType":          orderType,
		"session":            "NORMAL",
		"duration":           "DAY",
		"orderStrategyType":  "SINGLE",
		"clientCorrelationId": clientOrderID,
		"orderLegCollection": []map[string]interface{}{{
			"instruction": instruction,
			"quantity":    req.Shares,
			"instrument": map[string]interface{}{
				"symbol":    req.Symbol,
				"assetType": "EQUITY",
			},
		}},
	}
	for k, v := range legPrice {
		body[k] = v
	}

	r, err := s.authed(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := r.SetBody(body).Post("/trader/v1/accounts/" + s.cfg.AccountHash + "/orders")
	if err != nil {
		return nil, domain.BrokerErr(true, "place order failed", err)
	}
	if resp.IsError() {
		return &domain.OrderResult{
			OrderID: clientOrderID,
			Status:  domain.OrderRejected,
			Message: fmt.Sprintf("broker rejected order: %d %s", resp.StatusCode(), resp.String()),
		}, nil
	}

	// The order id arrives in the Location header.
	orderID := clientOrderID
	if loc := resp.Header().Get("Location"); loc != "" {
		if idx := strings.LastIndex(loc, "/"); idx >= 0 && idx+1 < len(loc) {
			orderID = loc[idx+1:]
		}
	}

	result, err := s.pollFill(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// pollFill waits up to schwabOrderTimeout for the order to reach a terminal
// state, then cancels anything still open.
func (s *Schwab) pollFill(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	deadline := time.Now().Add(schwabOrderTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		result, err := s.GetOrderStatus(ctx, orderID)
		if err == nil {
			switch result.Status {
			case domain.OrderFilled, domain.OrderRejected, domain.OrderCancelled:
				return result, nil
			}
		} else {
			s.log.Warn().Err(err).Str("order_id", orderID).Msg("order status poll failed")
		}

		if time.Now().After(deadline) {
			if cancelErr := s.CancelOrder(ctx, orderID); cancelErr != nil {
				s.log.Warn().Err(cancelErr).Str("order_id", orderID).Msg("failed to cancel timed-out order")
			}
			return &domain.OrderResult{
				OrderID: orderID,
				Status:  domain.OrderRejected,
				Message: "broker timeout: order not filled within 15s",
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, domain.BrokerErr(true, "order poll interrupted", ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetOrderStatus fetches an order and maps it onto OrderResult.
func (s *Schwab) GetOrderStatus(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	req, err := s.authed(ctx)
	if err != nil {
		return nil, err
	}
	var status schwabOrderStatus
	resp, err := req.SetResult(&status).
		Get("/trader/v1/accounts/" + s.cfg.AccountHash + "/orders/" + orderID)
	if err != nil {
		return nil, domain.BrokerErr(true, "get order status failed", err)
	}
	if resp.StatusCode() == 404 {
		return nil, domain.NotFoundf("order %s not found at broker", orderID)
	}
	if resp.IsError() {
		return nil, domain.BrokerErr(resp.StatusCode() >= 500,
			fmt.Sprintf("get order status returned %d: %s", resp.StatusCode(), resp.String()), nil)
	}

	result := &domain.OrderResult{
		OrderID: orderID,
		Status:  mapSchwabStatus(status.Status),
		Message: status.StatusMessage,
	}
	var filledValue, filledShares float64
	for _, leg := range status.ExecutionLegs {
		filledValue += leg.Price * leg.Quantity
		filledShares += leg.Quantity
	}
	if filledShares > 0 {
		result.FilledShares = filledShares
		result.FilledPrice = filledValue / filledShares
	}
	return result, nil
}

// CancelOrder cancels an open order at the broker.
func (s *Schwab) CancelOrder(ctx context.Context, orderID string) error {
	req, err := s.authed(ctx)
	if err != nil {
		return err
	}
	resp, err := req.Delete("/trader/v1/accounts/" + s.cfg.AccountHash + "/orders/" + orderID)
	if err != nil {
		return domain.BrokerErr(true, "cancel order failed", err)
	}
	if resp.StatusCode() == 404 {
		return domain.NotFoundf("order %s not found at broker", orderID)
	}
	if resp.IsError() {
		return domain.BrokerErr(resp.StatusCode() >= 500,
			fmt.Sprintf("cancel order returned %d: %s", resp.StatusCode(), resp.String()), nil)
	}
	return nil
}

// PreviewOrder estimates an order's cost without submitting it. Schwab has
// no preview endpoint for equities, so the estimate uses live balances only.
func (s *Schwab) PreviewOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderPreview, error) {
	if !req.Action.Valid() {
		return nil, domain.Validationf("invalid action %q", req.Action)
	}
	if req.Shares <= 0 {
		return nil, domain.Validationf("shares must be positive, got %v", req.Shares)
	}

	preview := &domain.OrderPreview{Symbol: req.Symbol, Shares: req.Shares}
	if req.LimitPrice != nil {
		preview.EstimatedCost = req.Shares * *req.LimitPrice
	}

	if req.Action.OpensExposure() && preview.EstimatedCost > 0 {
		balance, err := s.GetAccountBalance(ctx)
		if err != nil {
			preview.Warnings = append(preview.Warnings, "balance unavailable: "+err.Error())
			return preview, nil
		}
		if preview.EstimatedCost > balance.BuyingPower {
			preview.Warnings = append(preview.Warnings,
				fmt.Sprintf("estimated cost %.2f exceeds buying power %.2f",
					preview.EstimatedCost, balance.BuyingPower))
		}
	}
	return preview, nil
}
