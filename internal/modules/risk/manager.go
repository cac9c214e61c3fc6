package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
	"moves/internal/modules/portfolio"
)

// Gate names, in evaluation order. The first failing gate short-circuits
// and its name travels on the risk_blocked error.
const (
	GateKillSwitch    = "kill_switch"
	GatePositionSize  = "position_size"
	GateSector        = "sector_concentration"
	GateGrossExposure = "gross_exposure"
	GateNetExposure   = "net_exposure"
	GateDrawdown      = "drawdown"
	GateTradingWindow = "trading_window"
	GateEarnings      = "earnings_blackout"
)

// earningsBlackoutDays is how close to a known earnings date orders in
// the symbol are blocked.
const earningsBlackoutDays = 5

// Manager evaluates every signal against the ordered gates before the
// orchestrator hands it to the broker.
type Manager struct {
	repo      *Repository
	positions *portfolio.PositionRepository
	values    *portfolio.PortfolioRepository
	prices    domain.PriceSource
	log       zerolog.Logger
}

// NewManager creates a new risk manager.
func NewManager(repo *Repository, positions *portfolio.PositionRepository,
	values *portfolio.PortfolioRepository, prices domain.PriceSource, log zerolog.Logger) *Manager {
	return &Manager{
		repo:      repo,
		positions: positions,
		values:    values,
		prices:    prices,
		log:       log.With().Str("component", "risk").Logger(),
	}
}

// Repo exposes the repository for limit management endpoints.
func (m *Manager) Repo() *Repository { return m.repo }

// snapshot is the market state the gates evaluate against, computed once
// per check.
type snapshot struct {
	nav       float64
	long      float64
	short     float64
	bySymbol  map[string]float64 // absolute notional per symbol
	bySector  map[string]float64
	sectorOf  map[string]string
	limits    map[string]float64
}

// CheckSignal runs every gate in order against the proposed order.
// notional is the order's dollar value at the current price.
func (m *Manager) CheckSignal(ctx context.Context, sig domain.Signal, notional float64) error {
	// Gate 1: kill switch blocks everything, cheap to check first.
	ks, err := m.repo.KillSwitch()
	if err != nil {
		return err
	}
	if ks.Active {
		return domain.RiskBlockedf(GateKillSwitch, "kill switch active: %s", ks.Reason)
	}

	snap, err := m.buildSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap.nav <= 0 {
		return domain.RiskBlockedf(GatePositionSize, "portfolio NAV is zero")
	}
	// Opening actions add the order's notional to the book, closing
	// actions remove it. Every gate sees the post-trade value.
	delta := notional
	if !sig.Action.OpensExposure() {
		delta = -notional
	}

	// Gate 2: single-position concentration.
	projected := (snap.bySymbol[sig.Symbol] + delta) / snap.nav
	if limit := snap.limits[domain.LimitMaxPositionPct]; projected > limit {
		return domain.RiskBlockedf(GatePositionSize,
			"%s would be %.1f%% of NAV, limit %.1f%%",
			sig.Symbol, projected*100, limit*100)
	}

	// Gate 3: sector concentration.
	sector := snap.sectorOf[sig.Symbol]
	if sector == "" {
		sector = m.lookupSector(ctx, sig.Symbol)
	}
	if sector != "" {
		projected := (snap.bySector[sector] + delta) / snap.nav
		if limit := snap.limits[domain.LimitMaxSectorPct]; projected > limit {
			return domain.RiskBlockedf(GateSector,
				"sector %s would be %.1f%% of NAV, limit %.1f%%",
				sector, projected*100, limit*100)
		}
	}

	// Gate 4: gross exposure.
	gross := snap.long + snap.short + delta
	if gross < 0 {
		gross = 0
	}
	if limit := snap.limits[domain.LimitMaxGrossExposure]; gross/snap.nav > limit {
		return domain.RiskBlockedf(GateGrossExposure,
			"gross exposure would be %.2fx NAV, limit %.2fx", gross/snap.nav, limit)
	}

	// Gate 5: net exposure band.
	net := snap.long - snap.short
	switch sig.Action {
	case domain.ActionBuy:
		net += notional
	case domain.ActionSell:
		net -= notional
	case domain.ActionShort:
		net -= notional
	case domain.ActionCover:
		net += notional
	}
	netPct := net / snap.nav
	if min := snap.limits[domain.LimitNetExposureMin]; netPct < min {
		return domain.RiskBlockedf(GateNetExposure,
			"net exposure would be %.2fx NAV, floor %.2fx", netPct, min)
	}
	if max := snap.limits[domain.LimitNetExposureMax]; netPct > max {
		return domain.RiskBlockedf(GateNetExposure,
			"net exposure would be %.2fx NAV, ceiling %.2fx", netPct, max)
	}

	// Gate 6: drawdown lockout.
	dd, err := m.CurrentDrawdown()
	if err != nil {
		return err
	}
	if limit := snap.limits[domain.LimitMaxDrawdown]; dd >= limit {
		return domain.RiskBlockedf(GateDrawdown,
			"drawdown %.1f%% at or above limit %.1f%%, trading locked",
			dd*100, limit*100)
	}

	// Gate 7: per-symbol trading windows.
	windows, err := m.repo.Windows(sig.Symbol)
	if err != nil {
		return err
	}
	if len(windows) > 0 {
		now := time.Now()
		inside := false
		for _, w := range windows {
			if !now.Before(w.OpensAt) && now.Before(w.ClosesAt) {
				inside = true
				break
			}
		}
		if !inside {
			return domain.RiskBlockedf(GateTradingWindow,
				"%s is outside its permitted trading windows", sig.Symbol)
		}
	}

	// Gate 8: earnings blackout.
	today := time.Now().Format(domain.DateFormat)
	next, err := m.repo.NextEarnings(sig.Symbol, today)
	if err != nil {
		return err
	}
	if next != "" {
		if d, err := time.Parse(domain.DateFormat, next); err == nil {
			days := int(time.Until(d).Hours() / 24)
			if days >= 0 && days < earningsBlackoutDays {
				return domain.RiskBlockedf(GateEarnings,
					"%s reports earnings on %s, within the %d-day blackout",
					sig.Symbol, next, earningsBlackoutDays)
			}
		}
	}

	return nil
}

func (m *Manager) buildSnapshot(ctx context.Context) (*snapshot, error) {
	limits, err := m.repo.Limits()
	if err != nil {
		return nil, err
	}
	nav, err := m.values.NAV(m.values.DB())
	if err != nil {
		return nil, err
	}
	positions, err := m.positions.GetOpen()
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		nav:      nav,
		bySymbol: make(map[string]float64),
		bySector: make(map[string]float64),
		sectorOf: make(map[string]string),
		limits:   limits,
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	quotes := m.prices.GetPrices(ctx, symbols)

	for _, p := range positions {
		price := p.AvgCost
		if q, ok := quotes[p.Symbol]; ok && q.OK() {
			price = q.Price
		}
		value := p.Shares * price
		if p.Side == domain.SideShort {
			snap.short += value
		} else {
			snap.long += value
		}
		snap.bySymbol[p.Symbol] += value
		sector := p.Sector
		if sector == "" {
			sector = "UNKNOWN"
		}
		snap.bySector[sector] += value
		snap.sectorOf[p.Symbol] = sector
	}
	return snap, nil
}

func (m *Manager) lookupSector(ctx context.Context, symbol string) string {
	fund, err := m.prices.GetFundamentals(ctx, symbol)
	if err != nil || fund == nil {
		return ""
	}
	return fund.Sector
}

// CalculateExposure returns the current exposure breakdown in dollars.
func (m *Manager) CalculateExposure(ctx context.Context) (*domain.ExposureSnapshot, error) {
	snap, err := m.buildSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.ExposureSnapshot{
		Date:       time.Now().Format(domain.DateFormat),
		Gross:      snap.long + snap.short,
		Net:        snap.long - snap.short,
		LongValue:  snap.long,
		ShortValue: snap.short,
		BySector:   snap.bySector,
		BySymbol:   snap.bySymbol,
	}, nil
}

// CurrentDrawdown returns the fraction the latest NAV sits below the
// all-time peak. A portfolio at its peak (or with no history) is at 0.
func (m *Manager) CurrentDrawdown() (float64, error) {
	values, err := m.values.ValuesSince("0000-01-01")
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	peak := 0.0
	for _, v := range values {
		if v.TotalValue > peak {
			peak = v.TotalValue
		}
	}
	if peak <= 0 {
		return 0, nil
	}
	latest := values[len(values)-1].TotalValue
	dd := (peak - latest) / peak
	if dd < 0 {
		dd = 0
	}
	return dd, nil
}

// CheckDailyLoss reports whether today's return breaches the daily loss
// limit. The NAV snapshot job trips the kill switch on a breach.
func (m *Manager) CheckDailyLoss(dailyReturn float64) (bool, string, error) {
	limit, err := m.repo.Limit(domain.LimitDailyLossLimit)
	if err != nil {
		return false, "", err
	}
	if dailyReturn < -limit {
		return true, fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%",
			dailyReturn*100, limit*100), nil
	}
	return false, "", nil
}
