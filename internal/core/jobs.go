package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
	"moves/internal/modules/outcomes"
	"moves/internal/modules/portfolio"
	"moves/internal/modules/principles"
	"moves/internal/modules/reconcile"
	"moves/internal/modules/risk"
	"moves/internal/modules/signals"
	"moves/internal/modules/thesis"
	"moves/internal/modules/triggers"
	"moves/internal/modules/whatif"
	"moves/internal/pricing"
	"moves/internal/scheduler"
)

// staleThesisAge is how long a thesis may go untouched before the weekly
// review flags it.
const staleThesisAge = 30 * 24 * time.Hour

// Broadcaster pushes fresh quotes to live subscribers. The websocket hub
// implements it; a nil broadcaster is skipped.
type Broadcaster interface {
	BroadcastQuotes(quotes map[string]domain.Quote)
}

// BackupRunner produces one database backup. The reliability package
// implements it.
type BackupRunner interface {
	Run(ctx context.Context) error
}

// Jobs owns the scheduled job implementations and their cron table.
type Jobs struct {
	prices      domain.PriceSource
	finnhub     *pricing.FinnhubClient
	positions   *portfolio.PositionRepository
	values      *portfolio.PortfolioRepository
	theses      *thesis.Service
	signals     *signals.Service
	principles  *principles.Service
	whatifs     *whatif.Tracker
	outcomes    *outcomes.Tracker
	triggers    *triggers.Scanner
	risk        *risk.Manager
	reconciler  *reconcile.Reconciler
	audit       auditRecorder
	broadcaster Broadcaster
	backup      BackupRunner
	log         zerolog.Logger
}

type auditRecorder interface {
	Record(actor domain.ActorType, action, detail, entityType string, entityID int64) error
}

// JobDeps bundles the constructor arguments for Jobs.
type JobDeps struct {
	Prices      domain.PriceSource
	Finnhub     *pricing.FinnhubClient
	Positions   *portfolio.PositionRepository
	Values      *portfolio.PortfolioRepository
	Theses      *thesis.Service
	Signals     *signals.Service
	Principles  *principles.Service
	WhatIfs     *whatif.Tracker
	Outcomes    *outcomes.Tracker
	Triggers    *triggers.Scanner
	Risk        *risk.Manager
	Reconciler  *reconcile.Reconciler
	Audit       auditRecorder
	Broadcaster Broadcaster
	Backup      BackupRunner
}

// NewJobs creates the job set.
func NewJobs(deps JobDeps, log zerolog.Logger) *Jobs {
	return &Jobs{
		prices:      deps.Prices,
		finnhub:     deps.Finnhub,
		positions:   deps.Positions,
		values:      deps.Values,
		theses:      deps.Theses,
		signals:     deps.Signals,
		principles:  deps.Principles,
		whatifs:     deps.WhatIfs,
		outcomes:    deps.Outcomes,
		triggers:    deps.Triggers,
		risk:        deps.Risk,
		reconciler:  deps.Reconciler,
		audit:       deps.Audit,
		broadcaster: deps.Broadcaster,
		backup:      deps.Backup,
		log:         log.With().Str("component", "jobs").Logger(),
	}
}

// jobSpec names one scheduled job. Schedules are in market time.
type jobSpec struct {
	Name     string
	Schedule string
	Fn       scheduler.JobFunc
}

// Table returns the default job table.
func (j *Jobs) Table() []jobSpec {
	table := []jobSpec{
		{"price_update", "*/15 9-15 * * 1-5", j.PriceUpdate},
		{"news_scan", "0 8,14,20 * * *", j.NewsScan},
		{"pre_market_review", "0 9 * * 1-5", j.PreMarketReview},
		{"nav_snapshot", "15 16 * * 1-5", j.NAVSnapshot},
		{"history_refresh", "30 17 * * 1-5", j.HistoryRefresh},
		{"earnings_refresh", "0 7 * * 1-5", j.EarningsRefresh},
		{"congress_trades", "0 19 * * *", j.CongressTrades},
		{"trigger_scan", "0 10,14 * * 1-5", j.TriggerScan},
		{"stale_thesis_check", "0 8 * * 1", j.StaleThesisCheck},
		{"exposure_snapshot", "0 9-16 * * 1-5", j.ExposureSnapshot},
		{"whatif_update", "30 16 * * 1-5", j.WhatIfUpdate},
		{"outcome_snapshot", "45 16 * * 1-5", j.OutcomeSnapshot},
		{"daily_reconcile", "50 16 * * 1-5", j.DailyReconcile},
		{"signal_expiry", "0 * * * *", j.SignalExpiry},
		{"principle_validation", "0 20 * * 0", j.PrincipleValidation},
	}
	if j.backup != nil {
		table = append(table, jobSpec{"db_backup", "0 2 * * *", j.DatabaseBackup})
	}
	return table
}

// RegisterAll wires the job table into the scheduler.
func (j *Jobs) RegisterAll(s *scheduler.Scheduler) error {
	for _, spec := range j.Table() {
		if err := s.Register(spec.Name, spec.Schedule, spec.Fn); err != nil {
			return err
		}
	}
	return nil
}

// Find returns a job function by name, for the manual trigger endpoint.
func (j *Jobs) Find(name string) (scheduler.JobFunc, bool) {
	for _, spec := range j.Table() {
		if spec.Name == name {
			return spec.Fn, true
		}
	}
	return nil, false
}

// trackedSymbols is the union of open position symbols and active thesis
// symbols.
func (j *Jobs) trackedSymbols() ([]string, error) {
	positions, err := j.positions.GetOpen()
	if err != nil {
		return nil, err
	}
	theses, err := j.theses.List("")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var symbols []string
	add := func(sym string) {
		if sym != "" && !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	for _, p := range positions {
		add(p.Symbol)
	}
	for _, t := range theses {
		for _, sym := range t.Symbols {
			add(sym)
		}
	}
	return symbols, nil
}

// PriceUpdate refreshes quotes for every tracked symbol and pushes them to
// live subscribers.
func (j *Jobs) PriceUpdate(ctx context.Context) error {
	symbols, err := j.trackedSymbols()
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}
	quotes := j.prices.GetPrices(ctx, symbols)
	if j.broadcaster != nil {
		j.broadcaster.BroadcastQuotes(quotes)
	}
	j.log.Debug().Int("symbols", len(symbols)).Msg("price update completed")
	return nil
}

// NewsScan pulls recent headlines for thesis symbols and raises NEWS_EVENT
// signals when a headline matches a thesis's validation or failure
// criteria keywords.
func (j *Jobs) NewsScan(ctx context.Context) error {
	if j.finnhub == nil || !j.finnhub.Configured() {
		j.log.Debug().Msg("news scan skipped, no news upstream configured")
		return nil
	}
	theses, err := j.theses.List("")
	if err != nil {
		return err
	}

	from := time.Now().AddDate(0, 0, -1).Format(domain.DateFormat)
	to := time.Now().Format(domain.DateFormat)
	raised := 0
	for _, th := range theses {
		if th.Status == domain.ThesisDraft {
			continue
		}
		keywords := append(append([]string{}, th.ValidationCriteria...), th.FailureCriteria...)
		if len(keywords) == 0 {
			continue
		}
		for _, sym := range th.Symbols {
			items, err := j.finnhub.CompanyNews(ctx, sym, from, to)
			if err != nil {
				j.log.Warn().Err(err).Str("symbol", sym).Msg("news fetch failed")
				continue
			}
			for _, item := range items {
				hit := matchKeyword(item.Headline+" "+item.Summary, keywords)
				if hit == "" {
					continue
				}
				thesisID := th.ID
				if _, err := j.signals.Create(ctx, domain.Signal{
					Action:     actionForStrategy(th.Strategy),
					Symbol:     sym,
					ThesisID:   &thesisID,
					Confidence: 0.5,
					Source:     domain.SourceNewsEvent,
					Horizon:    th.Horizon,
					Reasoning:  fmt.Sprintf("headline matched %q: %s", hit, item.Headline),
				}); err != nil {
					j.log.Warn().Err(err).Str("symbol", sym).Msg("failed to raise news signal")
					continue
				}
				raised++
				break // one signal per symbol per scan
			}
		}
	}
	if raised > 0 {
		j.log.Info().Int("signals", raised).Msg("news scan raised signals")
	}
	return nil
}

func matchKeyword(text string, keywords []string) string {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if len(kw) >= 4 && strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

func actionForStrategy(strategy string) domain.SignalAction {
	if strategy == "short" {
		return domain.ActionShort
	}
	return domain.ActionBuy
}

// PreMarketReview writes one audit entry summarizing the day's starting
// state: pending signals, kill switch and drawdown.
func (j *Jobs) PreMarketReview(ctx context.Context) error {
	pending, err := j.signals.List(domain.SignalPending, 500)
	if err != nil {
		return err
	}
	ks, err := j.risk.Repo().KillSwitch()
	if err != nil {
		return err
	}
	dd, err := j.risk.CurrentDrawdown()
	if err != nil {
		return err
	}

	detail := fmt.Sprintf("pending_signals=%d kill_switch=%t drawdown=%.2f%%",
		len(pending), ks.Active, dd*100)
	if err := j.audit.Record(domain.ActorScheduler, "pre_market_review", detail, "portfolio", 0); err != nil {
		return err
	}
	j.log.Info().Str("summary", detail).Msg("pre-market review")
	return nil
}

// NAVSnapshot marks the book to market, writes today's NAV row and trips
// the kill switch when the daily loss limit is breached.
func (j *Jobs) NAVSnapshot(ctx context.Context) error {
	positions, err := j.positions.GetOpen()
	if err != nil {
		return err
	}
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	quotes := j.prices.GetPrices(ctx, symbols)

	var long, short, shortEquity, costBasis float64
	for _, p := range positions {
		price := p.AvgCost
		if q, ok := quotes[p.Symbol]; ok && q.OK() {
			price = q.Price
		}
		value := p.Shares * price
		costBasis += p.Shares * p.AvgCost
		if p.Side == domain.SideShort {
			short += value
			// The entry notional left cash as posted margin when the
			// short opened. Its equity is that margin plus the
			// unrealized move.
			entry := p.Shares * p.AvgCost
			shortEquity += entry + (entry - value)
		} else {
			long += value
		}
	}

	prev, err := j.values.Latest(j.values.DB())
	if err != nil {
		return err
	}
	cash := 0.0
	if prev != nil {
		cash = prev.Cash
	}

	total := cash + long + shortEquity
	dailyReturn := 0.0
	today := time.Now().Format(domain.DateFormat)
	if prev != nil && prev.Date != today && prev.TotalValue > 0 {
		dailyReturn = total/prev.TotalValue - 1
	}

	if err := j.values.UpsertValue(domain.PortfolioValue{
		Date:        today,
		TotalValue:  total,
		LongValue:   long,
		ShortValue:  short,
		Cash:        cash,
		CostBasis:   costBasis,
		DailyReturn: dailyReturn,
	}); err != nil {
		return err
	}

	breached, reason, err := j.risk.CheckDailyLoss(dailyReturn)
	if err != nil {
		return err
	}
	if breached {
		if err := j.risk.Repo().SetKillSwitch(true, reason); err != nil {
			return err
		}
		if err := j.audit.Record(domain.ActorEngine, "kill_switch_activated", reason, "portfolio", 0); err != nil {
			j.log.Warn().Err(err).Msg("failed to audit kill switch activation")
		}
		j.log.Error().Str("reason", reason).Msg("daily loss limit breached, kill switch activated")
	}

	j.log.Info().Float64("nav", total).Float64("daily_return", dailyReturn).Msg("NAV snapshot written")
	return nil
}

// HistoryRefresh persists recent daily bars for every tracked symbol so
// indicators and outcome baselines have local history.
func (j *Jobs) HistoryRefresh(ctx context.Context) error {
	symbols, err := j.trackedSymbols()
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if _, err := j.prices.GetHistory(ctx, sym, "3mo"); err != nil {
			j.log.Warn().Err(err).Str("symbol", sym).Msg("history refresh failed for symbol")
		}
	}
	return nil
}

// EarningsRefresh stores upcoming earnings dates for tracked symbols so
// the earnings gate can check them locally.
func (j *Jobs) EarningsRefresh(ctx context.Context) error {
	symbols, err := j.trackedSymbols()
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		fund, err := j.prices.GetFundamentals(ctx, sym)
		if err != nil || fund == nil || fund.NextEarning == "" {
			continue
		}
		if err := j.risk.Repo().UpsertEarnings(sym, fund.NextEarning); err != nil {
			return err
		}
	}
	return nil
}

// CongressTrades scans reported congressional transactions in tracked
// symbols and raises CONGRESS_TRADE signals for recent purchases.
func (j *Jobs) CongressTrades(ctx context.Context) error {
	if j.finnhub == nil || !j.finnhub.Configured() {
		j.log.Debug().Msg("congress trade scan skipped, no upstream configured")
		return nil
	}
	symbols, err := j.trackedSymbols()
	if err != nil {
		return err
	}
	from := time.Now().AddDate(0, 0, -7).Format(domain.DateFormat)
	to := time.Now().Format(domain.DateFormat)

	raised := 0
	for _, sym := range symbols {
		trades, err := j.finnhub.CongressionalTrading(ctx, sym, from, to)
		if err != nil {
			j.log.Warn().Err(err).Str("symbol", sym).Msg("congress trade fetch failed")
			continue
		}
		for _, t := range trades {
			if !strings.EqualFold(t.TransactionType, "purchase") {
				continue
			}
			if _, err := j.signals.Create(ctx, domain.Signal{
				Action:     domain.ActionBuy,
				Symbol:     sym,
				Confidence: 0.4,
				Source:     domain.SourceCongressTrade,
				Reasoning: fmt.Sprintf("congressional purchase by %s on %s ($%.0f-$%.0f)",
					t.Name, t.TransactionDate, t.AmountFrom, t.AmountTo),
			}); err != nil {
				j.log.Warn().Err(err).Str("symbol", sym).Msg("failed to raise congress trade signal")
				continue
			}
			raised++
			break // one signal per symbol per scan
		}
	}
	if raised > 0 {
		j.log.Info().Int("signals", raised).Msg("congress trade scan raised signals")
	}
	return nil
}

// TriggerScan runs the technical trigger scanner.
func (j *Jobs) TriggerScan(ctx context.Context) error {
	_, err := j.triggers.Scan(ctx)
	return err
}

// StaleThesisCheck demotes ACTIVE theses untouched for a month to
// WEAKENING and flags every stale thesis on the audit trail.
func (j *Jobs) StaleThesisCheck(ctx context.Context) error {
	stale, err := j.theses.Stale(staleThesisAge)
	if err != nil {
		return err
	}
	for _, t := range stale {
		if t.Status == domain.ThesisActive {
			evidence := fmt.Sprintf("no updates since %s", t.UpdatedAt.Format(domain.DateFormat))
			if _, err := j.theses.Transition(t.ID, domain.ThesisWeakening, "stale", evidence); err != nil {
				// Lost a race with a manual decision; the audit entry
				// below still flags it.
				if !domain.IsKind(err, domain.KindStateConflict) {
					return err
				}
			}
		}
		if err := j.audit.Record(domain.ActorScheduler, "thesis_stale",
			fmt.Sprintf("%q untouched since %s", t.Title, t.UpdatedAt.Format(domain.DateFormat)),
			"thesis", t.ID); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		j.log.Warn().Int("count", len(stale)).Msg("stale theses flagged")
	}
	return nil
}

// ExposureSnapshot persists the hourly exposure breakdown.
func (j *Jobs) ExposureSnapshot(ctx context.Context) error {
	snap, err := j.risk.CalculateExposure(ctx)
	if err != nil {
		return err
	}
	return j.values.SaveExposureSnapshot(*snap)
}

// WhatIfUpdate marks every counterfactual entry to market.
func (j *Jobs) WhatIfUpdate(ctx context.Context) error {
	_, err := j.whatifs.UpdateAll(ctx)
	return err
}

// OutcomeSnapshot evaluates and persists every thesis's outcome.
func (j *Jobs) OutcomeSnapshot(ctx context.Context) error {
	_, err := j.outcomes.EvaluateAll(ctx)
	return err
}

// DailyReconcile compares the local book against the broker.
func (j *Jobs) DailyReconcile(ctx context.Context) error {
	_, err := j.reconciler.DailyCheck(ctx)
	return err
}

// SignalExpiry ignores signals that sat pending for more than a day.
func (j *Jobs) SignalExpiry(ctx context.Context) error {
	_, err := j.signals.ExpireStale(ctx)
	return err
}

// PrincipleValidation deactivates principles with a bad record.
func (j *Jobs) PrincipleValidation(ctx context.Context) error {
	_, err := j.principles.ValidateAll()
	return err
}

// DatabaseBackup produces and uploads one database backup.
func (j *Jobs) DatabaseBackup(ctx context.Context) error {
	return j.backup.Run(ctx)
}
