// Package di wires the application's dependencies. Wire builds the full
// object graph in dependency order: database, repositories, services,
// broker, scheduler and HTTP server.
package di

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/broker"
	"moves/internal/config"
	"moves/internal/core"
	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/approval"
	"moves/internal/modules/audit"
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
	"moves/internal/reliability"
	"moves/internal/scheduler"
	"moves/internal/server"
)

// Container holds every wired component the entry point needs to run
// and shut down the application.
type Container struct {
	Config *config.Config
	DB     *database.DB
	Log    zerolog.Logger

	Pricing    *pricing.Service
	Broker     domain.Broker
	Audit      *audit.Logger
	Theses     *thesis.Service
	Signals    *signals.Service
	Principles *principles.Service
	Risk       *risk.Manager
	WhatIfs    *whatif.Tracker
	Outcomes   *outcomes.Tracker
	Reconciler *reconcile.Reconciler

	Orchestrator *core.Orchestrator
	Jobs         *core.Jobs
	Health       *core.HealthChecker

	Scheduler *scheduler.Scheduler
	Hub       *server.PriceHub
	Server    *server.Server
	Backup    *reliability.BackupManager
}

// Close releases the container's database connection.
func (c *Container) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// Wire constructs the full dependency graph for the given configuration.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path: cfg.DatabasePath(),
		Name: fmt.Sprintf("moves_%s", cfg.Mode),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	conn := db.Conn()

	// Repositories.
	auditLog := audit.NewLogger(conn, log)
	positions := portfolio.NewPositionRepository(conn, log)
	lots := portfolio.NewLotRepository(conn, log)
	trades := portfolio.NewTradeRepository(conn, log)
	values := portfolio.NewPortfolioRepository(conn, log)
	orders := broker.NewOrderRepository(conn, log)
	historyRepo := pricing.NewHistoryRepository(conn, log)
	thesisRepo := thesis.NewRepository(conn, log)
	principleRepo := principles.NewRepository(conn, log)
	signalRepo := signals.NewRepository(conn, log)
	whatifRepo := whatif.NewRepository(conn, log)
	outcomeRepo := outcomes.NewRepository(conn, log)
	riskRepo := risk.NewRepository(conn, log)
	schedRepo := scheduler.NewRepository(conn, log)

	// First-boot seeding: default account, risk limits and, in mock
	// mode, the opening cash balance.
	accountID, err := ensureAccount(conn, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := riskRepo.SeedLimits(cfg.Risk); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to seed risk limits: %w", err)
	}
	if cfg.Mode == config.ModeMock {
		if err := ensureOpeningBalance(conn, cfg.InitialCash); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	// Pricing.
	yahoo := pricing.NewYahooClient(log)
	finnhub := pricing.NewFinnhubClient(cfg.FinnhubAPIKey, log)
	prices := pricing.NewService(yahoo, finnhub, historyRepo, log)

	// Broker: paper book in mock mode, Schwab in live mode.
	var brk domain.Broker
	if cfg.Mode == config.ModeLive {
		brk = broker.NewSchwab(cfg.Schwab, log)
	} else {
		brk = broker.NewMock(broker.MockDeps{
			DB:        db,
			Prices:    prices,
			Positions: positions,
			Lots:      lots,
			Trades:    trades,
			Values:    values,
			Orders:    orders,
			Audit:     auditLog,
			AccountID: accountID,
		}, log)
	}

	// Services.
	thesisSvc := thesis.NewService(conn, thesisRepo, auditLog, log)
	principleSvc := principles.NewService(principleRepo, auditLog, log)
	scorer := signals.NewScorer(cfg.Scoring, signalRepo)
	signalSvc := signals.NewService(conn, signalRepo, scorer, thesisRepo,
		principleSvc, prices, auditLog, log)
	whatifTracker := whatif.NewTracker(whatifRepo, prices, log)
	signalSvc.SetPassRecorder(whatifTracker)

	riskMgr := risk.NewManager(riskRepo, positions, values, prices, log)
	approvalEng := approval.NewEngine(conn, thesisRepo, cfg.Approval, log)
	reconciler := reconcile.NewReconciler(positions, brk, auditLog, log)
	outcomeTracker := outcomes.NewTracker(outcomeRepo, thesisRepo, historyRepo, prices, conn, log)
	triggerScanner := triggers.NewScanner(thesisRepo, positions, historyRepo, signalSvc, log)

	orchestrator := core.NewOrchestrator(conn, signalSvc, riskMgr, approvalEng,
		brk, prices, values, auditLog, accountID, log)

	// Backups are optional; the job is only registered when configured.
	var backup *reliability.BackupManager
	if cfg.Backup.Bucket != "" {
		backup, err = reliability.NewBackupManager(ctx, cfg.Backup, db, log)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize backup manager: %w", err)
		}
	}

	hub := server.NewPriceHub(log)

	jobDeps := core.JobDeps{
		Prices:      prices,
		Finnhub:     finnhub,
		Positions:   positions,
		Values:      values,
		Theses:      thesisSvc,
		Signals:     signalSvc,
		Principles:  principleSvc,
		WhatIfs:     whatifTracker,
		Outcomes:    outcomeTracker,
		Triggers:    triggerScanner,
		Risk:        riskMgr,
		Reconciler:  reconciler,
		Audit:       auditLog,
		Broadcaster: hub,
	}
	if backup != nil {
		jobDeps.Backup = backup
	}
	jobs := core.NewJobs(jobDeps, log)

	sched, err := scheduler.New(schedRepo, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := jobs.RegisterAll(sched); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register scheduled jobs: %w", err)
	}

	health := core.NewHealthChecker(db, riskMgr, brk, string(cfg.Mode), log)

	handlers := &server.Handlers{
		Signals:      signalSvc,
		Theses:       thesisSvc,
		Principles:   principleSvc,
		Positions:    positions,
		Values:       values,
		Trades:       trades,
		Risk:         riskMgr,
		WhatIfs:      whatifTracker,
		Outcomes:     outcomeTracker,
		Reconciler:   reconciler,
		Orchestrator: orchestrator,
		Jobs:         jobs,
		Scheduler:    sched,
		HealthCheck:  health,
		Audit:        auditLog,
		Log:          log,
	}
	srv := server.New(cfg.Port, handlers, hub, log)

	return &Container{
		Config:       cfg,
		DB:           db,
		Log:          log,
		Pricing:      prices,
		Broker:       brk,
		Audit:        auditLog,
		Theses:       thesisSvc,
		Signals:      signalSvc,
		Principles:   principleSvc,
		Risk:         riskMgr,
		WhatIfs:      whatifTracker,
		Outcomes:     outcomeTracker,
		Reconciler:   reconciler,
		Orchestrator: orchestrator,
		Jobs:         jobs,
		Health:       health,
		Scheduler:    sched,
		Hub:          hub,
		Server:       srv,
		Backup:       backup,
	}, nil
}

// ensureAccount returns the active account's id, creating the default
// single-user account on first boot.
func ensureAccount(conn *sql.DB, cfg *config.Config) (int64, error) {
	var id int64
	err := conn.QueryRow(`SELECT id FROM accounts WHERE active = 1 ORDER BY id LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up account: %w", err)
	}

	brokerName := "mock"
	accountHash := ""
	if cfg.Mode == config.ModeLive {
		brokerName = "schwab"
		accountHash = cfg.Schwab.AccountHash
	}
	result, err := conn.Exec(`INSERT INTO accounts (user_id, name, broker, account_type, account_hash, active)
		VALUES ('default', 'Primary', ?, 'individual', ?, 1)`,
		brokerName, accountHash)
	if err != nil {
		return 0, fmt.Errorf("failed to create default account: %w", err)
	}
	id, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read account id: %w", err)
	}
	return id, nil
}

// ensureOpeningBalance writes the first NAV row so the mock book starts
// with cash to trade. No-op once any portfolio value exists.
func ensureOpeningBalance(conn *sql.DB, cash float64) error {
	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM portfolio_values`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count portfolio values: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := conn.Exec(`INSERT INTO portfolio_values (date, total_value, cash)
		VALUES (?, ?, ?)`,
		time.Now().Format(domain.DateFormat), cash, cash)
	if err != nil {
		return fmt.Errorf("failed to seed opening balance: %w", err)
	}
	return nil
}
