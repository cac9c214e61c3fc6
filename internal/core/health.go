package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"moves/internal/database"
	"moves/internal/domain"
	"moves/internal/modules/risk"
)

// Health is the full health report served at /health.
type Health struct {
	Status     string  `json:"status"` // ok | degraded
	Mode       string  `json:"mode"`
	Uptime     string  `json:"uptime"`
	Database   string  `json:"database"`
	Broker     string  `json:"broker"`
	KillSwitch bool    `json:"kill_switch"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// HealthChecker aggregates process, store and broker health.
type HealthChecker struct {
	db      *database.DB
	risk    *risk.Manager
	broker  domain.Broker
	mode    string
	started time.Time
	log     zerolog.Logger
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(db *database.DB, riskMgr *risk.Manager, broker domain.Broker, mode string, log zerolog.Logger) *HealthChecker {
	return &HealthChecker{
		db:      db,
		risk:    riskMgr,
		broker:  broker,
		mode:    mode,
		started: time.Now(),
		log:     log.With().Str("component", "health").Logger(),
	}
}

// Check runs every probe and aggregates the result. Probes are best
// effort: a failing probe degrades the report, it never errors the
// endpoint.
func (h *HealthChecker) Check(ctx context.Context) Health {
	report := Health{
		Status:   "ok",
		Mode:     h.mode,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Database: "ok",
		Broker:   "ok",
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.db.QuickCheck(probeCtx); err != nil {
		report.Database = err.Error()
		report.Status = "degraded"
	}

	ks, err := h.risk.Repo().KillSwitch()
	if err != nil {
		report.Status = "degraded"
	} else {
		report.KillSwitch = ks.Active
	}

	if _, err := h.broker.GetAccountBalance(probeCtx); err != nil {
		report.Broker = err.Error()
		report.Status = "degraded"
	}

	if percents, err := cpu.PercentWithContext(probeCtx, 0, false); err == nil && len(percents) > 0 {
		report.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(probeCtx); err == nil {
		report.MemPercent = vm.UsedPercent
	}

	return report
}
