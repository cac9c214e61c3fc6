package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"moves/internal/core"
	"moves/internal/domain"
	"moves/internal/modules/outcomes"
	"moves/internal/modules/portfolio"
	"moves/internal/modules/principles"
	"moves/internal/modules/reconcile"
	"moves/internal/modules/risk"
	"moves/internal/modules/signals"
	"moves/internal/modules/thesis"
	"moves/internal/modules/whatif"
	"moves/internal/scheduler"
)

// Handlers holds the services the API fronts.
type Handlers struct {
	Signals      *signals.Service
	Theses       *thesis.Service
	Principles   *principles.Service
	Positions    *portfolio.PositionRepository
	Values       *portfolio.PortfolioRepository
	Trades       *portfolio.TradeRepository
	Risk         *risk.Manager
	WhatIfs      *whatif.Tracker
	Outcomes     *outcomes.Tracker
	Reconciler   *reconcile.Reconciler
	Orchestrator *core.Orchestrator
	Jobs         *core.Jobs
	Scheduler    *scheduler.Scheduler
	HealthCheck  *core.HealthChecker
	Audit        auditReader
	Log          zerolog.Logger
}

type auditReader interface {
	Recent(limit int) ([]domain.AuditEntry, error)
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, domain.Validationf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func limitParam(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Health serves the aggregated health report.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	report := h.HealthCheck.Check(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// --- signals ---

// ListSignals returns signals, filterable by ?status=.
func (h *Handlers) ListSignals(w http.ResponseWriter, r *http.Request) {
	status := domain.SignalStatus(r.URL.Query().Get("status"))
	sigs, err := h.Signals.List(status, limitParam(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if sigs == nil {
		sigs = []domain.Signal{}
	}
	writeJSON(w, http.StatusOK, sigs)
}

// CreateSignal stores a new manual signal and runs it through the
// pipeline.
func (h *Handlers) CreateSignal(w http.ResponseWriter, r *http.Request) {
	var req domain.Signal
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	if req.Source == "" {
		req.Source = domain.SourceManual
	}
	sig, err := h.Signals.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

// GetSignal returns one signal.
func (h *Handlers) GetSignal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := h.Signals.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// ApproveSignal approves a pending signal and executes it.
func (h *Handlers) ApproveSignal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.Signals.Transition(r.Context(), id, domain.SignalApproved, domain.ActorUser); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Orchestrator.ExecuteApproved(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectSignal rejects a pending signal.
func (h *Handlers) RejectSignal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := h.Signals.Transition(r.Context(), id, domain.SignalRejected, domain.ActorUser)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// ModifySignal rewrites the mutable fields of a pending signal.
func (h *Handlers) ModifySignal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Pointer fields so a partial body only touches what it names.
	var req struct {
		SizePct    *float64 `json:"size_pct"`
		Confidence *float64 `json:"confidence"`
		Reasoning  *string  `json:"reasoning"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	sig, err := h.Signals.Modify(id, req.SizePct, req.Confidence, req.Reasoning)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// ProcessSignal runs one pending signal through risk, approval and
// execution.
func (h *Handlers) ProcessSignal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Orchestrator.ProcessSignal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- theses ---

// ListTheses returns theses, filterable by ?status=.
func (h *Handlers) ListTheses(w http.ResponseWriter, r *http.Request) {
	theses, err := h.Theses.List(domain.ThesisStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	if theses == nil {
		theses = []domain.Thesis{}
	}
	writeJSON(w, http.StatusOK, theses)
}

// CreateThesis stores a new thesis.
func (h *Handlers) CreateThesis(w http.ResponseWriter, r *http.Request) {
	var req domain.Thesis
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := h.Theses.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetThesis returns one thesis.
func (h *Handlers) GetThesis(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := h.Theses.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ThesisVersions returns the status history of one thesis.
func (h *Handlers) ThesisVersions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	versions, err := h.Theses.Versions(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if versions == nil {
		versions = []domain.ThesisVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

// TransitionThesis moves a thesis along the status graph.
func (h *Handlers) TransitionThesis(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Status   domain.ThesisStatus `json:"status"`
		Reason   string              `json:"reason"`
		Evidence string              `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := h.Theses.Transition(id, req.Status, req.Reason, req.Evidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AddThesisSymbols adds symbols to a thesis.
func (h *Handlers) AddThesisSymbols(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := h.Theses.AddSymbols(id, req.Symbols)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ThesisOutcomes returns the outcome history of one thesis.
func (h *Handlers) ThesisOutcomes(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := h.Outcomes.History(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []outcomes.Outcome{}
	}
	writeJSON(w, http.StatusOK, history)
}

// --- principles ---

// ListPrinciples returns every principle.
func (h *Handlers) ListPrinciples(w http.ResponseWriter, r *http.Request) {
	list, err := h.Principles.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Principle{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreatePrinciple stores a new principle.
func (h *Handlers) CreatePrinciple(w http.ResponseWriter, r *http.Request) {
	var req domain.Principle
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	p, err := h.Principles.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- portfolio ---

// ListPositions returns open positions.
func (h *Handlers) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.Positions.GetOpen()
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// Performance returns the daily NAV series, default last 90 days.
func (h *Handlers) Performance(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since == "" {
		since = time.Now().AddDate(0, -3, 0).Format(domain.DateFormat)
	}
	values, err := h.Values.ValuesSince(since)
	if err != nil {
		writeError(w, err)
		return
	}
	if values == nil {
		values = []domain.PortfolioValue{}
	}
	writeJSON(w, http.StatusOK, values)
}

// Drawdown returns the current drawdown from the all-time peak.
func (h *Handlers) Drawdown(w http.ResponseWriter, r *http.Request) {
	dd, err := h.Risk.CurrentDrawdown()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"drawdown": dd})
}

// Exposure returns the live exposure breakdown.
func (h *Handlers) Exposure(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Risk.CalculateExposure(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListTrades returns recent trades.
func (h *Handlers) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Trades.GetRecent(limitParam(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// RunReconcile runs a reconciliation pass with auto-sync.
func (h *Handlers) RunReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.DailyCheck(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- risk ---

// ListRiskLimits returns every risk limit.
func (h *Handlers) ListRiskLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := h.Risk.Repo().Limits()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// SetRiskLimit updates one limit.
func (h *Handlers) SetRiskLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	limitType := chi.URLParam(r, "type")
	if err := h.Risk.Repo().SetLimit(limitType, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"limit_type": limitType, "value": req.Value})
}

// GetKillSwitch returns the kill switch state.
func (h *Handlers) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	state, err := h.Risk.Repo().KillSwitch()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SetKillSwitch activates or clears the kill switch.
func (h *Handlers) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	if err := h.Risk.Repo().SetKillSwitch(req.Active, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	state, err := h.Risk.Repo().KillSwitch()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- read models ---

// ListWhatIfs returns every counterfactual entry.
func (h *Handlers) ListWhatIfs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.WhatIfs.Entries()
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []whatif.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// WhatIfSummary returns the aggregated counterfactual record.
func (h *Handlers) WhatIfSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.WhatIfs.GetSummary()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AllOutcomes evaluates and returns every thesis outcome.
func (h *Handlers) AllOutcomes(w http.ResponseWriter, r *http.Request) {
	out, err := h.Outcomes.EvaluateAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []outcomes.Outcome{}
	}
	writeJSON(w, http.StatusOK, out)
}

// SourceStats returns the per-source accuracy records.
func (h *Handlers) SourceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Signals.SourceStats()
	if err != nil {
		writeError(w, err)
		return
	}
	if stats == nil {
		stats = []signals.SourceStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListJobs returns the scheduled job table.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Scheduler.Tasks()
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// RunJob triggers one job immediately.
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fn, ok := h.Jobs.Find(name)
	if !ok {
		writeError(w, domain.NotFoundf("job %s not found", name))
		return
	}
	go h.Scheduler.RunNow(name, fn)
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "triggered"})
}

// AuditLog returns recent audit entries.
func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Audit.Recent(limitParam(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
