package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/config"
	"moves/internal/domain"
	"moves/internal/modules/audit"
	"moves/internal/modules/portfolio"
	"moves/internal/modules/principles"
	"moves/internal/modules/risk"
	"moves/internal/modules/signals"
	"moves/internal/modules/thesis"
	testutil "moves/internal/testing"
)

// newTestRouter wires the routes the tests exercise against a real
// database. Handlers not under test stay nil.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	testutil.SeedAccount(t, db)
	testutil.SeedPortfolioValue(t, db, 50000, 50000)
	testutil.SeedRiskLimits(t, db)

	log := zerolog.Nop()
	conn := db.Conn()
	prices := testutil.NewStubPriceSource(map[string]float64{"NVDA": 130})
	auditLog := audit.NewLogger(conn, log)
	signalRepo := signals.NewRepository(conn, log)
	thesisRepo := thesis.NewRepository(conn, log)

	signalSvc := signals.NewService(conn, signalRepo,
		signals.NewScorer(config.ScoringConfig{}, signalRepo),
		thesisRepo,
		principles.NewService(principles.NewRepository(conn, log), auditLog, log),
		prices, auditLog, log)

	riskMgr := risk.NewManager(risk.NewRepository(conn, log),
		portfolio.NewPositionRepository(conn, log),
		portfolio.NewPortfolioRepository(conn, log),
		prices, log)

	srv := New(0, &Handlers{
		Signals: signalSvc,
		Risk:    riskMgr,
		Audit:   auditLog,
		Log:     log,
	}, NewPriceHub(log), log)
	return srv.Router()
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSignalRoutes_CreateGetReject(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/signals", map[string]interface{}{
		"action":     "BUY",
		"symbol":     "NVDA",
		"confidence": 0.7,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.SourceManual, created.Source, "source defaults to manual")
	assert.Equal(t, domain.SignalPending, created.Status)

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/signals/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/signals?status=PENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []domain.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)

	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/signals/%d/reject", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Already rejected; the status graph refuses a second decision.
	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/signals/%d/reject", created.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSignalRoutes_PartialModify(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/signals", map[string]interface{}{
		"action":     "BUY",
		"symbol":     "NVDA",
		"confidence": 0.7,
		"reasoning":  "initial read",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// A body naming only size_pct leaves confidence and reasoning alone.
	rec = doJSON(t, router, http.MethodPut, fmt.Sprintf("/api/signals/%d", created.ID),
		map[string]interface{}{"size_pct": 0.06})
	require.Equal(t, http.StatusOK, rec.Code)
	var modified domain.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &modified))
	require.NotNil(t, modified.SizePct)
	assert.InDelta(t, 0.06, *modified.SizePct, 1e-9)
	assert.InDelta(t, created.Confidence, modified.Confidence, 1e-9)
	assert.Equal(t, "initial read", modified.Reasoning)

	// An empty body modifies nothing and says so.
	rec = doJSON(t, router, http.MethodPut, fmt.Sprintf("/api/signals/%d", created.ID),
		map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignalRoutes_ErrorStatuses(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/signals/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/signals/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/signals", map[string]interface{}{
		"action":     "BUY",
		"symbol":     "NVDA",
		"confidence": 1.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskRoutes_KillSwitchRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/risk/killswitch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.KillSwitchState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.Active)

	rec = doJSON(t, router, http.MethodPost, "/api/risk/killswitch", map[string]interface{}{
		"active": true,
		"reason": "stepping away",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.Active)
	assert.Equal(t, "stepping away", state.Reason)
}

func TestRiskRoutes_UpdateLimit(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/api/risk/limits/max_position_pct",
		map[string]interface{}{"value": 0.15})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/risk/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var limits map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	assert.Equal(t, 0.15, limits["max_position_pct"])
}

func TestWriteError_KindToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.Validationf("bad input"), http.StatusBadRequest},
		{domain.NotFoundf("missing"), http.StatusNotFound},
		{domain.StateConflictf("wrong state"), http.StatusConflict},
		{domain.RiskBlockedf("kill_switch", "blocked"), http.StatusUnprocessableEntity},
		{domain.BrokerErr(true, "broker down", nil), http.StatusBadGateway},
		{domain.Upstreamf("quote feed down"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, "error %v", tc.err)
	}
}
