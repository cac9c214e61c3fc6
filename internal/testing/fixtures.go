package testing

import (
	"testing"
	"time"

	"moves/internal/database"
	"moves/internal/domain"
)

// SeedAccount inserts the default account and returns its id.
func SeedAccount(t *testing.T, db *database.DB) int64 {
	t.Helper()
	result, err := db.Exec(`INSERT INTO accounts (user_id, name, broker, account_type, active)
		VALUES ('default', 'Test Account', 'mock', 'individual', 1)`)
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read account id: %v", err)
	}
	return id
}

// SeedPortfolioValue inserts today's NAV row with the given cash.
func SeedPortfolioValue(t *testing.T, db *database.DB, totalValue, cash float64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO portfolio_values (date, total_value, cash)
		VALUES (?, ?, ?)`,
		time.Now().Format(domain.DateFormat), totalValue, cash)
	if err != nil {
		t.Fatalf("failed to seed portfolio value: %v", err)
	}
}

// SeedRiskLimits inserts permissive default risk limits.
func SeedRiskLimits(t *testing.T, db *database.DB) {
	t.Helper()
	limits := map[string]float64{
		domain.LimitMaxPositionPct:   0.10,
		domain.LimitMaxSectorPct:     0.30,
		domain.LimitMaxGrossExposure: 1.5,
		domain.LimitNetExposureMin:   -0.5,
		domain.LimitNetExposureMax:   1.2,
		domain.LimitMaxDrawdown:      0.20,
		domain.LimitDailyLossLimit:   0.03,
	}
	for limitType, value := range limits {
		if _, err := db.Exec(`INSERT INTO risk_limits (limit_type, value) VALUES (?, ?)
			ON CONFLICT(limit_type) DO UPDATE SET value = excluded.value`,
			limitType, value); err != nil {
			t.Fatalf("failed to seed risk limit %s: %v", limitType, err)
		}
	}
}

// SeedThesis inserts an ACTIVE thesis and returns its id.
func SeedThesis(t *testing.T, db *database.DB, title string, symbols string, conviction float64) int64 {
	t.Helper()
	result, err := db.Exec(`INSERT INTO theses (user_id, title, status, symbols, conviction)
		VALUES ('default', ?, 'ACTIVE', ?, ?)`,
		title, symbols, conviction)
	if err != nil {
		t.Fatalf("failed to seed thesis: %v", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read thesis id: %v", err)
	}
	return id
}

// SeedSignal inserts a signal row in the given status and returns its id.
func SeedSignal(t *testing.T, db *database.DB, symbol string, action domain.SignalAction,
	status domain.SignalStatus, confidence float64) int64 {
	t.Helper()
	result, err := db.Exec(`INSERT INTO signals (user_id, action, symbol, confidence, source, status)
		VALUES ('default', ?, ?, ?, 'MANUAL', ?)`,
		string(action), symbol, confidence, string(status))
	if err != nil {
		t.Fatalf("failed to seed signal: %v", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read signal id: %v", err)
	}
	return id
}
