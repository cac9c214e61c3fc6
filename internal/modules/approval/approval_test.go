package approval

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/config"
	"moves/internal/domain"
	"moves/internal/modules/thesis"
	testutil "moves/internal/testing"
)

// defaultRules mirrors the shipped configuration defaults.
var defaultRules = config.ApprovalConfig{
	AutoApproveNotional:   500,
	AutoApproveConfidence: 0.9,
}

func newTestEngine(t *testing.T, cfg config.ApprovalConfig) (*Engine, func(status string) int64) {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	conn := db.Conn()
	engine := NewEngine(conn, thesis.NewRepository(conn, zerolog.Nop()), cfg, zerolog.Nop())

	seedThesis := func(status string) int64 {
		id := testutil.SeedThesis(t, db, "thesis", `["NVDA"]`, 0.8)
		_, err := conn.Exec(`UPDATE theses SET status = ? WHERE id = ?`, status, id)
		require.NoError(t, err)
		return id
	}
	return engine, seedThesis
}

func TestEvaluate_SmallOrdersAutoApprove(t *testing.T) {
	engine, _ := newTestEngine(t, defaultRules)

	d, err := engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA",
		Confidence: 0.2, Source: domain.SourceManual,
	}, 499)
	require.NoError(t, err)
	assert.True(t, d.AutoApproved)

	d, err = engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA",
		Confidence: 0.2, Source: domain.SourceManual,
	}, 500)
	require.NoError(t, err)
	assert.False(t, d.AutoApproved)
}

func TestEvaluate_RebalanceAutoApproves(t *testing.T) {
	engine, _ := newTestEngine(t, defaultRules)

	d, err := engine.Evaluate(domain.Signal{
		Action: domain.ActionSell, Symbol: "NVDA",
		Confidence: 0.4, Source: domain.SourceRebalance,
	}, 25000)
	require.NoError(t, err)
	assert.True(t, d.AutoApproved)
}

func TestEvaluate_ConfirmedThesisHighConfidence(t *testing.T) {
	engine, seedThesis := newTestEngine(t, defaultRules)

	confirmed := seedThesis("CONFIRMED")
	d, err := engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", ThesisID: &confirmed,
		Confidence: 0.92, Source: domain.SourceThesisUpdate,
	}, 10000)
	require.NoError(t, err)
	assert.True(t, d.AutoApproved)

	// High confidence alone is not enough without a CONFIRMED thesis.
	active := seedThesis("ACTIVE")
	d, err = engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", ThesisID: &active,
		Confidence: 0.95, Source: domain.SourceThesisUpdate,
	}, 10000)
	require.NoError(t, err)
	assert.False(t, d.AutoApproved)

	// Confirmed thesis with low confidence still waits for the user.
	d, err = engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", ThesisID: &confirmed,
		Confidence: 0.7, Source: domain.SourceThesisUpdate,
	}, 10000)
	require.NoError(t, err)
	assert.False(t, d.AutoApproved)
}

func TestEvaluate_ThresholdsComeFromConfig(t *testing.T) {
	engine, seedThesis := newTestEngine(t, config.ApprovalConfig{
		AutoApproveNotional:   2000,
		AutoApproveConfidence: 0.8,
	})

	// 1500 sits under the raised notional ceiling.
	d, err := engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA",
		Confidence: 0.2, Source: domain.SourceManual,
	}, 1500)
	require.NoError(t, err)
	assert.True(t, d.AutoApproved)

	// 0.85 clears the lowered confidence floor with a CONFIRMED thesis.
	confirmed := seedThesis("CONFIRMED")
	d, err = engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA", ThesisID: &confirmed,
		Confidence: 0.85, Source: domain.SourceThesisUpdate,
	}, 10000)
	require.NoError(t, err)
	assert.True(t, d.AutoApproved)
}

func TestEvaluate_NoThesisDefaultsToManual(t *testing.T) {
	engine, _ := newTestEngine(t, defaultRules)

	d, err := engine.Evaluate(domain.Signal{
		Action: domain.ActionBuy, Symbol: "NVDA",
		Confidence: 0.95, Source: domain.SourceManual,
	}, 10000)
	require.NoError(t, err)
	assert.False(t, d.AutoApproved)
	assert.Equal(t, "manual approval required", d.Reason)
}
