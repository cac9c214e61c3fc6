package principles

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moves/internal/domain"
	"moves/internal/modules/audit"
	testutil "moves/internal/testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()
	return NewService(NewRepository(conn, log), audit.NewLogger(conn, log), log)
}

func TestCreate_DefaultsAndValidation(t *testing.T) {
	svc := newTestService(t)

	created, err := svc.Create(domain.Principle{Text: "avoid earnings week entries"})
	require.NoError(t, err)
	assert.True(t, created.Active)
	assert.InDelta(t, 0.05, created.Weight, 1e-9)

	_, err = svc.Create(domain.Principle{Text: "   "})
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.Create(domain.Principle{Text: "x", Weight: 0.5})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestMatch_WordOverlap(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(domain.Principle{Text: "technology momentum fades fast", Weight: 0.1})
	require.NoError(t, err)
	_, err = svc.Create(domain.Principle{Text: "never chase biotech binary events", Weight: 0.1})
	require.NoError(t, err)

	matched, err := svc.Match(MatchContext{Symbol: "NVDA", Sector: "Technology"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Contains(t, matched[0].Text, "technology")

	// Short words (< 4 chars) never match.
	_, err = svc.Create(domain.Principle{Text: "buy the dip", Weight: 0.1})
	require.NoError(t, err)
	matched, err = svc.Match(MatchContext{Keywords: []string{"buy", "dip"}})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestAdjustment_TanhScalingAndClipping(t *testing.T) {
	// A never-tested principle contributes nothing.
	assert.Zero(t, Adjustment([]domain.Principle{{Weight: 0.1}}))

	// A validated principle pulls up by weight*tanh((v-i)/(v+i+1)).
	p := domain.Principle{Weight: 0.1, ValidatedCount: 9, InvalidatedCount: 0}
	want := 0.1 * math.Tanh(9.0/10.0)
	assert.InDelta(t, want, Adjustment([]domain.Principle{p}), 1e-9)

	// An invalidated one pulls down symmetrically.
	n := domain.Principle{Weight: 0.1, ValidatedCount: 0, InvalidatedCount: 9}
	assert.InDelta(t, -want, Adjustment([]domain.Principle{n}), 1e-9)

	// The total is clipped to ±0.15 no matter how many principles match.
	var many []domain.Principle
	for i := 0; i < 10; i++ {
		many = append(many, domain.Principle{Weight: 0.2, ValidatedCount: 100})
	}
	assert.InDelta(t, 0.15, Adjustment(many), 1e-9)
	for i := range many {
		many[i].ValidatedCount, many[i].InvalidatedCount = 0, 100
	}
	assert.InDelta(t, -0.15, Adjustment(many), 1e-9)
}

func TestRecordOutcome_DeactivatesConsistentlyWrongPrinciple(t *testing.T) {
	svc := newTestService(t)

	created, err := svc.Create(domain.Principle{Text: "always buy dips in small caps", Weight: 0.1})
	require.NoError(t, err)

	// One validation, then five invalidations: 5 >= floor and 5 > 1+1.
	require.NoError(t, svc.RecordOutcome(created.ID, true))
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.RecordOutcome(created.ID, false))
		list, err := svc.List()
		require.NoError(t, err)
		assert.True(t, list[0].Active, "still active after %d invalidations", i+1)
	}
	require.NoError(t, svc.RecordOutcome(created.ID, false))

	list, err := svc.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
	assert.Equal(t, 5, list[0].InvalidatedCount)

	// Deactivated principles stop matching.
	matched, err := svc.Match(MatchContext{Keywords: []string{"always"}})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestValidateAll_SweepsBadPrinciples(t *testing.T) {
	svc := newTestService(t)

	good, err := svc.Create(domain.Principle{Text: "size down into earnings", Weight: 0.1})
	require.NoError(t, err)
	bad, err := svc.Create(domain.Principle{Text: "leverage always wins", Weight: 0.1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.repo.RecordOutcome(good.ID, true))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, svc.repo.RecordOutcome(bad.ID, false))
	}

	deactivated, err := svc.ValidateAll()
	require.NoError(t, err)
	assert.Equal(t, 1, deactivated)

	list, err := svc.List()
	require.NoError(t, err)
	for _, p := range list {
		if p.ID == good.ID {
			assert.True(t, p.Active)
		}
		if p.ID == bad.ID {
			assert.False(t, p.Active)
		}
	}
}
