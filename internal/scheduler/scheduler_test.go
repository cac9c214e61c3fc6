package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "moves/internal/testing"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db, _ := testutil.NewTestDB(t)
	s, err := New(NewRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)
	return s
}

// shortRetries swaps the backoff sequence so failure tests finish fast.
func shortRetries(t *testing.T) {
	t.Helper()
	old := retryDelays
	retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryDelays = old })
}

func TestRegister_PersistsTaskRow(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Register("nav_snapshot", "15 16 * * 1-5",
		func(ctx context.Context) error { return nil }))

	tasks, err := s.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "nav_snapshot", tasks[0].Name)
	assert.Equal(t, "15 16 * * 1-5", tasks[0].Schedule)
	assert.Equal(t, "active", tasks[0].Status)
	assert.Nil(t, tasks[0].LastRun)
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	s := newTestScheduler(t)
	fn := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register("signal_expiry", "0 * * * *", fn))
	assert.Error(t, s.Register("signal_expiry", "0 * * * *", fn))
}

func TestRegister_RejectsBadSchedule(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Register("broken", "not a cron spec",
		func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestRunNow_MarksSuccessfulRun(t *testing.T) {
	s := newTestScheduler(t)
	ran := 0
	require.NoError(t, s.Register("whatif_update", "30 16 * * 1-5",
		func(ctx context.Context) error { ran++; return nil }))

	s.RunNow("whatif_update", func(ctx context.Context) error { ran++; return nil })
	assert.Equal(t, 1, ran)

	tasks, err := s.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "active", tasks[0].Status)
	require.NotNil(t, tasks[0].LastRun)
	assert.Empty(t, tasks[0].ErrorLog)
}

func TestRunNow_RetriesBeforeMarkingFailed(t *testing.T) {
	shortRetries(t)
	s := newTestScheduler(t)
	require.NoError(t, s.Register("daily_reconcile", "50 16 * * 1-5",
		func(ctx context.Context) error { return nil }))

	attempts := 0
	s.RunNow("daily_reconcile", func(ctx context.Context) error {
		attempts++
		return errors.New("broker unreachable")
	})
	assert.Equal(t, 4, attempts, "one run plus three retries")

	tasks, err := s.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "failed", tasks[0].Status)
	assert.Equal(t, "broker unreachable", tasks[0].ErrorLog)
}

func TestRunNow_RecoveryClearsErrorLog(t *testing.T) {
	shortRetries(t)
	s := newTestScheduler(t)
	require.NoError(t, s.Register("price_update", "*/15 9-15 * * 1-5",
		func(ctx context.Context) error { return nil }))

	s.RunNow("price_update", func(ctx context.Context) error { return errors.New("boom") })
	s.RunNow("price_update", func(ctx context.Context) error { return nil })

	tasks, err := s.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "active", tasks[0].Status)
	assert.Empty(t, tasks[0].ErrorLog)
}

func TestRunNow_SkipsWhenJobAlreadyRunning(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Register("db_backup", "0 2 * * *",
		func(ctx context.Context) error { return nil }))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunNow("db_backup", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	second := 0
	s.RunNow("db_backup", func(ctx context.Context) error { second++; return nil })
	assert.Zero(t, second, "overlapping manual trigger is dropped")
	close(release)
	<-done
}

func TestRetryRespectsShutdown(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Register("signal_expiry", "0 * * * *",
		func(ctx context.Context) error { return nil }))

	attempts := 0
	s.cancel()
	s.RunNow("signal_expiry", func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})
	assert.Equal(t, 1, attempts, "no retries after shutdown")
}
