package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

// retryDelays is the backoff sequence applied to a failing run before the
// job is marked failed.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Scheduler wraps the cron runner with market-time scheduling, per-job
// overlap protection, retries and persisted job state.
type Scheduler struct {
	cron    *cron.Cron
	repo    *Repository
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	locks   map[string]*sync.Mutex
	mu      sync.Mutex
}

// New creates a scheduler running in America/New_York. Market schedules
// are written in exchange time so DST never shifts them.
func New(repo *Repository, log zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load market timezone: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		repo:    repo,
		log:     log.With().Str("component", "scheduler").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Register adds a named job on a cron schedule. A run that is still going
// when the next tick fires is not joined by a second run; the tick is
// dropped.
func (s *Scheduler) Register(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	lock := &sync.Mutex{}
	s.locks[name] = lock

	id, err := s.cron.AddFunc(schedule, func() {
		if !lock.TryLock() {
			s.log.Warn().Str("job", name).Msg("previous run still active, skipping tick")
			return
		}
		defer lock.Unlock()
		s.run(name, fn)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.entries[name] = id

	if err := s.repo.Register(name, schedule); err != nil {
		return err
	}
	s.log.Info().Str("job", name).Str("schedule", schedule).Msg("job registered")
	return nil
}

// run executes one job with retries and records the result.
func (s *Scheduler) run(name string, fn JobFunc) {
	started := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(s.ctx)
		if err == nil {
			break
		}
		if attempt >= len(retryDelays) {
			break
		}
		s.log.Warn().Err(err).Str("job", name).Int("attempt", attempt+1).
			Dur("backoff", retryDelays[attempt]).Msg("job failed, retrying")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(retryDelays[attempt]):
		}
	}

	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("job failed after retries")
		if markErr := s.repo.MarkFailed(name, started, err); markErr != nil {
			s.log.Error().Err(markErr).Str("job", name).Msg("failed to persist job failure")
		}
		return
	}

	next := s.nextRun(name)
	if markErr := s.repo.MarkRun(name, started, next); markErr != nil {
		s.log.Error().Err(markErr).Str("job", name).Msg("failed to persist job run")
	}
	s.log.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("job completed")
}

func (s *Scheduler) nextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		return s.cron.Entry(id).Next
	}
	return time.Time{}
}

// RunNow triggers one job immediately, outside its schedule. Used by the
// manual job-trigger endpoint.
func (s *Scheduler) RunNow(name string, fn JobFunc) {
	s.mu.Lock()
	lock, ok := s.locks[name]
	s.mu.Unlock()
	if ok && !lock.TryLock() {
		s.log.Warn().Str("job", name).Msg("job already running, manual trigger ignored")
		return
	}
	if ok {
		defer lock.Unlock()
	}
	s.run(name, fn)
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
}

// Stop cancels running jobs and waits for the cron runner to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// Tasks returns the persisted job table.
func (s *Scheduler) Tasks() ([]domain.ScheduledTask, error) {
	return s.repo.Tasks()
}
