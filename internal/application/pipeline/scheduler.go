package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
)

// Pinger probes the database before the scheduler is allowed to start.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobStatus tracks one periodic job.
type JobStatus struct {
	Name     string    `json:"name"`
	Interval string    `json:"interval"`
	LastRun  time.Time `json:"last_run"`
	LastSkip time.Time `json:"last_skip"`
	Runs     int       `json:"runs"`
	Skips    int       `json:"skips"`
	Errors   int       `json:"errors"`
}

// Scheduler owns the three periodic jobs. The runner's single-holder lock
// keeps at most one run in flight, HTTP-triggered runs included; ticks
// arriving while the lock is held are skipped, never queued.
type Scheduler struct {
	runner   *Runner
	pinger   Pinger
	settings *config.Settings
	log      zerolog.Logger

	rand *rand.Rand

	mu      sync.Mutex
	started time.Time
	status  map[string]*JobStatus
}

// NewScheduler wires the scheduler over a runner.
func NewScheduler(runner *Runner, pinger Pinger, settings *config.Settings, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		pinger:   pinger,
		settings: settings,
		log:      log.With().Str("component", "scheduler").Logger(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		status:   make(map[string]*JobStatus),
	}
}

type job struct {
	name     string
	interval time.Duration
	offset   time.Duration
	run      func(context.Context) (*Result, error)
}

func (s *Scheduler) jobs() []job {
	return []job{
		{
			name:     models.RunTypeIngest,
			interval: time.Duration(s.settings.SchedIngestIntervalSec) * time.Second,
			offset:   0,
			run:      func(ctx context.Context) (*Result, error) { return s.runner.RunIngest(ctx) },
		},
		{
			name:     models.RunTypePicks,
			interval: time.Duration(s.settings.SchedPicksIntervalSec) * time.Second,
			offset:   60 * time.Second,
			run:      func(ctx context.Context) (*Result, error) { return s.runner.RunPicks(ctx) },
		},
		{
			name:     models.RunTypeCLV,
			interval: time.Duration(s.settings.SchedCLVIntervalSec) * time.Second,
			offset:   120 * time.Second,
			run:      func(ctx context.Context) (*Result, error) { return s.runner.RunCLV(ctx, false) },
		},
	}
}

// Start refuses when scheduling is disabled or the required database probe
// fails, then runs the three job loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.settings.EnableScheduler {
		return errs.New(errs.KindInvalidArgument, "scheduler is disabled, set ENABLE_SCHEDULER=true")
	}
	if s.settings.SchedRequireDB {
		if err := s.pinger.Ping(ctx); err != nil {
			return errs.Wrap(errs.KindInternal, "scheduler requires a reachable database", err)
		}
	}

	jobs := s.jobs()
	s.mu.Lock()
	s.started = time.Now().UTC()
	for _, j := range jobs {
		s.status[j.name] = &JobStatus{Name: j.name, Interval: j.interval.String()}
	}
	s.mu.Unlock()

	s.log.Info().
		Int("jobs", len(jobs)).
		Int("max_concurrent", s.settings.SchedMaxConcurrent).
		Msg("scheduler starting")

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()
	s.log.Info().Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	// Staggered first fire plus random jitter so the jobs never align.
	select {
	case <-ctx.Done():
		return
	case <-time.After(j.offset + s.jitter()):
	}
	s.fire(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.jitter()):
			}
			s.fire(ctx, j)
		}
	}
}

// fire runs the job if the run lock is free, otherwise records a skip.
func (s *Scheduler) fire(ctx context.Context, j job) {
	if !s.runner.TryAcquire() {
		s.mu.Lock()
		st := s.status[j.name]
		st.Skips++
		st.LastSkip = time.Now().UTC()
		s.mu.Unlock()
		s.log.Warn().Str("job", j.name).Msg("tick skipped, another run holds the lock")
		return
	}
	defer s.runner.Release()

	result, err := j.run(ctx)
	s.mu.Lock()
	st := s.status[j.name]
	st.Runs++
	st.LastRun = time.Now().UTC()
	if err != nil || (result != nil && result.Status == models.RunStatusError) {
		st.Errors++
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("job", j.name).Msg("scheduled job failed")
	}
}

func (s *Scheduler) jitter() time.Duration {
	max := s.settings.SchedJitterSec
	if max <= 0 {
		return 0
	}
	s.mu.Lock()
	n := s.rand.Intn(max + 1)
	s.mu.Unlock()
	return time.Duration(n) * time.Second
}

// Status snapshots the per-job counters.
func (s *Scheduler) Status() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStatus, len(s.status))
	for name, st := range s.status {
		out[name] = *st
	}
	return out
}
