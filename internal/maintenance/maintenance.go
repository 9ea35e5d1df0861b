// Package maintenance runs the periodic housekeeping jobs: breaker
// cool-off sweeps, stale claim recovery, and log retention.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/logging"
	"github.com/robfig/cron/v3"
)

// ErrNotRunning is returned when stopping a runner that never started.
var ErrNotRunning = errors.New("maintenance runner not running")

const (
	// DefaultBreakerSweep is how often open breakers are checked for
	// their cool-off window.
	DefaultBreakerSweep = 10 * time.Minute
	// DefaultStaleClaimSweep is how often silent owners are checked.
	DefaultStaleClaimSweep = time.Minute
	// DefaultStaleClaimAfter is how long an owner may go without a
	// heartbeat before its claims are released.
	DefaultStaleClaimAfter = 15 * time.Minute
	// logSweepEvery is the cadence of the log retention job.
	logSweepEvery = 24 * time.Hour
)

// Config holds the sweep cadence. Zero durations fall back to the
// defaults above.
type Config struct {
	BreakerSweep    time.Duration
	StaleClaimSweep time.Duration
	StaleClaimAfter time.Duration

	// LogDir enables the retention job when set.
	LogDir           string
	LogRetentionDays int
}

// Runner schedules the housekeeping jobs on a shared cron instance.
type Runner struct {
	coord  *coordinator.Coordinator
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a runner for the given coordinator.
func New(coord *coordinator.Coordinator, cfg Config, opts ...Option) *Runner {
	if cfg.BreakerSweep <= 0 {
		cfg.BreakerSweep = DefaultBreakerSweep
	}
	if cfg.StaleClaimSweep <= 0 {
		cfg.StaleClaimSweep = DefaultStaleClaimSweep
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = DefaultStaleClaimAfter
	}

	r := &Runner{
		coord:  coord,
		cfg:    cfg,
		logger: logging.Component("maintenance"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules the jobs and begins running them. The runner stops
// itself when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("maintenance runner already running")
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	c.Schedule(cron.Every(r.cfg.BreakerSweep), cron.FuncJob(func() {
		r.sweepBreakers()
	}))
	c.Schedule(cron.Every(r.cfg.StaleClaimSweep), cron.FuncJob(func() {
		r.sweepStaleClaims(ctx)
	}))
	if r.cfg.LogDir != "" && r.cfg.LogRetentionDays > 0 {
		c.Schedule(cron.Every(logSweepEvery), cron.FuncJob(func() {
			r.sweepLogs()
		}))
	}
	c.Start()

	r.cron = c
	r.running = true

	go func() {
		<-ctx.Done()
		_ = r.Stop()
	}()

	r.logger.InfoCtx("maintenance running", map[string]any{
		"breaker_sweep":     r.cfg.BreakerSweep.String(),
		"stale_claim_sweep": r.cfg.StaleClaimSweep.String(),
		"stale_claim_after": r.cfg.StaleClaimAfter.String(),
	})
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	r.running = false

	<-r.cron.Stop().Done()
	r.logger.Info("maintenance stopped")
	return nil
}

// NextRun reports the earliest upcoming job, or the zero time when the
// runner is stopped.
func (r *Runner) NextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return time.Time{}
	}

	var next time.Time
	for _, e := range r.cron.Entries() {
		if next.IsZero() || e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}

func (r *Runner) sweepBreakers() {
	if n := r.coord.SweepBreakers(); n > 0 {
		r.logger.Infof("reset %d cooled breakers", n)
	}
}

func (r *Runner) sweepStaleClaims(ctx context.Context) {
	released, err := r.coord.SweepStaleClaims(ctx, r.cfg.StaleClaimAfter)
	if err != nil {
		r.logger.Errorf("stale claim sweep: %v", err)
		return
	}
	if released > 0 {
		r.logger.Infof("released %d stale claims", released)
	}
}

func (r *Runner) sweepLogs() {
	if n := logging.Sweep(r.cfg.LogDir, r.cfg.LogRetentionDays); n > 0 {
		r.logger.Infof("removed %d expired log files", n)
	}
}
