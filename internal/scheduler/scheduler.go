package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"entitlement-service/internal/database"
	"entitlement-service/internal/metrics"
	"entitlement-service/internal/models"
	"entitlement-service/internal/services"
	"entitlement-service/pkg/logging"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJob is returned for a job name that was never registered
	ErrUnknownJob = errors.New("unknown job")
	// ErrAlreadyRunning is returned when another run of the job is active
	ErrAlreadyRunning = errors.New("job already running")
)

// Locker guards a job against concurrent runs across processes
type Locker interface {
	Acquire(ctx context.Context, name string) (func(context.Context) error, error)
}

// Config holds scheduler configuration.
type Config struct {
	Enabled  bool
	Location *time.Location
}

// RunResult is the outcome of one RunNow call
type RunResult struct {
	RunID    string             `json:"run_id"`
	Job      string             `json:"job"`
	Now      time.Time          `json:"now"`
	Duration time.Duration      `json:"duration"`
	Report   services.JobReport `json:"report"`
}

type entry struct {
	job      services.Job
	schedule string
}

// Runner owns the registered jobs, runs them on their cron schedules and on
// demand, and records every run.
type Runner struct {
	config Config
	runs   *database.JobRunStore
	lock   Locker
	now    func() time.Time

	mu       sync.Mutex
	jobs     map[string]entry
	cron     *cron.Cron
	stopOnce sync.Once
}

// New creates a runner. lock may be nil when only one instance runs.
func New(cfg Config, runs *database.JobRunStore, lock Locker) *Runner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Runner{
		config: cfg,
		runs:   runs,
		lock:   lock,
		now:    time.Now,
		jobs:   make(map[string]entry),
		cron:   newCron(cfg.Location),
	}
}

func newCron(loc *time.Location) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := cronLogger{}
	return cron.New(
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
}

// Register adds job under its name with a five-field cron schedule
func (r *Runner) Register(job services.Job, schedule string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name()] = entry{job: job, schedule: schedule}
}

// Jobs returns the registered job names in order
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the persisted state of one job
func (r *Runner) Status(ctx context.Context, name string) (*models.JobRun, error) {
	if _, ok := r.lookup(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.runs.Get(ctx, name)
}

// StatusAll returns the persisted state of every registered job
func (r *Runner) StatusAll(ctx context.Context) ([]models.JobRun, error) {
	names := r.Jobs()
	runs := make([]models.JobRun, 0, len(names))
	for _, name := range names {
		run, err := r.runs.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

func (r *Runner) lookup(name string) (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	return e, ok
}

// RunNow runs the job synchronously. The run's reference time is taken once
// and handed to the job for every boundary it evaluates.
func (r *Runner) RunNow(ctx context.Context, name string) (*RunResult, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if r.lock != nil {
		release, err := r.lock.Acquire(ctx, name)
		if err != nil {
			if errors.Is(err, database.ErrLockHeld) {
				metrics.ObserveSkipped(name)
				logging.Transition("scheduler", logging.SeverityLow, "run skipped, lock held", map[string]interface{}{"job": name})
				return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
			}
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logging.Failure("scheduler", logging.SeverityMedium, "failed to release job lock", err, map[string]interface{}{"job": name})
			}
		}()
	}

	now := r.now().In(r.config.Location)
	runID := uuid.NewString()

	if _, err := r.runs.Begin(ctx, name, runID, now); err != nil {
		if errors.Is(err, database.ErrRunConflict) {
			metrics.ObserveSkipped(name)
			logging.Transition("scheduler", logging.SeverityLow, "run skipped, already in progress", map[string]interface{}{"job": name})
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}

	started := time.Now()
	report, runErr := e.job.Run(ctx, now)
	duration := time.Since(started)

	// record the outcome even when ctx was cancelled mid-run
	finishErr := r.runs.Finish(context.WithoutCancel(ctx), name, runID, database.RunResult{
		FinishedAt: r.now(),
		Reference:  now,
		Processed:  report.Processed,
		Failed:     report.Failed,
		Err:        runErr,
	})

	status := string(models.JobRunSucceeded)
	if runErr != nil {
		status = string(models.JobRunFailed)
	}
	metrics.ObserveRun(name, status, duration, report.Outcomes())

	fields := map[string]interface{}{
		"job":       name,
		"run_id":    runID,
		"now":       now,
		"duration":  duration.String(),
		"processed": report.Processed,
		"renewed":   report.Renewed,
		"expired":   report.Expired,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}
	if runErr != nil {
		logging.Failure("scheduler", logging.SeverityHigh, "job run failed", runErr, fields)
	} else {
		severity := logging.SeverityLow
		if report.Failed > 0 || report.Skipped > 0 {
			severity = logging.SeverityMedium
		}
		logging.Transition("scheduler", severity, "job run finished", fields)
	}

	result := &RunResult{RunID: runID, Job: name, Now: now, Duration: duration, Report: report}
	if runErr != nil {
		return result, runErr
	}
	if finishErr != nil {
		return result, fmt.Errorf("failed to record run: %w", finishErr)
	}
	return result, nil
}

// Start registers every job with cron and starts it.
func (r *Runner) Start(ctx context.Context) error {
	if !r.config.Enabled {
		logging.Infof("Scheduler disabled by config")
		return nil
	}

	for _, name := range r.Jobs() {
		e, _ := r.lookup(name)
		jobName := name
		if _, err := r.cron.AddFunc(e.schedule, func() {
			// errors are already logged by RunNow
			r.RunNow(ctx, jobName)
		}); err != nil {
			return fmt.Errorf("invalid cron expression for %q: %w", name, err)
		}
		logging.Infof("Scheduler: registered job %q (schedule=%s, tz=%s)", name, e.schedule, r.config.Location)
	}

	r.cron.Start()
	logging.Infof("Scheduler started with %d jobs", len(r.cron.Entries()))

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop stops the cron loop and waits for running jobs. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		logging.Infof("Scheduler stopping...")
		<-r.cron.Stop().Done()
		logging.Infof("Scheduler stopped")
	})
}

// cronLogger routes cron's own messages into the service log
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l := logging.Logger()
	l.Debug().Str("component", "cron").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l := logging.Logger()
	l.Error().Str("component", "cron").Err(err).Fields(keysAndValues).Msg(msg)
}
