// Package worker runs the vault's periodic jobs (token rotation and the
// consistency audit) on cron schedules. Each run holds a distributed lock so
// only one instance performs a cycle at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driving"
)

// ErrUnknownJob is returned by RunNow for a job that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// Job is one scheduled unit of work.
type Job struct {
	Name string
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 1m".
	Schedule string
	// Lock names the distributed lock held while the job runs.
	Lock string
	Run  func(ctx context.Context) error
}

// Worker schedules jobs and serializes each across instances.
type Worker struct {
	lock    driven.DistributedLock
	logger  *slog.Logger
	lockTTL time.Duration
	timeout time.Duration
	jobs    map[string]Job
	order   []string

	// Internal state
	mu      sync.RWMutex
	cron    *cron.Cron
	running bool
	cancel  context.CancelFunc
	runs    sync.WaitGroup
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	Lock    driven.DistributedLock // Optional: nil runs jobs without cross-instance locking
	Logger  *slog.Logger
	LockTTL time.Duration // TTL of a cycle lock, extended while the job runs (default: 2m)
	Timeout time.Duration // Bound on one job run (default: 10m)
}

// NewWorker creates a new job worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &Worker{
		lock:    cfg.Lock,
		logger:  logger.With("component", "worker"),
		lockTTL: lockTTL,
		timeout: timeout,
		jobs:    make(map[string]Job),
	}
}

// Register adds a job. Registering after Start has no effect until restart.
func (w *Worker) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.jobs[job.Name]; !exists {
		w.order = append(w.order, job.Name)
	}
	w.jobs[job.Name] = job
	return nil
}

// Start schedules every registered job. It runs until Stop is called or ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{w.logger})))
	for _, name := range w.order {
		job := w.jobs[name]
		if _, err := c.AddFunc(job.Schedule, func() { _ = w.run(ctx, job) }); err != nil {
			cancel()
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
	}

	w.cron = c
	w.cancel = cancel
	w.running = true
	c.Start()

	w.logger.Info("worker starting", "jobs", w.order, "lock_ttl", w.lockTTL)

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for in-flight runs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	c, cancel := w.cron, w.cancel
	w.mu.Unlock()

	<-c.Stop().Done()
	cancel()
	w.runs.Wait()

	w.logger.Info("worker stopped")
}

// RunNow runs a registered job immediately under its lock.
func (w *Worker) RunNow(ctx context.Context, name string) error {
	w.mu.RLock()
	job, ok := w.jobs[name]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return w.run(ctx, job)
}

// run executes one job under its distributed lock. A held lock means
// another instance is running the cycle, and the run is skipped.
func (w *Worker) run(ctx context.Context, job Job) error {
	w.runs.Add(1)
	defer w.runs.Done()

	logger := w.logger.With("job", job.Name)
	ctx, cancel := context.WithTimeoutCause(ctx, w.timeout, fmt.Errorf("job %s timed out", job.Name))
	defer cancel()

	if w.lock != nil && job.Lock != "" {
		acquired, err := w.lock.Acquire(ctx, job.Lock, w.lockTTL)
		if err != nil {
			logger.Error("failed to acquire job lock", "lock", job.Lock, "error", err)
			return fmt.Errorf("acquire lock %s: %w", job.Lock, err)
		}
		if !acquired {
			logger.Debug("job skipped, lock held by another instance", "lock", job.Lock)
			return nil
		}
		defer func() {
			if err := w.lock.Release(context.WithoutCancel(ctx), job.Lock); err != nil {
				logger.Warn("failed to release job lock", "lock", job.Lock, "error", err)
			}
		}()

		var lost context.CancelCauseFunc
		ctx, lost = context.WithCancelCause(ctx)
		defer lost(nil)

		stopExtend := w.keepAlive(ctx, job.Lock, lost, logger)
		defer stopExtend()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, driven.ErrLockLost) {
			err = cause
		}
		logger.Error("job failed", "duration", time.Since(start), "error", err)
		return err
	}
	logger.Info("job completed", "duration", time.Since(start))
	return nil
}

// keepAlive extends the lock at half its TTL until the returned func is
// called. Losing the lock cancels the job through lost.
func (w *Worker) keepAlive(ctx context.Context, name string, lost context.CancelCauseFunc, logger *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.lock.Extend(ctx, name, w.lockTTL)
				if errors.Is(err, driven.ErrLockLost) {
					logger.Error("job lock lost, cancelling run", "lock", name, "error", err)
					lost(err)
					return
				}
				if err != nil {
					// Transient backend error; the lock may still be ours.
					logger.Warn("failed to extend job lock", "lock", name, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Health returns health status of the worker.
type Health struct {
	Running    bool     `json:"running"`
	Jobs       []string `json:"jobs"`
	LockHealth bool     `json:"lock_health"`
	Error      string   `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	health := Health{
		Running: w.running,
		Jobs:    append([]string(nil), w.order...),
	}
	w.mu.RUnlock()

	if w.lock == nil {
		health.LockHealth = true
		return health
	}
	if err := w.lock.Ping(ctx); err != nil {
		health.Error = err.Error()
	} else {
		health.LockHealth = true
	}
	return health
}

// RotationJob refreshes every OAuth connection inside the refresh window.
func RotationJob(schedule string, rotation driving.RotationManager, logger *slog.Logger) Job {
	return Job{
		Name:     "rotation",
		Schedule: schedule,
		Lock:     driven.LockRotationCycle,
		Run: func(ctx context.Context) error {
			report, err := rotation.RunOnce(ctx)
			if err != nil {
				return err
			}
			if report.Due > 0 {
				logger.Info("rotation cycle", "due", report.Due, "outcomes", report.Outcomes)
			}
			return nil
		},
	}
}

// AuditJob runs the consistency auditor.
func AuditJob(schedule string, auditor driving.ConsistencyAuditor) Job {
	return Job{
		Name:     "audit",
		Schedule: schedule,
		Lock:     driven.LockAuditCycle,
		Run: func(ctx context.Context) error {
			_, err := auditor.Run(ctx)
			return err
		},
	}
}

// cronLogger adapts slog to the cron package's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
