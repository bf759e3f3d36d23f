// Package worker runs the durable job queue's polling loop.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"go.uber.org/zap"
)

// Handler executes one job. A nil return completes the job; an error wrapped
// with fiscal.Permanent fails it terminally; any other error schedules a
// retry with backoff.
type Handler func(ctx context.Context, job *fiscal.Job) error

// Config holds worker configuration
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
	}
}

// Worker polls the durable queue and dispatches jobs to registered handlers.
// Jobs run strictly one at a time within a worker; concurrency comes from
// running multiple worker processes, serialized by the queue's atomic claim.
type Worker struct {
	repo     fiscal.JobRepository
	handlers map[fiscal.JobType]Handler
	config   Config
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker with no registered handlers
func New(repo fiscal.JobRepository, config Config, logger *zap.Logger) *Worker {
	return &Worker{
		repo:     repo,
		handlers: make(map[fiscal.JobType]Handler),
		config:   config,
		logger:   logger,
	}
}

// Register binds a handler to a job type. New lifecycle steps are added by
// registering a new type, not by changing the loop.
func (w *Worker) Register(jobType fiscal.JobType, handler Handler) {
	w.handlers[jobType] = handler
}

// Start begins background polling. Register all handlers before calling.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("worker: no handlers registered")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.pollLoop(ctx)

	w.logger.Info("worker started",
		zap.Int("handler_count", len(w.handlers)),
		zap.Duration("poll_interval", w.config.PollInterval),
	)
	return nil
}

// Stop gracefully stops the worker, waiting for an in-flight job to finish
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	types := make([]fiscal.JobType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx, types)
		}
	}
}

// drain processes eligible jobs one at a time until the queue is empty or a
// loop-level error pauses polling until the next tick
func (w *Worker) drain(ctx context.Context, types []fiscal.JobType) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.repo.ClaimNextEligible(ctx, types, time.Now())
		if err != nil {
			w.logger.Error("failed to claim job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}

		w.runJob(ctx, job)
	}
}

// runJob executes one claimed job. Handler failures never escape: they are
// converted into a retry-or-fail decision on the job record.
func (w *Worker) runJob(ctx context.Context, job *fiscal.Job) {
	handler := w.handlers[job.JobType]

	err := w.invoke(ctx, handler, job)
	if err == nil {
		job.MarkCompleted()
		if updateErr := w.repo.Update(ctx, job); updateErr != nil {
			w.logger.Error("failed to mark job completed",
				zap.String("job_id", job.ID.String()),
				zap.Error(updateErr))
		}
		w.logger.Debug("job completed",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", string(job.JobType)))
		return
	}

	if fiscal.IsPermanent(err) {
		// Retrying cannot change the outcome; exhaust the attempts now
		job.Attempts = job.MaxAttempts - 1
	}
	job.MarkFailed(err.Error())

	if job.IsFailed() {
		w.logger.Warn("job failed terminally",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", string(job.JobType)),
			zap.Int("attempts", job.Attempts),
			zap.String("last_error", job.LastError))
	} else {
		w.logger.Info("job scheduled for retry",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", string(job.JobType)),
			zap.Int("attempts", job.Attempts),
			zap.Time("next_attempt", job.ScheduledFor),
			zap.Error(err))
	}

	if updateErr := w.repo.Update(ctx, job); updateErr != nil {
		w.logger.Error("failed to update job after failure",
			zap.String("job_id", job.ID.String()),
			zap.Error(updateErr))
	}
}

// invoke calls the handler with panic recovery so a panicking handler is an
// ordinary job failure, not a dead worker
func (w *Worker) invoke(ctx context.Context, handler Handler, job *fiscal.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
