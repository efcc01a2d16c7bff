// Package worker drives the poll/claim/process loop. Workers compete for jobs
// through the queue manager's atomic claim; there is no central scheduler.
// Each claimed job runs in its own slot so one job's long external calls never
// stall another job's claim or execution.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"storybook-pipeline/internal/config"
	"storybook-pipeline/internal/models"
	"storybook-pipeline/internal/pipeline"
	"storybook-pipeline/internal/telemetry"
)

// JobSource is the slice of the queue manager the loop needs.
type JobSource interface {
	GetNextJob(ctx context.Context, jobType *models.JobType) (models.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	IncrementRetryCount(ctx context.Context, jobID string) (bool, error)
}

// Processor runs one claimed job's pipeline.
type Processor interface {
	ProcessJob(ctx context.Context, jobID string) (claimed bool, runErr error)
}

// Janitor is the store-level maintenance surface: stale-claim recovery and
// queue depth for telemetry.
type Janitor interface {
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
	PendingDepth(ctx context.Context) (int64, error)
}

// Worker owns the main loop of one worker process.
type Worker struct {
	cfg       config.Config
	source    JobSource
	processor Processor
	janitor   Janitor
	workerID  string

	// jobType, when set, restricts polling to one book format.
	jobType *models.JobType

	// busy tracks job ids dispatched to a slot whose claim may not have
	// landed yet, so a re-poll never redispatches the same job.
	mu   sync.Mutex
	busy map[string]struct{}
}

// New builds a worker. janitor may be nil (tests, single-shot tools).
func New(cfg config.Config, source JobSource, processor Processor, janitor Janitor, workerID string) *Worker {
	return &Worker{
		cfg:       cfg,
		source:    source,
		processor: processor,
		janitor:   janitor,
		workerID:  workerID,
		busy:      make(map[string]struct{}),
	}
}

// RestrictToType limits the worker to jobs of one format.
func (w *Worker) RestrictToType(t models.JobType) {
	w.jobType = &t
}

// Run polls for eligible jobs until context cancellation. Claimed jobs run
// concurrently in up to cfg.WorkerConcurrency slots.
func (w *Worker) Run(ctx context.Context) error {
	slots := make(chan struct{}, w.cfg.WorkerConcurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	slog.Info("worker started", "worker_id", w.workerID, "concurrency", w.cfg.WorkerConcurrency, "poll_interval", w.cfg.WorkerPollInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.housekeep(ctx)

		job, ok, err := w.source.GetNextJob(ctx, w.jobType)
		if err != nil {
			slog.Warn("poll failed", "worker_id", w.workerID, "error", err)
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if !ok || !w.markBusy(job.ID) {
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			w.unmarkBusy(job.ID)
			return ctx.Err()
		}
		inflight.Add(1)
		go func(jobID string) {
			defer inflight.Done()
			defer func() { <-slots }()
			defer w.unmarkBusy(jobID)
			w.runOne(ctx, jobID)
		}(job.ID)
	}
}

// runOne processes a single job and applies the whole-job retry policy.
func (w *Worker) runOne(ctx context.Context, jobID string) {
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	claimed, runErr := w.processor.ProcessJob(ctx, jobID)
	if !claimed {
		// Another worker won the race; nothing to do.
		return
	}
	if runErr == nil {
		return
	}
	w.settle(ctx, jobID, runErr)
}

// settle decides, after a failed run, between requeueing the job and leaving
// it failed for good.
func (w *Worker) settle(ctx context.Context, jobID string, runErr error) {
	if errors.Is(runErr, pipeline.ErrUnrecognizedJobType) {
		telemetry.JobsDeadEnded.Inc()
		slog.Error("job dead-ended on unrecognized type", "worker_id", w.workerID, "job_id", jobID)
		return
	}

	job, err := w.source.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("could not read job after failed run", "worker_id", w.workerID, "job_id", jobID, "error", err)
		return
	}
	if job.RetryCount < job.MaxRetries {
		if _, err := w.source.IncrementRetryCount(ctx, jobID); err != nil {
			slog.Error("could not requeue job", "worker_id", w.workerID, "job_id", jobID, "error", err)
			return
		}
		telemetry.JobsRetried.Inc()
		slog.Info("job requeued after failed run",
			"worker_id", w.workerID,
			"job_id", jobID,
			"attempt", job.RetryCount+1,
			"max_retries", job.MaxRetries,
			"error", runErr)
		return
	}

	telemetry.JobsDeadEnded.Inc()
	slog.Error("job failed after all retries", "worker_id", w.workerID, "job_id", jobID, "retry_count", job.RetryCount, "error", runErr)
}

func (w *Worker) housekeep(ctx context.Context) {
	if w.janitor == nil {
		return
	}
	if w.cfg.StaleClaimTimeout > 0 {
		if n, err := w.janitor.ResetStaleProcessing(ctx, w.cfg.StaleClaimTimeout); err == nil && n > 0 {
			slog.Warn("requeued stale processing jobs", "worker_id", w.workerID, "count", n)
		}
	}
	if depth, err := w.janitor.PendingDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// markBusy reports false when the job is already dispatched to a slot.
func (w *Worker) markBusy(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dispatched := w.busy[jobID]; dispatched {
		return false
	}
	w.busy[jobID] = struct{}{}
	return true
}

func (w *Worker) unmarkBusy(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.busy, jobID)
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.WorkerPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
