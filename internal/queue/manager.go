// Package queue owns Job and Stage lifecycle: creation, atomic claiming,
// status transitions, and retry-count bookkeeping. Every operation that talks
// to the durable store goes through the transient-error retry wrapper.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"storybook-pipeline/internal/models"
	"storybook-pipeline/internal/retry"
	"storybook-pipeline/internal/store"
)

// Backend is the narrow slice of the durable store the manager drives.
// *store.Store satisfies it.
type Backend interface {
	InsertJob(ctx context.Context, p store.InsertJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	NextPending(ctx context.Context, jobType *models.JobType) (models.Job, bool, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg *string, result map[string]any) (bool, error)
	RequeueForRetry(ctx context.Context, id string, prevCount int) (bool, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	InsertStage(ctx context.Context, jobID string, name models.StageName, sceneIndex *int) (models.Stage, error)
	UpdateStageStatus(ctx context.Context, stageID string, status models.StageStatus, progress *int, errMsg *string, result map[string]any) (bool, error)
	JobStages(ctx context.Context, jobID string) ([]models.Stage, error)
}

const (
	defaultPriority   = 5
	defaultMaxRetries = 3
)

// Manager coordinates the job queue on top of the durable store.
type Manager struct {
	backend Backend
	policy  retry.Policy
}

// NewManager builds a manager using the default retry policy.
func NewManager(backend Backend) *Manager {
	return NewManagerWithPolicy(backend, retry.Default())
}

// NewManagerWithPolicy allows tests and tools to tighten the retry schedule.
func NewManagerWithPolicy(backend Backend, policy retry.Policy) *Manager {
	return &Manager{backend: backend, policy: policy}
}

// CreateJob inserts a new pending job.
func (m *Manager) CreateJob(ctx context.Context, jobType models.JobType, data map[string]any, priority, maxRetries int) (models.Job, error) {
	if priority <= 0 {
		priority = defaultPriority
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if data == nil {
		data = map[string]any{}
	}

	job, err := retry.DoValue(ctx, m.policy, "create job", func(ctx context.Context) (models.Job, error) {
		return m.backend.InsertJob(ctx, store.InsertJobParams{
			Type:       jobType,
			Priority:   priority,
			MaxRetries: maxRetries,
			JobData:    data,
		})
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	slog.Info("created job", "job_id", job.ID, "job_type", jobType, "priority", priority)
	return job, nil
}

// GetJob fetches a single job record.
func (m *Manager) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	return retry.DoValue(ctx, m.policy, "get job", func(ctx context.Context) (models.Job, error) {
		return m.backend.GetJob(ctx, jobID)
	})
}

// GetNextJob finds the most eligible pending job without claiming it:
// lowest priority number first, then FIFO by creation time.
func (m *Manager) GetNextJob(ctx context.Context, jobType *models.JobType) (models.Job, bool, error) {
	type found struct {
		job models.Job
		ok  bool
	}
	res, err := retry.DoValue(ctx, m.policy, "get next job", func(ctx context.Context) (found, error) {
		job, ok, err := m.backend.NextPending(ctx, jobType)
		return found{job: job, ok: ok}, err
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("get next job: %w", err)
	}
	return res.job, res.ok, nil
}

// ClaimJob attempts the atomic pending -> processing transition. A false
// return is not an error: another worker owns the job or it is gone.
func (m *Manager) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	claimed, err := retry.DoValue(ctx, m.policy, "claim job", func(ctx context.Context) (bool, error) {
		return m.backend.ClaimJob(ctx, jobID)
	})
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if claimed {
		slog.Info("claimed job", "job_id", jobID)
	}
	return claimed, nil
}

// UpdateJobStatus writes status and optional error/result fields.
func (m *Manager) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg *string, result map[string]any) (bool, error) {
	ok, err := retry.DoValue(ctx, m.policy, "update job status", func(ctx context.Context) (bool, error) {
		return m.backend.UpdateJobStatus(ctx, jobID, status, errMsg, result)
	})
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	slog.Info("updated job status", "job_id", jobID, "status", status)
	return ok, nil
}

// IncrementRetryCount requeues a job for another pipeline run, or dead-ends it
// once the retry budget is spent. The caller must hold processing rights over
// the job; the requeue itself is conditional on the previously read count so a
// concurrent writer cannot be silently overwritten.
func (m *Manager) IncrementRetryCount(ctx context.Context, jobID string) (bool, error) {
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	newCount := job.RetryCount + 1
	if newCount > job.MaxRetries {
		msg := fmt.Sprintf("job failed after %d retries", job.MaxRetries)
		return m.UpdateJobStatus(ctx, jobID, models.JobFailed, &msg, nil)
	}

	ok, err := retry.DoValue(ctx, m.policy, "requeue for retry", func(ctx context.Context) (bool, error) {
		return m.backend.RequeueForRetry(ctx, jobID, job.RetryCount)
	})
	if err != nil {
		return false, fmt.Errorf("increment retry count: %w", err)
	}
	if ok {
		slog.Info("requeued job for retry", "job_id", jobID, "retry_count", newCount, "max_retries", job.MaxRetries)
	}
	return ok, nil
}

// CancelJob marks a pending or processing job cancelled.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := retry.DoValue(ctx, m.policy, "cancel job", func(ctx context.Context) (bool, error) {
		return m.backend.MarkCancelled(ctx, jobID)
	})
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if ok {
		slog.Info("cancelled job", "job_id", jobID)
	}
	return ok, nil
}

// CreateStage appends a pending stage record for a job.
func (m *Manager) CreateStage(ctx context.Context, jobID string, name models.StageName, sceneIndex *int) (models.Stage, error) {
	stage, err := retry.DoValue(ctx, m.policy, "create stage", func(ctx context.Context) (models.Stage, error) {
		return m.backend.InsertStage(ctx, jobID, name, sceneIndex)
	})
	if err != nil {
		return models.Stage{}, fmt.Errorf("create stage: %w", err)
	}
	return stage, nil
}

// UpdateStageStatus writes stage progress and terminal fields.
func (m *Manager) UpdateStageStatus(ctx context.Context, stageID string, status models.StageStatus, progress *int, errMsg *string, result map[string]any) (bool, error) {
	ok, err := retry.DoValue(ctx, m.policy, "update stage status", func(ctx context.Context) (bool, error) {
		return m.backend.UpdateStageStatus(ctx, stageID, status, progress, errMsg, result)
	})
	if err != nil {
		return false, fmt.Errorf("update stage status: %w", err)
	}
	return ok, nil
}

// GetJobStatus returns the job, its stages, and overall progress derived from
// completed stage count over total stage count.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (models.JobStatusView, error) {
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return models.JobStatusView{}, err
	}
	stages, err := retry.DoValue(ctx, m.policy, "get job stages", func(ctx context.Context) ([]models.Stage, error) {
		return m.backend.JobStages(ctx, jobID)
	})
	if err != nil {
		return models.JobStatusView{}, fmt.Errorf("get job stages: %w", err)
	}

	return models.JobStatusView{
		Job:             job,
		Stages:          stages,
		OverallProgress: overallProgress(stages),
	}, nil
}

func overallProgress(stages []models.Stage) int {
	if len(stages) == 0 {
		return 0
	}
	completed := 0
	for _, s := range stages {
		if s.Status == models.StageCompleted {
			completed++
		}
	}
	return 100 * completed / len(stages)
}
