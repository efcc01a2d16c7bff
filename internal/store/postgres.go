// Package store is the durable store adapter: a Postgres table of Job and
// Stage records supporting conditional updates, filtered queries, and
// ordering. The job table doubles as the work queue; the compare-and-set on
// the status column is the mutual-exclusion primitive for claiming.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"storybook-pipeline/internal/models"
)

// ErrNotFound is returned when a job or stage id matches no row.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_type, status, priority, retry_count, max_retries,
	job_data, result_data, error_message, created_at, started_at, completed_at`

// InsertJobParams collects inputs required to insert a job.
type InsertJobParams struct {
	Type       models.JobType
	Priority   int
	MaxRetries int
	JobData    map[string]any
}

// InsertJob inserts a new pending job and returns the stored record.
func (s *Store) InsertJob(ctx context.Context, p InsertJobParams) (models.Job, error) {
	dataJSON, err := json.Marshal(p.JobData)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal job data: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO book_generation_jobs (id, job_type, status, priority, retry_count, max_retries, job_data, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
	`, id, string(p.Type), string(models.JobPending), p.Priority, p.MaxRetries, dataJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         id,
		Type:       p.Type,
		Status:     models.JobPending,
		Priority:   p.Priority,
		MaxRetries: p.MaxRetries,
		JobData:    p.JobData,
		CreatedAt:  now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM book_generation_jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// NextPending returns the lowest-priority-number, oldest pending job,
// optionally filtered by type. Read-only; it never claims.
func (s *Store) NextPending(ctx context.Context, jobType *models.JobType) (models.Job, bool, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM book_generation_jobs
		WHERE status = $1`
	args := []any{string(models.JobPending)}
	if jobType != nil {
		query += ` AND job_type = $2`
		args = append(args, string(*jobType))
	}
	query += ` ORDER BY priority ASC, created_at ASC LIMIT 1`

	row := s.pool.QueryRow(ctx, query, args...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ClaimJob performs the atomic pending -> processing transition. It reports
// true iff this call applied the transition; a false return means another
// worker won the race or the job is no longer claimable.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE book_generation_jobs
		SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, string(models.JobProcessing), string(models.JobPending))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateJobStatus writes status and optional terminal fields. completed_at is
// set when the job completes.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg *string, result map[string]any) (bool, error) {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("marshal result data: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE book_generation_jobs
		SET status = $2,
		    error_message = COALESCE($3, error_message),
		    result_data = COALESCE($4, result_data),
		    completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END
		WHERE id = $1
	`, id, string(status), errMsg, resultJSON)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueForRetry bumps retry_count and resets the job to pending. The update
// is keyed on the previously read count so a concurrent writer cannot be lost.
func (s *Store) RequeueForRetry(ctx context.Context, id string, prevCount int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE book_generation_jobs
		SET retry_count = $2 + 1, status = $3, started_at = NULL
		WHERE id = $1 AND retry_count = $2
	`, id, prevCount, string(models.JobPending))
	if err != nil {
		return false, fmt.Errorf("requeue for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled flips a pending or processing job to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE book_generation_jobs
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, string(models.JobCancelled), string(models.JobPending), string(models.JobProcessing))
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetStaleProcessing requeues processing jobs whose claim is older than
// olderThan. Recovery for workers that crashed mid-pipeline; a reset run does
// not consume a retry.
func (s *Store) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE book_generation_jobs
		SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < NOW() - $3::interval
	`, string(models.JobPending), string(models.JobProcessing), olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reset stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingDepth counts jobs currently eligible for claiming.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM book_generation_jobs WHERE status = $1
	`, string(models.JobPending)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// InsertStage appends a pending stage row for a job.
func (s *Store) InsertStage(ctx context.Context, jobID string, name models.StageName, sceneIndex *int) (models.Stage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_stages (id, job_id, stage_name, scene_index, status, progress_percentage, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, id, jobID, string(name), sceneIndex, string(models.StagePending), now)
	if err != nil {
		return models.Stage{}, fmt.Errorf("insert stage: %w", err)
	}
	return models.Stage{
		ID:         id,
		JobID:      jobID,
		Name:       name,
		SceneIndex: sceneIndex,
		Status:     models.StagePending,
		CreatedAt:  now,
	}, nil
}

// UpdateStageStatus writes stage progress. started_at is set on the first
// transition to processing; completed_at on any terminal status.
func (s *Store) UpdateStageStatus(ctx context.Context, stageID string, status models.StageStatus, progress *int, errMsg *string, result map[string]any) (bool, error) {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("marshal stage result: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_stages
		SET status = $2,
		    progress_percentage = COALESCE($3, progress_percentage),
		    error_message = COALESCE($4, error_message),
		    result_data = COALESCE($5, result_data),
		    started_at = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'skipped') THEN NOW() ELSE completed_at END
		WHERE id = $1
	`, stageID, string(status), progress, errMsg, resultJSON)
	if err != nil {
		return false, fmt.Errorf("update stage status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// JobStages returns all stages for a job in creation order.
func (s *Store) JobStages(ctx context.Context, jobID string) ([]models.Stage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage_name, scene_index, status, progress_percentage,
		       result_data, error_message, created_at, started_at, completed_at
		FROM job_stages WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var stages []models.Stage
	for rows.Next() {
		var (
			st         models.Stage
			name       string
			status     string
			sceneIdx   pgtype.Int4
			resultJSON []byte
			errMsg     pgtype.Text
			startedAt  pgtype.Timestamptz
			doneAt     pgtype.Timestamptz
		)
		if err := rows.Scan(&st.ID, &st.JobID, &name, &sceneIdx, &status, &st.Progress,
			&resultJSON, &errMsg, &st.CreatedAt, &startedAt, &doneAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Name = models.StageName(name)
		st.Status = models.StageStatus(status)
		if sceneIdx.Valid {
			idx := int(sceneIdx.Int32)
			st.SceneIndex = &idx
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &st.ResultData); err != nil {
				return nil, fmt.Errorf("unmarshal stage result: %w", err)
			}
		}
		st.ErrorMessage = textPtr(errMsg)
		st.StartedAt = timePtr(startedAt)
		st.CompletedAt = timePtr(doneAt)
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		jobType     string
		status      string
		dataJSON    []byte
		resultJSON  []byte
		errMsg      pgtype.Text
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &jobType, &status, &job.Priority, &job.RetryCount, &job.MaxRetries,
		&dataJSON, &resultJSON, &errMsg, &job.CreatedAt, &startedAt, &completedAt); err != nil {
		return models.Job{}, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(dataJSON, &job.JobData); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job data: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.ResultData); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result data: %w", err)
		}
	}
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
