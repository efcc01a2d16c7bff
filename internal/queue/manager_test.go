package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"storybook-pipeline/internal/models"
	"storybook-pipeline/internal/retry"
	"storybook-pipeline/internal/store"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

// fakeBackend is an in-memory Backend with the same conditional-update
// semantics as the Postgres adapter.
type fakeBackend struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	stages map[string]*models.Stage
	seq    int

	// failNext, when set, makes the next call return this error once.
	failNext error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobs:   make(map[string]*models.Job),
		stages: make(map[string]*models.Stage),
	}
}

func (f *fakeBackend) popError() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeBackend) InsertJob(_ context.Context, p store.InsertJobParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popError(); err != nil {
		return models.Job{}, err
	}
	f.seq++
	job := models.Job{
		ID:         fmt.Sprintf("job-%d", f.seq),
		Type:       p.Type,
		Status:     models.JobPending,
		Priority:   p.Priority,
		MaxRetries: p.MaxRetries,
		JobData:    p.JobData,
		CreatedAt:  time.Now().Add(time.Duration(f.seq) * time.Millisecond),
	}
	f.jobs[job.ID] = &job
	copied := job
	return copied, nil
}

func (f *fakeBackend) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return *job, nil
}

func (f *fakeBackend) NextPending(_ context.Context, jobType *models.JobType) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidates []*models.Job
	for _, job := range f.jobs {
		if job.Status != models.JobPending {
			continue
		}
		if jobType != nil && job.Type != *jobType {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return models.Job{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return *candidates[0], true, nil
}

func (f *fakeBackend) ClaimJob(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != models.JobPending {
		return false, nil
	}
	now := time.Now()
	job.Status = models.JobProcessing
	job.StartedAt = &now
	return true, nil
}

func (f *fakeBackend) UpdateJobStatus(_ context.Context, id string, status models.JobStatus, errMsg *string, result map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, nil
	}
	job.Status = status
	if errMsg != nil {
		job.ErrorMessage = errMsg
	}
	if result != nil {
		job.ResultData = result
	}
	if status == models.JobCompleted {
		now := time.Now()
		job.CompletedAt = &now
	}
	return true, nil
}

func (f *fakeBackend) RequeueForRetry(_ context.Context, id string, prevCount int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.RetryCount != prevCount {
		return false, nil
	}
	job.RetryCount = prevCount + 1
	job.Status = models.JobPending
	job.StartedAt = nil
	return true, nil
}

func (f *fakeBackend) MarkCancelled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || (job.Status != models.JobPending && job.Status != models.JobProcessing) {
		return false, nil
	}
	job.Status = models.JobCancelled
	return true, nil
}

func (f *fakeBackend) InsertStage(_ context.Context, jobID string, name models.StageName, sceneIndex *int) (models.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	stage := models.Stage{
		ID:         fmt.Sprintf("stage-%d", f.seq),
		JobID:      jobID,
		Name:       name,
		SceneIndex: sceneIndex,
		Status:     models.StagePending,
		CreatedAt:  time.Now().Add(time.Duration(f.seq) * time.Millisecond),
	}
	f.stages[stage.ID] = &stage
	copied := stage
	return copied, nil
}

func (f *fakeBackend) UpdateStageStatus(_ context.Context, stageID string, status models.StageStatus, progress *int, errMsg *string, result map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stage, ok := f.stages[stageID]
	if !ok {
		return false, nil
	}
	if status == models.StageProcessing && stage.StartedAt == nil {
		now := time.Now()
		stage.StartedAt = &now
	}
	if status.Terminal() {
		now := time.Now()
		stage.CompletedAt = &now
	}
	stage.Status = status
	if progress != nil {
		stage.Progress = *progress
	}
	if errMsg != nil {
		stage.ErrorMessage = errMsg
	}
	if result != nil {
		stage.ResultData = result
	}
	return true, nil
}

func (f *fakeBackend) JobStages(_ context.Context, jobID string) ([]models.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Stage
	for _, stage := range f.stages {
		if stage.JobID == jobID {
			out = append(out, *stage)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func testManager(backend Backend) *Manager {
	return NewManagerWithPolicy(backend, fastPolicy())
}

func TestCreateJobDefaults(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	require.Equal(t, 5, job.Priority)
	require.Equal(t, 3, job.MaxRetries)
	require.Equal(t, 0, job.RetryCount)
	require.NotNil(t, job.JobData)
}

func TestCreateJobRetriesTransientInsert(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.failNext = errors.New("connection reset by peer")
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeStoryAdventure, map[string]any{"character_name": "X"}, 1, 2)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
}

func TestGetNextJobOrdering(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	low, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 9, 3)
	require.NoError(t, err)
	high, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 1, 3)
	require.NoError(t, err)
	_, err = mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 1, 3)
	require.NoError(t, err)

	// Lowest priority number wins; FIFO breaks the tie.
	next, ok, err := mgr.GetNextJob(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, high.ID, next.ID)

	// Re-polling without claiming is idempotent.
	again, ok, err := mgr.GetNextJob(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, next.ID, again.ID)

	// Type filter skips non-matching jobs entirely.
	storyType := models.TypeStoryAdventure
	_, ok, err = mgr.GetNextJob(ctx, &storyType)
	require.NoError(t, err)
	require.False(t, ok)

	_ = low
}

func TestClaimJobMutualExclusion(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 1, 3)
	require.NoError(t, err)

	const workers = 8
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := mgr.ClaimJob(ctx, job.ID)
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one concurrent claim may succeed")

	got, err := mgr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestClaimJobMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	mgr := testManager(newFakeBackend())

	ok, err := mgr.ClaimJob(ctx, "no-such-job")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIncrementRetryCountRequeues(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 1, 2)
	require.NoError(t, err)
	claimed, err := mgr.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := mgr.IncrementRetryCount(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := mgr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestIncrementRetryCountDeadEndsPastBudget(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 1, 2)
	require.NoError(t, err)
	backend.jobs[job.ID].RetryCount = 2

	ok, err := mgr.IncrementRetryCount(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := mgr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	require.Contains(t, *got.ErrorMessage, "after 2 retries")
}

func TestStageLifecycleTimestamps(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 1, 3)
	require.NoError(t, err)

	idx := 1
	stage, err := mgr.CreateStage(ctx, job.ID, models.StageSceneCreation, &idx)
	require.NoError(t, err)
	require.Equal(t, models.StagePending, stage.Status)
	require.Equal(t, 0, stage.Progress)
	require.NotNil(t, stage.SceneIndex)

	_, err = mgr.UpdateStageStatus(ctx, stage.ID, models.StageProcessing, nil, nil, nil)
	require.NoError(t, err)
	progress := 100
	_, err = mgr.UpdateStageStatus(ctx, stage.ID, models.StageCompleted, &progress, nil, map[string]any{"scene_url": "s3://x"})
	require.NoError(t, err)

	stages, err := backend.JobStages(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	require.Equal(t, models.StageCompleted, stages[0].Status)
	require.Equal(t, 100, stages[0].Progress)
	require.NotNil(t, stages[0].StartedAt)
	require.NotNil(t, stages[0].CompletedAt)
}

func TestGetJobStatusProgress(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeInteractiveSearch, nil, 1, 3)
	require.NoError(t, err)

	// No stages yet: zero progress, not a division by zero.
	view, err := mgr.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, view.OverallProgress)
	require.Empty(t, view.Stages)

	s1, err := mgr.CreateStage(ctx, job.ID, models.StageCharacterExtraction, nil)
	require.NoError(t, err)
	s2, err := mgr.CreateStage(ctx, job.ID, models.StageEnhancement, nil)
	require.NoError(t, err)
	_, err = mgr.CreateStage(ctx, job.ID, models.StagePDFCreation, nil)
	require.NoError(t, err)
	_, err = mgr.UpdateStageStatus(ctx, s1.ID, models.StageCompleted, nil, nil, nil)
	require.NoError(t, err)
	_, err = mgr.UpdateStageStatus(ctx, s2.ID, models.StageFailed, nil, nil, nil)
	require.NoError(t, err)

	view, err = mgr.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, view.Stages, 3)
	require.Equal(t, 33, view.OverallProgress)
}

func TestCancelJobTerminal(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	mgr := testManager(backend)

	job, err := mgr.CreateJob(ctx, models.TypeStoryAdventure, nil, 1, 3)
	require.NoError(t, err)

	ok, err := mgr.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Cancelled jobs are not claimable.
	claimed, err := mgr.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	// Cancellation is terminal; a second cancel is a no-op.
	ok, err = mgr.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)
}
