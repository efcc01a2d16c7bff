package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StageStatus enumerates stage lifecycle states.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Terminal reports whether the stage status is final.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped:
		return true
	}
	return false
}

// JobType is the closed set of book formats the pipeline knows how to build.
type JobType string

const (
	// TypeInteractiveSearch renders two seek-and-find scenes.
	TypeInteractiveSearch JobType = "interactive_search"
	// TypeStoryAdventure renders a five-page illustrated story with narration.
	TypeStoryAdventure JobType = "story_adventure"
)

// SceneCount returns the fan-out width of the scene stages for this type.
func (t JobType) SceneCount() int {
	if t == TypeStoryAdventure {
		return 5
	}
	return 2
}

// ParseJobType validates an externally supplied type string.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case TypeInteractiveSearch:
		return TypeInteractiveSearch, nil
	case TypeStoryAdventure:
		return TypeStoryAdventure, nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// StageName identifies one step of a job's pipeline.
type StageName string

const (
	StageCharacterExtraction   StageName = "character_extraction"
	StageEnhancement           StageName = "enhancement"
	StageStoryGeneration       StageName = "story_generation"
	StageSceneCreation         StageName = "scene_creation"
	StageConsistencyValidation StageName = "consistency_validation"
	StageAudioGeneration       StageName = "audio_generation"
	StagePDFCreation           StageName = "pdf_creation"
)

// Job is one end-to-end book generation request persisted in Postgres.
type Job struct {
	ID           string         `json:"id"`
	Type         JobType        `json:"job_type"`
	Status       JobStatus      `json:"status"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	JobData      map[string]any `json:"job_data"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Stage is one step, or one parallel instance of a fanned step, of a job.
// Stage rows are append-only; they form the audit trail of a run.
type Stage struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	Name         StageName      `json:"stage_name"`
	SceneIndex   *int           `json:"scene_index,omitempty"`
	Status       StageStatus    `json:"status"`
	Progress     int            `json:"progress_percentage"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// JobStatusView is the aggregate returned to status callers.
type JobStatusView struct {
	Job             Job     `json:"job"`
	Stages          []Stage `json:"stages"`
	OverallProgress int     `json:"overall_progress"`
}
