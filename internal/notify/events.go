package notify

import (
	"context"
	"log/slog"
	"sync"

	"storybook-pipeline/internal/models"
	"storybook-pipeline/internal/pipeline"
)

// Publisher delivers one event; the Hub and RedisBridge both qualify.
type Publisher interface {
	PublishEvent(ctx context.Context, ev Event)
}

// HubPublisher adapts the in-process hub to the Publisher interface.
type HubPublisher struct{ Hub *Hub }

func (p HubPublisher) PublishEvent(_ context.Context, ev Event) { p.Hub.Publish(ev) }

// BridgePublisher sends events through Redis so every replica's hub sees
// them. Publish failures are logged and dropped; events are advisory.
type BridgePublisher struct{ Bridge *RedisBridge }

func (p BridgePublisher) PublishEvent(ctx context.Context, ev Event) {
	if err := p.Bridge.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", "job_id", ev.JobID, "error", err)
	}
}

// EventingQueue decorates a job queue so every status transition also emits a
// progress event. Event delivery never affects the underlying operation.
type EventingQueue struct {
	pipeline.JobQueue
	pub Publisher

	mu     sync.Mutex
	stages map[string]stageRef // stage id -> owning job and stage name
}

type stageRef struct {
	jobID string
	name  models.StageName
}

func WrapQueue(q pipeline.JobQueue, pub Publisher) *EventingQueue {
	return &EventingQueue{JobQueue: q, pub: pub, stages: make(map[string]stageRef)}
}

func (e *EventingQueue) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg *string, result map[string]any) (bool, error) {
	ok, err := e.JobQueue.UpdateJobStatus(ctx, jobID, status, errMsg, result)
	if err == nil && ok {
		ev := Event{JobID: jobID, Status: string(status)}
		if status == models.JobCompleted {
			ev.Progress = 100
		}
		if errMsg != nil {
			ev.Message = *errMsg
		}
		e.pub.PublishEvent(ctx, ev)
	}
	return ok, err
}

func (e *EventingQueue) CreateStage(ctx context.Context, jobID string, name models.StageName, sceneIndex *int) (models.Stage, error) {
	stage, err := e.JobQueue.CreateStage(ctx, jobID, name, sceneIndex)
	if err == nil {
		e.mu.Lock()
		e.stages[stage.ID] = stageRef{jobID: jobID, name: name}
		e.mu.Unlock()
	}
	return stage, err
}

func (e *EventingQueue) UpdateStageStatus(ctx context.Context, stageID string, status models.StageStatus, progress *int, errMsg *string, result map[string]any) (bool, error) {
	ok, err := e.JobQueue.UpdateStageStatus(ctx, stageID, status, progress, errMsg, result)
	if err == nil && ok {
		e.mu.Lock()
		ref, known := e.stages[stageID]
		if known && status.Terminal() {
			delete(e.stages, stageID)
		}
		e.mu.Unlock()
		if known {
			ev := Event{JobID: ref.jobID, Status: string(models.JobProcessing), Stage: string(ref.name)}
			if progress != nil {
				ev.Progress = *progress
			}
			if errMsg != nil {
				ev.Message = *errMsg
			}
			e.pub.PublishEvent(ctx, ev)
		}
	}
	return ok, err
}
