// Package pipeline executes the stage DAG for a claimed job: fan-out of
// parallel stages, fan-in in index order, and the fatal/soft failure policy
// that lets non-critical stages degrade without failing the whole job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storybook-pipeline/internal/models"
	"storybook-pipeline/internal/telemetry"
)

// ErrUnrecognizedJobType marks a job whose persisted type is outside the
// closed set. Fatal and non-retryable: retrying cannot fix a corrupt row.
var ErrUnrecognizedJobType = errors.New("unrecognized job type")

// JobQueue is the slice of the queue manager the orchestrator needs.
// The orchestrator writes result_data and reads job_data, nothing more of the
// job record; status and retry fields belong to the queue manager.
type JobQueue interface {
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg *string, result map[string]any) (bool, error)
	CreateStage(ctx context.Context, jobID string, name models.StageName, sceneIndex *int) (models.Stage, error)
	UpdateStageStatus(ctx context.Context, stageID string, status models.StageStatus, progress *int, errMsg *string, result map[string]any) (bool, error)
}

// Orchestrator runs a claimed job's declared stage DAG to completion.
type Orchestrator struct {
	queue JobQueue
	c     Collaborators

	// stageWarnAfter is advisory: a collaborator call exceeding it is logged
	// but never aborted.
	stageWarnAfter time.Duration
}

// New constructs an orchestrator. warnAfter <= 0 disables slow-stage logging.
func New(q JobQueue, c Collaborators, warnAfter time.Duration) *Orchestrator {
	return &Orchestrator{queue: q, c: c, stageWarnAfter: warnAfter}
}

// ProcessJob claims the job and runs its pipeline. The claimed return is
// false when another worker owns the job; that is a no-op, not an error.
// A non-nil runErr means the job was marked failed; the caller applies the
// whole-job retry policy.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID string) (claimed bool, runErr error) {
	ok, err := o.queue.ClaimJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		slog.Debug("job not claimable, skipping", "job_id", jobID)
		return false, nil
	}

	job, err := o.queue.GetJob(ctx, jobID)
	if err != nil {
		return true, o.failJob(ctx, jobID, fmt.Errorf("fetch claimed job: %w", err))
	}

	var result map[string]any
	switch job.Type {
	case models.TypeInteractiveSearch:
		result, err = o.runInteractiveSearch(ctx, job)
	case models.TypeStoryAdventure:
		result, err = o.runStoryAdventure(ctx, job)
	default:
		err = fmt.Errorf("%w: %q", ErrUnrecognizedJobType, job.Type)
	}
	if err != nil {
		return true, o.failJob(ctx, jobID, err)
	}

	if _, err := o.queue.UpdateJobStatus(ctx, jobID, models.JobCompleted, nil, result); err != nil {
		return true, o.failJob(ctx, jobID, fmt.Errorf("mark completed: %w", err))
	}
	telemetry.JobsCompleted.Inc()
	slog.Info("job completed", "job_id", jobID, "job_type", job.Type)

	// Best-effort: a notification failure must never flip the job back.
	if o.c.Notifier != nil {
		if err := o.c.Notifier.NotifyCompletion(ctx, job, result); err != nil {
			slog.Warn("completion notification failed", "job_id", jobID, "error", err)
		}
	}
	return true, nil
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) error {
	msg := cause.Error()
	if _, err := o.queue.UpdateJobStatus(ctx, jobID, models.JobFailed, &msg, nil); err != nil {
		slog.Error("could not mark job failed", "job_id", jobID, "error", err)
	}
	telemetry.JobsFailed.Inc()
	slog.Error("job failed", "job_id", jobID, "error", cause)
	return cause
}

// runInteractiveSearch executes the 2-way fan-out DAG:
// character_extraction -> enhancement -> scene_creation x2 ->
// consistency_validation x2 -> pdf_creation.
func (o *Orchestrator) runInteractiveSearch(ctx context.Context, job models.Job) (map[string]any, error) {
	character, refImages, err := o.prepareCharacter(ctx, job)
	if err != nil {
		return nil, err
	}

	world := strField(job.JobData, "story_world")
	if world == "" {
		world = "a magical world"
	}
	texts := make([]string, job.Type.SceneCount())
	for i := range texts {
		texts[i] = fmt.Sprintf("Scene %d featuring %s in %s", i+1, character.Name, world)
	}

	sceneURLs, err := o.createScenes(ctx, job, character, refImages, texts)
	if err != nil {
		return nil, err
	}

	validations := o.validateScenes(ctx, job, sceneURLs, refImages[0])

	pdfURL, err := o.renderDocument(ctx, job, Book{
		Type:          job.Type,
		Title:         bookTitle(job.JobData, character.Name),
		CharacterName: character.Name,
		CoverImageURL: refImages[0],
		SceneURLs:     sceneURLs,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"scene_urls":  sceneURLs,
		"validations": validations,
		"pdf_url":     pdfURL,
	}, nil
}

// runStoryAdventure executes the richer 5-way fan-out DAG with story text and
// optional narration.
func (o *Orchestrator) runStoryAdventure(ctx context.Context, job models.Job) (map[string]any, error) {
	character, refImages, err := o.prepareCharacter(ctx, job)
	if err != nil {
		return nil, err
	}

	var story Story
	_, err = o.runStage(ctx, job.ID, models.StageStoryGeneration, nil, func(ctx context.Context) (map[string]any, error) {
		s, err := o.c.Stories.GenerateStory(ctx, character, job.JobData)
		if err != nil {
			return nil, err
		}
		if len(s.Pages) != job.Type.SceneCount() {
			return nil, fmt.Errorf("story generation returned %d pages, want %d", len(s.Pages), job.Type.SceneCount())
		}
		story = s
		return map[string]any{"title": s.Title, "pages": s.Pages}, nil
	})
	if err != nil {
		return nil, err
	}

	sceneURLs, err := o.createScenes(ctx, job, character, refImages, story.Pages)
	if err != nil {
		return nil, err
	}

	validations := o.validateScenes(ctx, job, sceneURLs, refImages[0])

	audioURLs := o.narrateStory(ctx, job, story)

	pages := make([]Page, len(story.Pages))
	for i, text := range story.Pages {
		pages[i] = Page{Number: i + 1, Text: text, SceneURL: sceneURLs[i]}
		if audioURLs != nil {
			pages[i].AudioURL = audioURLs[i]
		}
	}

	pdfURL, err := o.renderDocument(ctx, job, Book{
		Type:          job.Type,
		Title:         story.Title,
		CharacterName: character.Name,
		CoverImageURL: refImages[0],
		Pages:         pages,
	})
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"story_title": story.Title,
		"pages":       story.Pages,
		"scene_urls":  sceneURLs,
		"validations": validations,
		"pdf_url":     pdfURL,
	}
	if audioURLs != nil {
		result["audio_urls"] = audioURLs
	}
	return result, nil
}

// prepareCharacter runs the two sequential lead-in stages shared by both
// DAGs. Both are fatal on failure.
func (o *Orchestrator) prepareCharacter(ctx context.Context, job models.Job) (Character, []string, error) {
	var character Character
	_, err := o.runStage(ctx, job.ID, models.StageCharacterExtraction, nil, func(ctx context.Context) (map[string]any, error) {
		ch, err := o.c.Characters.ExtractCharacter(ctx, job.JobData)
		if err != nil {
			return nil, err
		}
		character = ch
		return map[string]any{
			"character_name":     ch.Name,
			"character_type":     ch.Kind,
			"original_image_url": ch.OriginalImageURL,
		}, nil
	})
	if err != nil {
		return Character{}, nil, err
	}

	var refImages []string
	_, err = o.runStage(ctx, job.ID, models.StageEnhancement, nil, func(ctx context.Context) (map[string]any, error) {
		images, err := o.c.Enhancer.EnhanceCharacter(ctx, character, job.JobData)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			return nil, errors.New("enhancement produced no reference images")
		}
		refImages = images
		return map[string]any{"enhanced_images": images}, nil
	})
	if err != nil {
		return Character{}, nil, err
	}
	return character, refImages, nil
}

// runStage drives one sequential stage: create the record, mark processing,
// invoke the collaborator, and record the terminal status.
func (o *Orchestrator) runStage(ctx context.Context, jobID string, name models.StageName, sceneIndex *int, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	stage, err := o.queue.CreateStage(ctx, jobID, name, sceneIndex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if _, err := o.queue.UpdateStageStatus(ctx, stage.ID, models.StageProcessing, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	start := time.Now()
	result, err := fn(ctx)
	o.warnIfSlow(jobID, name, start)
	if err != nil {
		wrapped := fmt.Errorf("%s: %w", name, err)
		o.markStageFailed(ctx, stage.ID, err)
		return nil, wrapped
	}

	done := 100
	if _, err := o.queue.UpdateStageStatus(ctx, stage.ID, models.StageCompleted, &done, nil, result); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	telemetry.StagesCompleted.Inc()
	return result, nil
}

// createScenes fans out one scene_creation stage per page, joins all of them,
// and reassembles the image references in index order. Any single failure is
// fatal: the book cannot ship with a missing illustration.
func (o *Orchestrator) createScenes(ctx context.Context, job models.Job, character Character, refImages, pageTexts []string) ([]string, error) {
	n := len(pageTexts)
	stages := make([]models.Stage, n)
	for i := 0; i < n; i++ {
		idx := i
		stage, err := o.queue.CreateStage(ctx, job.ID, models.StageSceneCreation, &idx)
		if err != nil {
			return nil, fmt.Errorf("scene_creation: %w", err)
		}
		stages[i] = stage
		if _, err := o.queue.UpdateStageStatus(ctx, stage.ID, models.StageProcessing, nil, nil, nil); err != nil {
			return nil, fmt.Errorf("scene_creation: %w", err)
		}
	}

	urls := make([]string, n)
	errs := make([]error, n)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = o.c.Scenes.CreateScene(ctx, SceneRequest{
				JobID:             job.ID,
				SceneIndex:        i,
				PageText:          pageTexts[i],
				Character:         character,
				StoryWorld:        strField(job.JobData, "story_world"),
				ReferenceImageURL: refImages[0],
			})
		}(i)
	}
	wg.Wait()
	o.warnIfSlow(job.ID, models.StageSceneCreation, start)

	var firstErr error
	done := 100
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			o.markStageFailed(ctx, stages[i].ID, errs[i])
			if firstErr == nil {
				firstErr = fmt.Errorf("scene_creation[%d]: %w", i, errs[i])
			}
			continue
		}
		if _, err := o.queue.UpdateStageStatus(ctx, stages[i].ID, models.StageCompleted, &done, nil, map[string]any{"scene_url": urls[i]}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("scene_creation[%d]: %w", i, err)
		}
		telemetry.StagesCompleted.Inc()
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return urls, nil
}

// validateScenes fans out one consistency_validation stage per scene.
// Failures are soft: a failed unit is recorded and replaced with a default
// "not validated" report, and the job proceeds regardless.
func (o *Orchestrator) validateScenes(ctx context.Context, job models.Job, sceneURLs []string, referenceURL string) []ConsistencyReport {
	n := len(sceneURLs)
	stages := make([]models.Stage, n)
	for i := 0; i < n; i++ {
		idx := i
		stage, err := o.queue.CreateStage(ctx, job.ID, models.StageConsistencyValidation, &idx)
		if err != nil {
			slog.Warn("could not create validation stage", "job_id", job.ID, "scene_index", i, "error", err)
			continue
		}
		stages[i] = stage
		if _, err := o.queue.UpdateStageStatus(ctx, stage.ID, models.StageProcessing, nil, nil, nil); err != nil {
			slog.Warn("could not start validation stage", "job_id", job.ID, "scene_index", i, "error", err)
		}
	}

	reports := make([]ConsistencyReport, n)
	errs := make([]error, n)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = o.c.Validator.ValidateConsistency(ctx, sceneURLs[i], referenceURL)
		}(i)
	}
	wg.Wait()
	o.warnIfSlow(job.ID, models.StageConsistencyValidation, start)

	done := 100
	for i := 0; i < n; i++ {
		if stages[i].ID == "" {
			continue
		}
		if errs[i] != nil {
			// Treated as consistent with validation_available=false.
			reports[i] = ConsistencyReport{
				IsConsistent:        true,
				SimilarityScore:     0.5,
				ValidationAvailable: false,
				Details:             errs[i].Error(),
			}
			o.markStageFailed(ctx, stages[i].ID, errs[i])
			slog.Warn("consistency validation failed, continuing", "job_id", job.ID, "scene_index", i, "error", errs[i])
			continue
		}
		reports[i].ValidationAvailable = true
		if _, err := o.queue.UpdateStageStatus(ctx, stages[i].ID, models.StageCompleted, &done, nil, map[string]any{
			"is_consistent":    reports[i].IsConsistent,
			"similarity_score": reports[i].SimilarityScore,
			"flagged":          reports[i].Flagged,
			"details":          reports[i].Details,
		}); err != nil {
			slog.Warn("could not complete validation stage", "job_id", job.ID, "scene_index", i, "error", err)
		}
		telemetry.StagesCompleted.Inc()
	}
	return reports
}

// narrateStory runs the single audio_generation stage. Audio failure is soft:
// the stage is marked failed and the job ships without narration.
func (o *Orchestrator) narrateStory(ctx context.Context, job models.Job, story Story) []*string {
	var audioURLs []*string
	_, err := o.runStage(ctx, job.ID, models.StageAudioGeneration, nil, func(ctx context.Context) (map[string]any, error) {
		urls, err := o.c.Audio.NarratePages(ctx, story.Pages, strField(job.JobData, "age_group"))
		if err != nil {
			return nil, err
		}
		if len(urls) != len(story.Pages) {
			return nil, fmt.Errorf("audio generation returned %d entries, want %d", len(urls), len(story.Pages))
		}
		audioURLs = urls
		return map[string]any{"audio_urls": urls}, nil
	})
	if err != nil {
		slog.Warn("audio generation failed, continuing without narration", "job_id", job.ID, "error", err)
		return nil
	}
	return audioURLs
}

// renderDocument runs the final pdf_creation stage. Fatal on failure.
func (o *Orchestrator) renderDocument(ctx context.Context, job models.Job, book Book) (string, error) {
	var pdfURL string
	_, err := o.runStage(ctx, job.ID, models.StagePDFCreation, nil, func(ctx context.Context) (map[string]any, error) {
		url, err := o.c.Renderer.RenderBook(ctx, book)
		if err != nil {
			return nil, err
		}
		pdfURL = url
		return map[string]any{"pdf_url": url}, nil
	})
	if err != nil {
		return "", err
	}
	return pdfURL, nil
}

func (o *Orchestrator) markStageFailed(ctx context.Context, stageID string, cause error) {
	msg := cause.Error()
	if _, err := o.queue.UpdateStageStatus(ctx, stageID, models.StageFailed, nil, &msg, nil); err != nil {
		slog.Error("could not mark stage failed", "stage_id", stageID, "error", err)
	}
	telemetry.StagesFailed.Inc()
}

func (o *Orchestrator) warnIfSlow(jobID string, name models.StageName, start time.Time) {
	if o.stageWarnAfter <= 0 {
		return
	}
	if elapsed := time.Since(start); elapsed > o.stageWarnAfter {
		slog.Warn("stage exceeded advisory timeout", "job_id", jobID, "stage", name, "elapsed", elapsed, "advisory", o.stageWarnAfter)
	}
}

func strField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func bookTitle(jobData map[string]any, characterName string) string {
	if t := strField(jobData, "story_title"); t != "" {
		return t
	}
	if characterName == "" {
		characterName = "Character"
	}
	return fmt.Sprintf("%s's Adventure", characterName)
}
