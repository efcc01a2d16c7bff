package pipeline

import (
	"context"

	"storybook-pipeline/internal/models"
)

// Character is the structured descriptor produced by character extraction and
// threaded through every later stage.
type Character struct {
	Name             string `json:"character_name"`
	Kind             string `json:"character_type"`
	SpecialAbility   string `json:"special_ability,omitempty"`
	OriginalImageURL string `json:"original_image_url,omitempty"`
}

// Story is the output of story generation: a title and exactly five pages.
type Story struct {
	Title string   `json:"title"`
	Pages []string `json:"pages"`
}

// SceneRequest describes one scene image to generate.
type SceneRequest struct {
	JobID             string
	SceneIndex        int
	PageText          string
	Character         Character
	StoryWorld        string
	ReferenceImageURL string
}

// ConsistencyReport is the result of validating a generated scene against the
// character reference image.
type ConsistencyReport struct {
	IsConsistent        bool    `json:"is_consistent"`
	SimilarityScore     float64 `json:"similarity_score"`
	Flagged             bool    `json:"flagged"`
	ValidationAvailable bool    `json:"validation_available"`
	Details             string  `json:"details,omitempty"`
}

// Page is one assembled page of the finished book.
type Page struct {
	Number   int     `json:"page_number"`
	Text     string  `json:"text"`
	SceneURL string  `json:"scene_url"`
	AudioURL *string `json:"audio_url,omitempty"`
}

// Book is the assembled content handed to the document renderer.
type Book struct {
	Type          models.JobType `json:"job_type"`
	Title         string         `json:"title"`
	CharacterName string         `json:"character_name"`
	CoverImageURL string         `json:"cover_image_url,omitempty"`
	SceneURLs     []string       `json:"scene_urls,omitempty"`
	Pages         []Page         `json:"pages,omitempty"`
}

// CharacterExtractor derives a character descriptor from the raw job input.
type CharacterExtractor interface {
	ExtractCharacter(ctx context.Context, jobData map[string]any) (Character, error)
}

// Enhancer produces reference images for the character. At least one image is
// required for the pipeline to proceed.
type Enhancer interface {
	EnhanceCharacter(ctx context.Context, ch Character, jobData map[string]any) ([]string, error)
}

// StoryGenerator writes the five-page story for story adventure jobs.
type StoryGenerator interface {
	GenerateStory(ctx context.Context, ch Character, jobData map[string]any) (Story, error)
}

// SceneCreator generates one illustration and returns its artifact reference.
type SceneCreator interface {
	CreateScene(ctx context.Context, req SceneRequest) (string, error)
}

// ConsistencyValidator scores a generated scene against the reference image.
type ConsistencyValidator interface {
	ValidateConsistency(ctx context.Context, sceneURL, referenceURL string) (ConsistencyReport, error)
}

// AudioSynthesizer narrates the five story pages. Entries in the returned
// slice may be nil for pages that individually failed.
type AudioSynthesizer interface {
	NarratePages(ctx context.Context, pages []string, ageGroup string) ([]*string, error)
}

// DocumentRenderer turns the assembled book into a document and returns the
// uploaded artifact reference.
type DocumentRenderer interface {
	RenderBook(ctx context.Context, book Book) (string, error)
}

// CompletionNotifier tells the job's requester the book is ready. Strictly
// best-effort: a notification failure can never fail the job.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, job models.Job, result map[string]any) error
}

// Collaborators bundles the external services the orchestrator drives.
type Collaborators struct {
	Characters CharacterExtractor
	Enhancer   Enhancer
	Stories    StoryGenerator
	Scenes     SceneCreator
	Validator  ConsistencyValidator
	Audio      AudioSynthesizer
	Renderer   DocumentRenderer
	Notifier   CompletionNotifier
}
