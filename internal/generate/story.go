package generate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"storybook-pipeline/internal/pipeline"
)

// StoryClient requests the five-page story text for adventure books.
type StoryClient struct {
	baseURL string
	http    *http.Client
	pages   int
}

func NewStoryClient(baseURL string, timeout time.Duration) *StoryClient {
	return &StoryClient{baseURL: baseURL, http: newHTTPClient(timeout), pages: 5}
}

var _ pipeline.StoryGenerator = (*StoryClient)(nil)

type storyRequest struct {
	Character pipeline.Character `json:"character"`
	JobData   map[string]any     `json:"job_data"`
	PageCount int                `json:"page_count"`
}

// GenerateStory asks the story service for a titled story and verifies the
// page count before any downstream stage commits work to it.
func (c *StoryClient) GenerateStory(ctx context.Context, ch pipeline.Character, jobData map[string]any) (pipeline.Story, error) {
	var out pipeline.Story
	req := storyRequest{Character: ch, JobData: jobData, PageCount: c.pages}
	if err := postJSON(ctx, c.http, c.baseURL+"/story", req, &out); err != nil {
		return pipeline.Story{}, fmt.Errorf("generate story: %w", err)
	}
	if len(out.Pages) != c.pages {
		return pipeline.Story{}, fmt.Errorf("generate story: got %d pages, want %d", len(out.Pages), c.pages)
	}
	for i, page := range out.Pages {
		if page == "" {
			return pipeline.Story{}, fmt.Errorf("generate story: page %d is empty", i+1)
		}
	}
	return out, nil
}
