package generate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"storybook-pipeline/internal/artifact"
	"storybook-pipeline/internal/imageproc"
	"storybook-pipeline/internal/pipeline"
)

// sceneMaxWidth caps stored scene illustrations; larger renders are
// downscaled before upload.
const sceneMaxWidth = 1024

// SceneClient generates one scene illustration per call: it asks the image
// service for a render, normalizes the bytes, and uploads the result.
type SceneClient struct {
	baseURL  string
	http     *http.Client
	uploader artifact.Uploader
}

func NewSceneClient(baseURL string, timeout time.Duration, uploader artifact.Uploader) *SceneClient {
	return &SceneClient{baseURL: baseURL, http: newHTTPClient(timeout), uploader: uploader}
}

var _ pipeline.SceneCreator = (*SceneClient)(nil)

type sceneRequest struct {
	SceneIndex        int                `json:"scene_index"`
	PageText          string             `json:"page_text,omitempty"`
	Character         pipeline.Character `json:"character"`
	StoryWorld        string             `json:"story_world,omitempty"`
	ReferenceImageURL string             `json:"reference_image_url"`
}

// CreateScene renders, normalizes, and stores one illustration, returning the
// artifact reference recorded in the job result.
func (c *SceneClient) CreateScene(ctx context.Context, req pipeline.SceneRequest) (string, error) {
	payload := sceneRequest{
		SceneIndex:        req.SceneIndex,
		PageText:          req.PageText,
		Character:         req.Character,
		StoryWorld:        req.StoryWorld,
		ReferenceImageURL: req.ReferenceImageURL,
	}
	raw, _, err := postForBytes(ctx, c.http, c.baseURL+"/scene", payload)
	if err != nil {
		return "", fmt.Errorf("create scene %d: %w", req.SceneIndex, err)
	}

	normalized, err := imageproc.NormalizeScene(raw, sceneMaxWidth)
	if err != nil {
		return "", fmt.Errorf("normalize scene %d: %w", req.SceneIndex, err)
	}

	key := artifact.SceneKey(req.JobID, req.SceneIndex)
	ref, err := c.uploader.Upload(ctx, key, normalized, "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload scene %d: %w", req.SceneIndex, err)
	}
	return ref, nil
}
