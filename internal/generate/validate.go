package generate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"storybook-pipeline/internal/pipeline"
)

// ValidatorClient scores generated scenes against the character reference
// image. Validation is advisory, so callers tolerate errors from here.
type ValidatorClient struct {
	baseURL string
	http    *http.Client
}

func NewValidatorClient(baseURL string, timeout time.Duration) *ValidatorClient {
	return &ValidatorClient{baseURL: baseURL, http: newHTTPClient(timeout)}
}

var _ pipeline.ConsistencyValidator = (*ValidatorClient)(nil)

type validateRequest struct {
	SceneURL     string `json:"scene_url"`
	ReferenceURL string `json:"reference_url"`
}

func (c *ValidatorClient) ValidateConsistency(ctx context.Context, sceneURL, referenceURL string) (pipeline.ConsistencyReport, error) {
	var out pipeline.ConsistencyReport
	req := validateRequest{SceneURL: sceneURL, ReferenceURL: referenceURL}
	if err := postJSON(ctx, c.http, c.baseURL+"/validate", req, &out); err != nil {
		return pipeline.ConsistencyReport{}, fmt.Errorf("validate consistency: %w", err)
	}
	out.ValidationAvailable = true
	return out, nil
}
