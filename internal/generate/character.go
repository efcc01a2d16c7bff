package generate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"storybook-pipeline/internal/pipeline"
)

// CharacterClient talks to the character service, which owns both extraction
// from the user's uploaded drawing and visual enhancement.
type CharacterClient struct {
	baseURL string
	http    *http.Client
}

func NewCharacterClient(baseURL string, timeout time.Duration) *CharacterClient {
	return &CharacterClient{baseURL: baseURL, http: newHTTPClient(timeout)}
}

var _ pipeline.CharacterExtractor = (*CharacterClient)(nil)
var _ pipeline.Enhancer = (*CharacterClient)(nil)

type extractResponse struct {
	CharacterName  string `json:"character_name"`
	CharacterType  string `json:"character_type"`
	SpecialAbility string `json:"special_ability"`
	ImageURL       string `json:"original_image_url"`
}

// ExtractCharacter identifies the character in the uploaded artwork.
func (c *CharacterClient) ExtractCharacter(ctx context.Context, jobData map[string]any) (pipeline.Character, error) {
	var out extractResponse
	if err := postJSON(ctx, c.http, c.baseURL+"/extract", jobData, &out); err != nil {
		return pipeline.Character{}, fmt.Errorf("extract character: %w", err)
	}
	if out.CharacterName == "" {
		return pipeline.Character{}, fmt.Errorf("extract character: empty character name")
	}
	return pipeline.Character{
		Name:             out.CharacterName,
		Kind:             out.CharacterType,
		SpecialAbility:   out.SpecialAbility,
		OriginalImageURL: out.ImageURL,
	}, nil
}

type enhanceRequest struct {
	Character pipeline.Character `json:"character"`
	JobData   map[string]any     `json:"job_data"`
}

type enhanceResponse struct {
	EnhancedImages []string `json:"enhanced_images"`
}

// EnhanceCharacter produces cleaned-up renditions of the character that the
// scene stages use as reference imagery.
func (c *CharacterClient) EnhanceCharacter(ctx context.Context, character pipeline.Character, jobData map[string]any) ([]string, error) {
	var out enhanceResponse
	req := enhanceRequest{Character: character, JobData: jobData}
	if err := postJSON(ctx, c.http, c.baseURL+"/enhance", req, &out); err != nil {
		return nil, fmt.Errorf("enhance character: %w", err)
	}
	if len(out.EnhancedImages) == 0 {
		return nil, fmt.Errorf("enhance character: no images returned")
	}
	return out.EnhancedImages, nil
}
