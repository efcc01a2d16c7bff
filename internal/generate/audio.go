package generate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"storybook-pipeline/internal/artifact"
	"storybook-pipeline/internal/pipeline"
)

// AudioClient narrates story pages one at a time. A page that fails to
// synthesize yields a nil entry rather than failing the batch; the batch only
// errors when no page produced audio.
type AudioClient struct {
	baseURL  string
	http     *http.Client
	uploader artifact.Uploader
}

func NewAudioClient(baseURL string, timeout time.Duration, uploader artifact.Uploader) *AudioClient {
	return &AudioClient{baseURL: baseURL, http: newHTTPClient(timeout), uploader: uploader}
}

var _ pipeline.AudioSynthesizer = (*AudioClient)(nil)

type narrateRequest struct {
	Text     string `json:"text"`
	AgeGroup string `json:"age_group,omitempty"`
	Page     int    `json:"page_number"`
}

// NarratePages synthesizes narration for each page in order.
func (c *AudioClient) NarratePages(ctx context.Context, pages []string, ageGroup string) ([]*string, error) {
	urls := make([]*string, len(pages))
	succeeded := 0
	batchID := artifact.BatchID()

	for i, text := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := narrateRequest{Text: text, AgeGroup: ageGroup, Page: i + 1}
		raw, contentType, err := postForBytes(ctx, c.http, c.baseURL+"/narrate", req)
		if err != nil {
			slog.Warn("page narration failed", "page", i+1, "error", err)
			continue
		}
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		ref, err := c.uploader.Upload(ctx, artifact.AudioKey(batchID, i+1), raw, contentType)
		if err != nil {
			slog.Warn("page narration upload failed", "page", i+1, "error", err)
			continue
		}
		urls[i] = &ref
		succeeded++
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("narrate pages: all %d pages failed", len(pages))
	}
	return urls, nil
}
