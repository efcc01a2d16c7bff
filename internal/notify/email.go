package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"storybook-pipeline/internal/models"
	"storybook-pipeline/internal/pipeline"
)

// EmailNotifier posts a completion summary to the email webhook. Callers treat
// failures as advisory; a lost email never fails a finished job.
type EmailNotifier struct {
	webhookURL string
	http       *http.Client
}

func NewEmailNotifier(webhookURL string, timeout time.Duration) *EmailNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EmailNotifier{webhookURL: webhookURL, http: &http.Client{Timeout: timeout}}
}

var _ pipeline.CompletionNotifier = (*EmailNotifier)(nil)

type completionPayload struct {
	JobID     string         `json:"job_id"`
	JobType   string         `json:"job_type"`
	Recipient string         `json:"recipient,omitempty"`
	Result    map[string]any `json:"result"`
}

func (n *EmailNotifier) NotifyCompletion(ctx context.Context, job models.Job, result map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	payload := completionPayload{
		JobID:   job.ID,
		JobType: string(job.Type),
		Result:  result,
	}
	if email, ok := job.JobData["user_email"].(string); ok {
		payload.Recipient = email
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("send completion webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("completion webhook: status %d", resp.StatusCode)
	}
	return nil
}
