// Package render turns an assembled book into its final document via the
// rendering service and stores the output as an artifact.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storybook-pipeline/internal/artifact"
	"storybook-pipeline/internal/pipeline"
)

const maxDocumentBytes = 50 * 1024 * 1024

// PDFClient asks the renderer service for the finished book document.
type PDFClient struct {
	baseURL  string
	http     *http.Client
	uploader artifact.Uploader
}

func NewPDFClient(baseURL string, timeout time.Duration, uploader artifact.Uploader) *PDFClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &PDFClient{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		uploader: uploader,
	}
}

var _ pipeline.DocumentRenderer = (*PDFClient)(nil)

// RenderBook renders the book and returns the stored document reference.
func (c *PDFClient) RenderBook(ctx context.Context, book pipeline.Book) (string, error) {
	payload, err := json.Marshal(book)
	if err != nil {
		return "", fmt.Errorf("marshal book: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("render book: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("render book: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	if len(doc) == 0 {
		return "", fmt.Errorf("render book: empty document")
	}
	if len(doc) > maxDocumentBytes {
		return "", fmt.Errorf("render book: document too large (>%d bytes)", maxDocumentBytes)
	}

	key := artifact.BookKey(artifact.BatchID(), string(book.Type))
	ref, err := c.uploader.Upload(ctx, key, doc, "application/pdf")
	if err != nil {
		return "", fmt.Errorf("upload document: %w", err)
	}
	return ref, nil
}
