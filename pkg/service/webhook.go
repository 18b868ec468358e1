package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/utils"
)

type WebhookUpload struct {
	URL     string
	Headers map[string]string
	Image   []byte
	Format  string
}

type WebhookResponse struct {
	Status     int
	StatusText string
}

// WebhookStatusError is returned when the receiver answers with a non-2xx status.
type WebhookStatusError struct {
	Status     int
	StatusText string
	Body       string
}

func (e *WebhookStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("webhook returned %d %s: %s", e.Status, e.StatusText, e.Body)
	}
	return fmt.Sprintf("webhook returned %d %s", e.Status, e.StatusText)
}

// WebhookClient POSTs images as the raw request body.
type WebhookClient struct {
	client *http.Client
	logger *slog.Logger
}

func NewWebhookClient(timeout time.Duration, logger *slog.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &WebhookClient{client: &http.Client{Timeout: timeout}, logger: logger}
}

func (w *WebhookClient) Upload(ctx context.Context, u WebhookUpload) (*WebhookResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(u.Image))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", models.ContentType(u.Format))
	req.Header.Set("User-Agent", "inkdash")
	for k, v := range u.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	out := &WebhookResponse{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return out, &WebhookStatusError{Status: resp.StatusCode, StatusText: out.StatusText, Body: string(bytes.TrimSpace(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	w.logger.Debug("Webhook accepted image", "url", u.URL, "status", resp.StatusCode, "bytes", len(u.Image))
	return out, nil
}
