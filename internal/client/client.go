package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"watermark-encoder/pkg/models"
)

// Reporter posts job results and the batch summary to a webhook. A Reporter
// with an empty URL does nothing, so callers need not check.
type Reporter struct {
	url        string
	sessionID  string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewReporter creates an HTTP client with retries for url.
func NewReporter(url, sessionID string, log zerolog.Logger) *Reporter {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil // Silence default debug logger

	return &Reporter{
		url:        url,
		sessionID:  sessionID,
		httpClient: retryClient.StandardClient(),
		log:        log.With().Str("component", "reporter").Logger(),
	}
}

// Enabled reports whether a webhook is configured.
func (r *Reporter) Enabled() bool { return r != nil && r.url != "" }

// StatusError is a non-2xx answer from the webhook.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify endpoint returned status %d", e.StatusCode)
}

func (r *Reporter) post(ctx context.Context, kind string, payload interface{}) error {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", r.sessionID)
	req.Header.Set("X-Event", kind)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// ReportJob sends the result of one output variant.
func (r *Reporter) ReportJob(ctx context.Context, p models.JobResultPayload) error {
	if !r.Enabled() {
		return nil
	}
	if err := r.post(ctx, "job", p); err != nil {
		return fmt.Errorf("report job %s: %w", p.JobID, err)
	}
	r.log.Debug().Str("job", p.JobID).Str("status", p.Status).Msg("job result reported")
	return nil
}

// ReportSummary sends the end-of-run totals.
func (r *Reporter) ReportSummary(ctx context.Context, p models.BatchSummaryPayload) error {
	if !r.Enabled() {
		return nil
	}
	if p.SessionID == "" {
		p.SessionID = r.sessionID
	}
	if err := r.post(ctx, "summary", p); err != nil {
		return fmt.Errorf("report summary: %w", err)
	}
	r.log.Debug().Int("files", p.Files).Msg("batch summary reported")
	return nil
}
