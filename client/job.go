package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Result is the structured extraction outcome.
type Result struct {
	Data       json.RawMessage `json:"data"`
	Confidence float64         `json:"confidence"`
}

// JobError describes why a job failed.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the server's view of a submission.
type Job struct {
	ID             string    `json:"job_id"`
	PatternID      string    `json:"pattern_id"`
	Status         string    `json:"status"`
	Result         *Result   `json:"result,omitempty"`
	Error          *JobError `json:"error,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	return j.Status == "completed" || j.Status == "failed"
}

// IngestRequest is an image submission.
type IngestRequest struct {
	// ImageURL is a publicly reachable image URL. Mutually exclusive
	// with ImageBase64.
	ImageURL string `json:"image_url,omitempty"`

	// ImageBase64 is an inline base64-encoded image payload.
	ImageBase64 string `json:"image_base64,omitempty"`

	// WebhookURL receives a one-shot notification when this job
	// finishes, in addition to any registered subscriptions.
	WebhookURL string `json:"webhook_url,omitempty"`

	// IdempotencyKey deduplicates retried submissions.
	IdempotencyKey string `json:"-"`
}

// IngestResult is the outcome of a submission.
type IngestResult struct {
	Job *Job

	// Replayed is true when an idempotency key matched an earlier
	// submission and no new job was created.
	Replayed bool

	// StatusCode is the raw HTTP status: 202 for a new asynchronous
	// job, 200 for a replay or an inline synchronous result.
	StatusCode int

	// RateLimit reflects the X-RateLimit-* response headers.
	RateLimit RateLimit
}

// Ingest submits an image for analysis against a pattern. A 200
// response means either an idempotent replay or an inline result from a
// synchronous pattern; both are reported as Replayed=false only when
// the job was newly created.
func (c *Client) Ingest(ctx context.Context, patternID string, req IngestRequest) (*IngestResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/patterns/"+patternID+"/ingest", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var j Job
	resp, err := c.send(httpReq, &j)
	if err != nil {
		return nil, err
	}
	return &IngestResult{
		Job:        &j,
		Replayed:   resp.StatusCode == http.StatusOK && req.IdempotencyKey != "",
		StatusCode: resp.StatusCode,
		RateLimit:  rateLimitFrom(resp),
	}, nil
}

// IngestFile submits an image as a multipart upload.
func (c *Client) IngestFile(ctx context.Context, patternID, filename string, r io.Reader) (*IngestResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("client: build multipart body: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("client: read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("client: finish multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/patterns/"+patternID+"/ingest", &buf)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var j Job
	resp, err := c.send(httpReq, &j)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Job: &j, StatusCode: resp.StatusCode, RateLimit: rateLimitFrom(resp)}, nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	if _, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Wait polls until the job reaches a terminal status or ctx expires.
func (c *Client) Wait(ctx context.Context, jobID string) (*Job, error) {
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		j, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-tick.C:
		}
	}
}
