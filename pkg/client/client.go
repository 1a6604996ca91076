// Package client provides a typed HTTP client for the Conveyor API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Job mirrors the record the API returns.
type Job struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	TimeoutMs   int        `json:"timeout_ms"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
}

// SubmitOptions are the optional fields of a submission.
type SubmitOptions struct {
	Priority   string
	TimeoutMs  *int
	MaxRetries *int
}

// ListOptions select and paginate an enumeration.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// ListResult is one page of jobs.
type ListResult struct {
	Jobs   []Job `json:"jobs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Message    string
	ErrorID    string
	RequestID  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s (error_id=%s)", e.StatusCode, e.Message, e.ErrorID)
}

// Client talks to a Conveyor server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:4000".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit enqueues a command and returns the new job id.
func (c *Client) Submit(ctx context.Context, command string, opts SubmitOptions) (string, error) {
	body := map[string]interface{}{"command": command}
	if opts.Priority != "" {
		body["priority"] = opts.Priority
	}
	if opts.TimeoutMs != nil {
		body["timeout"] = *opts.TimeoutMs
	}
	if opts.MaxRetries != nil {
		body["max_retries"] = *opts.MaxRetries
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/jobs", body, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Get fetches one job by id.
func (c *Client) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// List enumerates jobs with optional filtering and pagination.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result ListResult
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel cancels a pending or running job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

// Wait polls until the job reaches a terminal state or ctx expires.
func (c *Client) Wait(ctx context.Context, id string, pollInterval time.Duration) (*Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		j, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch j.Status {
		case "completed", "failed", "cancelled":
			return j, nil
		}

		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

// do performs one request and decodes the response or the error envelope.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Message   string `json:"message"`
			ErrorID   string `json:"error_id"`
			RequestID string `json:"request_id"`
			Error     string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		message := envelope.Message
		if message == "" {
			message = envelope.Error
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    message,
			ErrorID:    envelope.ErrorID,
			RequestID:  envelope.RequestID,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
