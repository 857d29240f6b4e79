package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	http_api "threat-api/internal/api/http"
	"threat-api/internal/domain"
)

// ErrNotFound is returned when the API answers 404.
var ErrNotFound = errors.New("not found")

// APIError is any other non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
	Details    []string
	JobID      string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// Client talks to the job API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit posts a job and returns its id.
func (c *Client) Submit(ctx context.Context, req http_api.SubmitJobRequest) (string, error) {
	var out http_api.SubmitJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// SubmitAndWait posts a job and blocks server-side for up to wait.
func (c *Client) SubmitAndWait(ctx context.Context, req http_api.SubmitJobRequest, wait time.Duration) (*http_api.JobView, error) {
	var out http_api.JobView
	path := "/jobs?wait=" + url.QueryEscape(wait.String())
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, jobID string) (*http_api.JobView, error) {
	var out http_api.JobView
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Modules(ctx context.Context) (map[string]domain.ModuleInfo, error) {
	var out map[string]domain.ModuleInfo
	if err := c.do(ctx, http.MethodGet, "/modules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Classify asks the API to group iocs by indicator type.
func (c *Client) Classify(ctx context.Context, iocs []string) (map[string][]string, error) {
	var out map[string][]string
	if err := c.do(ctx, http.MethodPost, "/classify", http_api.ClassifyRequest{IOCs: iocs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var e struct {
			Error   string   `json:"error"`
			Details []string `json:"details"`
			JobID   string   `json:"job_id"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Details, apiErr.JobID = e.Error, e.Details, e.JobID
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
