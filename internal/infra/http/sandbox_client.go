package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"threat-api/internal/longpoll"
)

// maxReportBytes caps how much of a report is read into memory.
const maxReportBytes = 8 << 20

// sandboxClient talks to a detonation sandbox over its REST API:
//
//	POST {base}/submissions            -> {"id": "..."}
//	GET  {base}/submissions/{id}       -> {"state": "...", "detail": "..."}
//	GET  {base}/submissions/{id}/report
type sandboxClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewSandboxClient creates a longpoll.Backend for the sandbox at baseURL.
func NewSandboxClient(baseURL, apiKey string, timeout time.Duration) longpoll.Backend {
	return &sandboxClient{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

func (c *sandboxClient) Submit(ctx context.Context, artifact []byte) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "submissions", bytes.NewReader(artifact))
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("sandbox returned an empty submission id")
	}
	return resp.ID, nil
}

func (c *sandboxClient) Status(ctx context.Context, externalID string) (longpoll.Status, error) {
	body, err := c.do(ctx, http.MethodGet, "submissions/"+url.PathEscape(externalID), nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return longpoll.Status{State: longpoll.StateNotFound}, nil
		}
		return longpoll.Status{}, err
	}
	var status longpoll.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return longpoll.Status{}, fmt.Errorf("failed to decode status response: %w", err)
	}
	return status, nil
}

func (c *sandboxClient) Fetch(ctx context.Context, externalID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "submissions/"+url.PathEscape(externalID)+"/report", nil)
}

type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return "sandbox returned " + e.status
}

// do performs a single request. Timeouts and 5xx responses come back as
// longpoll transient errors; the adapter decides whether to retry.
func (c *sandboxClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("failed to build sandbox url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, longpoll.Transient(fmt.Errorf("http request timed out: %w", err))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, longpoll.Transient(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReportBytes))
	if err != nil {
		return nil, longpoll.Transient(fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, longpoll.Transient(&statusError{code: resp.StatusCode, status: resp.Status})
	case resp.StatusCode >= 400:
		return nil, &statusError{code: resp.StatusCode, status: resp.Status}
	}
	return data, nil
}
