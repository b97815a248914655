// Package client talks to the experiment backend on behalf of a participant.
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
	"strings"
	"time"

	"github.com/memorygame/internal/models"
)

// Client calls the backend endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a backend client. A nil httpClient gets a 5 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// InitializeRun asks the backend for the worker's next run
func (c *Client) InitializeRun(ctx context.Context, workerID, medium string, trialFeedback bool) (*models.RunInfo, error) {
	q := url.Values{}
	q.Set("workerId", workerID)
	q.Set("medium", medium)
	q.Set("trialFeedback", strconv.FormatBool(trialFeedback))

	var info models.RunInfo
	if err := c.get(ctx, "/initializerun", q, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// InitializePreview fetches the run shown before a HIT is accepted
func (c *Client) InitializePreview(ctx context.Context, trialFeedback bool) (*models.RunInfo, error) {
	q := url.Values{}
	q.Set("trialFeedback", strconv.FormatBool(trialFeedback))

	var info models.RunInfo
	if err := c.get(ctx, "/initializepreview", q, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FinalizeRun reports a finished run and returns the participant's scores
func (c *Client) FinalizeRun(ctx context.Context, payload models.RunPayload) (*models.FinalizeResult, error) {
	var result models.FinalizeResult
	if err := c.post(ctx, "/finalizerun", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(httpReq, out)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(httpReq *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", httpReq.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed with status %d: %s", httpReq.URL.Path, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
