package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// statusPathCandidates are the task status endpoints tried in priority
// order. Backend versions disagree on the path; a 404 from one candidate
// means "try the next", not an error.
var statusPathCandidates = []string{
	"api/tasks/%s/status",
	"api/tasks/%s",
	"api/status/%s",
}

// Client talks to a paperdeck processing server.
type Client struct {
	baseURL string
	http    *resty.Client
	titles  *titleCache
}

// NewClient creates a client authenticated with the server API token.
func NewClient(baseURL, apiToken string) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		titles:  newTitleCache(512),
	}

	client.http = resty.New().
		SetHeader("User-Agent", "paperdeck-desktop").
		SetAuthToken(apiToken).
		SetTimeout(120 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return client
}

// Get performs a GET request against the server
func (c *Client) Get(endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.http.R()
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Get(c.buildURL(endpoint))
}

// Post performs a POST request against the server
func (c *Client) Post(endpoint string, payload interface{}) (*resty.Response, error) {
	return c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.buildURL(endpoint))
}

// SubmitJob submits a job payload to the given endpoint and returns the
// task id the backend assigned.
func (c *Client) SubmitJob(endpoint string, payload interface{}) (string, error) {
	resp, err := c.Post(endpoint, payload)
	if err != nil {
		return "", fmt.Errorf("job submission failed: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("job submission failed: HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to parse submission response: %w", err)
	}

	taskID := result.TaskID
	if taskID == "" {
		taskID = result.ID
	}
	if taskID == "" {
		return "", fmt.Errorf("no task id in submission response: %s", resp.String())
	}
	return taskID, nil
}

// FetchStatus fetches the current task status, trying each candidate
// endpoint in order and returning the first well-formed response body.
func (c *Client) FetchStatus(taskID string) ([]byte, error) {
	var lastErr error
	for _, pattern := range statusPathCandidates {
		endpoint := fmt.Sprintf(pattern, taskID)
		resp, err := c.Get(endpoint, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode() == 404 {
			// This backend version doesn't serve this path; try next.
			lastErr = fmt.Errorf("HTTP 404 from %s", endpoint)
			continue
		}
		if !resp.IsSuccess() {
			lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode(), endpoint)
			continue
		}
		return resp.Body(), nil
	}
	return nil, fmt.Errorf("all status endpoints failed for task %s: %w", taskID, lastErr)
}

// CancelTask asks the backend to cancel a task. A 404 or 409 means the
// task is already gone or finished, which cancellation treats as done.
func (c *Client) CancelTask(taskID string) error {
	resp, err := c.Post(fmt.Sprintf("api/tasks/%s/cancel", taskID), nil)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	if resp.IsSuccess() || resp.StatusCode() == 404 || resp.StatusCode() == 409 {
		return nil
	}
	return fmt.Errorf("cancel failed: HTTP %d: %s", resp.StatusCode(), resp.String())
}

// ResolveSourceTitle retrieves the display title of a document source
// (with caching). Falls back to the URL itself when resolution fails.
func (c *Client) ResolveSourceTitle(sourceURL string) string {
	if title, exists := c.titles.Get(sourceURL); exists {
		return title
	}

	resp, err := c.Get("api/sources/resolve", map[string]string{"url": sourceURL})
	if err != nil || !resp.IsSuccess() {
		c.titles.Put(sourceURL, sourceURL)
		return sourceURL
	}

	var result struct {
		Title       string `json:"title"`
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		c.titles.Put(sourceURL, sourceURL)
		return sourceURL
	}

	title := result.Title
	if title == "" {
		title = result.DisplayName
	}
	if title == "" {
		title = sourceURL
	}

	c.titles.Put(sourceURL, title)
	return title
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}
