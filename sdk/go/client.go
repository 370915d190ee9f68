package batonsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Baton HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Execution represents the API execution model (partial).
type Execution struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	CurrentRole    string            `json:"current_role"`
	Status         string            `json:"status"`
	CompletedSteps []string          `json:"completed_steps"`
	Variables      map[string]string `json:"-"`
}

// StepOutcome is one step of a processing pass.
type StepOutcome struct {
	StepID      string   `json:"step_id"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
	Output      string   `json:"output,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ProcessResult aggregates one processing pass.
type ProcessResult struct {
	Success        bool          `json:"success"`
	ExecutionID    string        `json:"execution_id"`
	CurrentRole    string        `json:"current_role"`
	Transitioned   bool          `json:"transitioned"`
	Completed      bool          `json:"completed"`
	Blocked        string        `json:"blocked,omitempty"`
	Steps          []StepOutcome `json:"steps,omitempty"`
	CompletedSteps []string      `json:"completed_steps,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	Suggestions    []string      `json:"suggestions,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartExecution creates an execution of the workflow.
func (c *Client) StartExecution(ctx context.Context, workflowID, role string, variables map[string]string) (Execution, error) {
	body := map[string]any{
		"workflow_id": workflowID,
	}
	if role != "" {
		body["role"] = role
	}
	if len(variables) > 0 {
		body["variables"] = variables
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions", body, &resp)
	return resp, err
}

// GetExecution fetches an execution by id.
func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ProcessRole advances the execution through its current role.
func (c *Client) ProcessRole(ctx context.Context, id string) (ProcessResult, error) {
	var resp ProcessResult
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(id)+"/process", nil, &resp)
	return resp, err
}

// PauseExecution suspends a running execution.
func (c *Client) PauseExecution(ctx context.Context, id, reason string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(id)+"/pause", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResumeExecution returns a paused execution to running.
func (c *Client) ResumeExecution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
