// Package mafsdk is a small client for the maf HTTP API.
package mafsdk

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

// Client is a minimal maf HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID           string     `json:"id"`
	FeatureID    string     `json:"feature_id"`
	AgentRole    string     `json:"agent_role"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
}

type Feature struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	TaskIDs     []string  `json:"task_ids"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tasks       []Task    `json:"tasks,omitempty"`
}

// Statistics mirrors the task statistics snapshot.
type Statistics struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	MeanRetryCount   float64        `json:"mean_retry_count"`
	PendingByAgent   map[string]int `json:"pending_by_agent"`
	ByAgent          map[string]int `json:"by_agent"`
	FeaturesByStatus map[string]int `json:"features_by_status"`
	CompletionRate   float64        `json:"completion_rate"`
	TasksWithErrors  int            `json:"tasks_with_errors"`
	// Bus holds the bus counters reported alongside the task statistics.
	Bus map[string]any `json:"-"`
}

type HealthReport struct {
	Healthy     bool     `json:"healthy"`
	Stalled     []string `json:"stalled"`
	LongRunning []string `json:"long_running"`
	Failed      []string `json:"failed"`
	CheckedAt   string   `json:"checked_at"`
}

// Event is one bus event as served by /events.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Target        string          `json:"target,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventsPage wraps event listings with an inclusive resume cursor.
type EventsPage struct {
	Items     []Event `json:"items"`
	NextSince string  `json:"next_since"`
}

type RetrySummary struct {
	Retried         []Task   `json:"retried"`
	Exhausted       []string `json:"exhausted"`
	BlockedFeatures []string `json:"blocked_features"`
	ResumedFeatures []string `json:"resumed_features"`
}

type RecoverySummary struct {
	Stalled []string     `json:"stalled"`
	Retry   RetrySummary `json:"retry"`
}

type CleanupSummary struct {
	Features []string `json:"features"`
	Tasks    int      `json:"tasks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RequestFeature submits a feature for decomposition.
func (c *Client) RequestFeature(ctx context.Context, description string) (Feature, error) {
	var resp Feature
	err := c.do(ctx, http.MethodPost, "features", map[string]any{"description": description}, &resp)
	return resp, err
}

// Feature returns a feature with its tasks.
func (c *Client) Feature(ctx context.Context, id string) (Feature, error) {
	var resp Feature
	err := c.do(ctx, http.MethodGet, "features/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Features lists features, optionally by status.
func (c *Client) Features(ctx context.Context, status string) ([]Feature, error) {
	endpoint := "features"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Feature `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// PendingTasks returns pending tasks for an agent role.
func (c *Client) PendingTasks(ctx context.Context, role string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(role)+"/pending", nil, &resp)
	return resp.Items, err
}

// Stats returns task statistics.
func (c *Client) Stats(ctx context.Context) (Statistics, error) {
	var resp struct {
		Tasks Statistics     `json:"tasks"`
		Bus   map[string]any `json:"bus"`
	}
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	resp.Tasks.Bus = resp.Bus
	return resp.Tasks, err
}

func (c *Client) TaskHealth(ctx context.Context) (HealthReport, error) {
	var resp HealthReport
	err := c.do(ctx, http.MethodGet, "health/tasks", nil, &resp)
	return resp, err
}

// Events returns bus history from since onward. A zero since starts at the
// oldest retained event.
func (c *Client) Events(ctx context.Context, eventType string, since time.Time, limit int) (EventsPage, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) RecoverStalled(ctx context.Context) (RecoverySummary, error) {
	var resp RecoverySummary
	err := c.do(ctx, http.MethodPost, "recovery/stalled", nil, &resp)
	return resp, err
}

func (c *Client) RetryFailed(ctx context.Context) (RetrySummary, error) {
	var resp RetrySummary
	err := c.do(ctx, http.MethodPost, "recovery/retry", nil, &resp)
	return resp, err
}

// Cleanup archives finished features; zero retention uses the server's.
func (c *Client) Cleanup(ctx context.Context, retention time.Duration) (CleanupSummary, error) {
	body := map[string]any{}
	if retention > 0 {
		body["retention"] = retention.String()
	}
	var resp CleanupSummary
	err := c.do(ctx, http.MethodPost, "recovery/cleanup", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
