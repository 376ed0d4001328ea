package traksdk

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

// Client is a minimal Trak HTTP API client.
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

// Story represents the API story model.
type Story struct {
	Code        string `json:"code"`
	FeatureCode string `json:"feature_code"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Mode        string `json:"mode,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID              string  `json:"id"`
	StoryCode       string  `json:"story_code"`
	Title           string  `json:"title"`
	Assignee        *string `json:"assignee,omitempty"`
	Status          string  `json:"status"`
	RetrospectiveID *string `json:"retrospective_id,omitempty"`
}

// AgentDefinition represents a registered agent base name.
type AgentDefinition struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Name      string  `json:"name"`
	StoryCode *string `json:"story_code,omitempty"`
}

// Retrospective represents a mini-retrospective attached to a task.
type Retrospective struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	StoryCode string `json:"story_code"`
	Summary   string `json:"summary"`
}

// GateResult is one gate outcome within a validation report.
type GateResult struct {
	Gate        string `json:"gate"`
	Passed      bool   `json:"passed"`
	Detail      string `json:"detail,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Report is the outcome of running the gate pipeline for a story.
type Report struct {
	StoryCode string       `json:"story_code"`
	Strict    bool         `json:"strict"`
	Passed    bool         `json:"passed"`
	Gates     []GateResult `json:"gates"`
}

// ActivityEntry is one activity log row.
type ActivityEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	StoryCode  string         `json:"story_code,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PaginatedActivity wraps activity listings with a cursor.
type PaginatedActivity struct {
	Items      []ActivityEntry `json:"items"`
	NextCursor int64           `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateFeature creates a feature.
func (c *Client) CreateFeature(ctx context.Context, code, name string) error {
	body := map[string]any{"code": code, "name": name}
	return c.do(ctx, http.MethodPost, "v0/features", body, nil)
}

// CreateStory creates a story under a feature; the code is minted server side.
func (c *Client) CreateStory(ctx context.Context, featureCode, title string) (Story, error) {
	body := map[string]any{"feature_code": featureCode, "title": title}
	var resp Story
	err := c.do(ctx, http.MethodPost, "v0/stories", body, &resp)
	return resp, err
}

// GetStory fetches a story with its derived governance mode.
func (c *Client) GetStory(ctx context.Context, code string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodGet, "v0/stories/"+url.PathEscape(code), nil, &resp)
	return resp, err
}

// CreateTask creates a task on a story. An AssignmentError from the server
// surfaces as an APIError with status 422.
func (c *Client) CreateTask(ctx context.Context, storyCode, title, assignee string) (Task, error) {
	body := map[string]any{"story_code": storyCode, "title": title}
	if assignee != "" {
		body["assignee"] = assignee
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// AssignTask sets a task's assignee; pass "" to clear it.
func (c *Client) AssignTask(ctx context.Context, taskID, assignee string) (Task, error) {
	body := map[string]any{"assignee": assignee}
	var resp Task
	err := c.do(ctx, http.MethodPatch, "v0/tasks/"+url.PathEscape(taskID), body, &resp)
	return resp, err
}

// CompleteTask marks a task completed.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/complete", nil, &resp)
	return resp, err
}

// RegisterAgent registers an agent definition; empty storyCode makes it global.
func (c *Client) RegisterAgent(ctx context.Context, storyCode, role, name string) (AgentDefinition, error) {
	body := map[string]any{"role": role, "name": name}
	if storyCode != "" {
		body["story_code"] = storyCode
	}
	var resp AgentDefinition
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// AttachRetrospective attaches a retrospective to a task.
func (c *Client) AttachRetrospective(ctx context.Context, taskID, summary string) (Retrospective, error) {
	body := map[string]any{"task_id": taskID, "summary": summary}
	var resp Retrospective
	err := c.do(ctx, http.MethodPost, "v0/retros", body, &resp)
	return resp, err
}

// ValidateStory runs the gate pipeline for a story.
func (c *Client) ValidateStory(ctx context.Context, storyCode string, strict bool) (Report, error) {
	endpoint := "v0/stories/" + url.PathEscape(storyCode) + "/validate"
	if strict {
		endpoint += "?strict=true"
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Activity returns recent activity entries.
func (c *Client) Activity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	page, err := c.ActivityPage(ctx, limit, 0)
	return page.Items, err
}

// ActivityPage returns a paginated activity listing; cursor 0 starts from the tail.
func (c *Client) ActivityPage(ctx context.Context, limit int, cursor int64) (PaginatedActivity, error) {
	endpoint := "v0/activity"
	sep := "?"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
		sep = "&"
	}
	if cursor > 0 {
		endpoint = fmt.Sprintf("%s%scursor=%d", endpoint, sep, cursor)
	}
	var resp PaginatedActivity
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
