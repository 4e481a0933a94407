package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/query"
	"github.com/fentz26/labflow/internal/workflow"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// actorHeader must match the daemon's.
const actorHeader = "X-Labflow-User"

// Client wraps HTTP calls to the labflow API as one user.
type Client struct {
	baseURL    string
	user       string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL, user string) *Client {
	return &Client{
		baseURL: baseURL,
		user:    user,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// User is the acting username.
func (c *Client) User() string {
	return c.user
}

func (c *Client) do(method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(actorHeader, c.user)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListTasks fetches up to one page of tasks, optionally filtered by
// status, searched by q, or only those the user holds.
func (c *Client) ListTasks(f Filter) ([]workflow.AnnotatedTask, error) {
	if f.Mine {
		var tasks []workflow.AnnotatedTask
		err := c.do(http.MethodGet, "/tasks/mine", nil, &tasks)
		return tasks, err
	}

	q := url.Values{}
	q.Set("per_page", "200")
	if f.Search != "" {
		q.Set("q", f.Search)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}

	var page struct {
		Tasks []workflow.AnnotatedTask `json:"tasks"`
	}
	if err := c.do(http.MethodGet, "/tasks?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page.Tasks, nil
}

// GetTask fetches a single task with its timeline.
func (c *Client) GetTask(id int64) (*TaskDetail, error) {
	var t TaskDetail
	if err := c.do(http.MethodGet, fmt.Sprintf("/tasks/%d", id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask assigns a new task to assignee.
func (c *Client) CreateTask(assignee, title, description string) (*workflow.AnnotatedTask, error) {
	body := map[string]string{
		"title":       title,
		"description": description,
		"assigned_to": assignee,
	}
	var t workflow.AnnotatedTask
	if err := c.do(http.MethodPost, "/tasks", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Handover passes a task to the next holder.
func (c *Client) Handover(id int64, to, note string) (*workflow.AnnotatedTask, error) {
	var t workflow.AnnotatedTask
	err := c.do(http.MethodPost, fmt.Sprintf("/tasks/%d/handover", id),
		map[string]string{"to": to, "note": note}, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetStatus changes a task's status.
func (c *Client) SetStatus(id int64, status models.TaskStatus) error {
	return c.do(http.MethodPost, fmt.Sprintf("/tasks/%d/status", id),
		map[string]models.TaskStatus{"status": status}, nil)
}

// Repeat creates a task that redoes one stage of task id.
func (c *Client) Repeat(id int64, stageKey, assignee, reason string) (*workflow.AnnotatedTask, error) {
	body := map[string]interface{}{
		"source_id":   id,
		"stage":       stageKey,
		"assigned_to": assignee,
		"reason":      reason,
	}
	var t workflow.AnnotatedTask
	if err := c.do(http.MethodPost, "/tasks/repeat", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Stats fetches task counts, only the user's when mine is set.
func (c *Client) Stats(mine bool) (*query.Stats, error) {
	path := "/tasks/stats"
	if mine {
		path += "?user=" + url.QueryEscape(c.user)
	}
	var st query.Stats
	if err := c.do(http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Inbox fetches the user's recent notifications.
func (c *Client) Inbox() ([]notify.Event, error) {
	var events []notify.Event
	err := c.do(http.MethodGet, "/inbox?n=20", nil, &events)
	return events, err
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}
