// Package stagelinesdk is a minimal typed client for the Stageline HTTP API.
package stagelinesdk

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

// Client talks to one project of a Stageline server.
type Client struct {
	BaseURL    string
	ProjectID  string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Item represents the API work item model.
type Item struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	Unread    bool   `json:"unread"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Transition is one stage move audit record.
type Transition struct {
	ID        int64   `json:"id"`
	ItemID    string  `json:"item_id"`
	FromStage *string `json:"from_stage,omitempty"`
	ToStage   string  `json:"to_stage"`
	ActorID   string  `json:"actor_id"`
	TS        string  `json:"ts"`
}

// Board maps stage names to ordered item ids.
type Board struct {
	ProjectID string              `json:"project_id"`
	Stages    map[string][]string `json:"stages"`
}

// Task represents the API task model.
type Task struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	BriefID       *string  `json:"brief_id,omitempty"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	DependsOn     []string `json:"depends_on,omitempty"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

// Progress is one task progress update.
type Progress struct {
	ID      int64  `json:"id"`
	TaskID  string `json:"task_id"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

// Blockers reports a task's unmet dependencies.
type Blockers struct {
	Blocking  []string `json:"blocking"`
	Completed int      `json:"completed"`
	Total     int      `json:"total"`
}

// Brief represents a versioned product brief.
type Brief struct {
	ID               string   `json:"id"`
	ItemID           string   `json:"item_id"`
	ProjectID        string   `json:"project_id"`
	Version          int      `json:"version"`
	Status           string   `json:"status"`
	ProblemStatement string   `json:"problem_statement,omitempty"`
	Goals            []string `json:"goals,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	UserStories      []string `json:"user_stories,omitempty"`
	FrozenAt         *string  `json:"frozen_at,omitempty"`
}

// BriefPatch holds optional brief content updates. Nil fields are left
// untouched.
type BriefPatch struct {
	ProblemStatement *string  `json:"problem_statement,omitempty"`
	Goals            []string `json:"goals,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	UserStories      []string `json:"user_stories,omitempty"`
}

// File is one registered source file in a session.
type File struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SourceTag string `json:"source_tag"`
	Status    string `json:"status"`
	Position  int    `json:"position"`
}

// Session represents an upload session.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Files     []File `json:"files"`
}

// Event represents a durable log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem registers a work item in the unassigned stage.
func (c *Client) CreateItem(ctx context.Context, title, kind, summary string) (Item, error) {
	body := map[string]any{"title": title, "kind": kind, "summary": summary}
	var resp Item
	err := c.do(ctx, http.MethodPost, c.projectPath("items"), body, &resp)
	return resp, err
}

// GetItem fetches an item by id.
func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, c.projectPath("items/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListItems returns the project's items.
func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	var resp []Item
	err := c.do(ctx, http.MethodGet, c.projectPath("items"), nil, &resp)
	return resp, err
}

// MarkItemRead clears the unread flag.
func (c *Client) MarkItemRead(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("items/%s/read", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// Board returns the stage buckets.
func (c *Client) Board(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, c.projectPath("board"), nil, &resp)
	return resp, err
}

// MoveItem moves an item to a stage and returns the logged transition.
func (c *Client) MoveItem(ctx context.Context, itemID, toStage string) (Transition, error) {
	body := map[string]any{"to_stage": toStage}
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("items/%s/move", url.PathEscape(itemID))), body, &resp)
	return resp, err
}

// RemoveItem takes an item off the board.
func (c *Client) RemoveItem(ctx context.Context, itemID string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("items/%s/remove", url.PathEscape(itemID))), nil, &resp)
	return resp, err
}

// Transitions returns an item's stage history, oldest first.
func (c *Client) Transitions(ctx context.Context, itemID string) ([]Transition, error) {
	var resp []Transition
	endpoint := c.projectPath("transitions") + "?item_id=" + url.QueryEscape(itemID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title string, dependsOn []string) (Task, error) {
	body := map[string]any{"title": title}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListTasks returns the project's tasks in priority order.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks"), nil, &resp)
	return resp, err
}

// StartTask starts a ready task. Unmet dependencies refuse the start.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "start")
}

// RequestReview moves a running task to review.
func (c *Client) RequestReview(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "review")
}

// ApproveTask approves a task in review.
func (c *Client) ApproveTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "approve")
}

// CompleteTask completes a running task directly.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "done")
}

// FailTask marks a task failed.
func (c *Client) FailTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "fail")
}

// RetryTask resumes a failed task.
func (c *Client) RetryTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "retry")
}

// CancelTask cancels a running task.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "cancel")
}

func (c *Client) taskAction(ctx context.Context, id, action string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/%s", url.PathEscape(id), action))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AppendProgress posts a progress update to a running task.
func (c *Client) AppendProgress(ctx context.Context, taskID string, percent int, message string) (Progress, error) {
	body := map[string]any{"percent": percent, "message": message}
	var resp Progress
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/progress", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListProgress returns a task's progress updates, oldest first.
func (c *Client) ListProgress(ctx context.Context, taskID string) ([]Progress, error) {
	var resp []Progress
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/progress", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TaskBlockers reports unmet dependencies and completion counts.
func (c *Client) TaskBlockers(ctx context.Context, taskID string) (Blockers, error) {
	var resp Blockers
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/blockers", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateBrief mints (or returns) the brief for an item.
func (c *Client) CreateBrief(ctx context.Context, itemID string) (Brief, error) {
	var resp Brief
	endpoint := c.projectPath(fmt.Sprintf("items/%s/brief", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetBrief fetches a brief by id.
func (c *Client) GetBrief(ctx context.Context, id string) (Brief, error) {
	var resp Brief
	err := c.do(ctx, http.MethodGet, c.projectPath("briefs/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListBriefs returns the project's briefs.
func (c *Client) ListBriefs(ctx context.Context) ([]Brief, error) {
	var resp []Brief
	err := c.do(ctx, http.MethodGet, c.projectPath("briefs"), nil, &resp)
	return resp, err
}

// UpdateBrief patches a draft brief's content.
func (c *Client) UpdateBrief(ctx context.Context, id string, patch BriefPatch) (Brief, error) {
	var resp Brief
	err := c.do(ctx, http.MethodPatch, c.projectPath("briefs/"+url.PathEscape(id)), patch, &resp)
	return resp, err
}

// FreezeBrief locks a brief's content.
func (c *Client) FreezeBrief(ctx context.Context, id string) (Brief, error) {
	var resp Brief
	endpoint := c.projectPath(fmt.Sprintf("briefs/%s/freeze", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DraftBrief opens the next draft version from a frozen brief.
func (c *Client) DraftBrief(ctx context.Context, frozenID string) (Brief, error) {
	var resp Brief
	endpoint := c.projectPath(fmt.Sprintf("briefs/%s/draft", url.PathEscape(frozenID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// MaterializeTasks expands a frozen brief's goals into tasks.
func (c *Client) MaterializeTasks(ctx context.Context, briefID string) ([]Task, error) {
	var resp []Task
	endpoint := c.projectPath(fmt.Sprintf("briefs/%s/tasks", url.PathEscape(briefID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateSession opens an upload session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.projectPath("sessions"), nil, &resp)
	return resp, err
}

// GetSession fetches a session and its files.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.projectPath("sessions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// AddFile registers and stores a source file in a session.
func (c *Client) AddFile(ctx context.Context, sessionID, name string, data []byte) (File, error) {
	body := map[string]any{"name": name, "data": data}
	var resp File
	endpoint := c.projectPath(fmt.Sprintf("sessions/%s/files", url.PathEscape(sessionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AnalyzeSession turns completed files into draft brief content.
func (c *Client) AnalyzeSession(ctx context.Context, id string) (map[string]any, error) {
	var resp map[string]any
	endpoint := c.projectPath(fmt.Sprintf("sessions/%s/analyze", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ArchiveSession deletes a session in a terminal state.
func (c *Client) ArchiveSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("sessions/"+url.PathEscape(id)), nil, nil)
}

// Events returns durable log rows with id greater than after, oldest first.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	sep := "?"
	if after > 0 {
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp []Event
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-ID", c.ActorID)
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
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
