package server

import (
	"encoding/json"

	"stageline/internal/domain"
)

// Request/response DTOs for the HTTP API. Domain types are close to the
// wire shape already; the mappers exist so the API surface can drift from
// storage without breaking clients.

type CreateProjectRequest struct {
	ID          string  `json:"id" example:"proj-1"`
	Kind        string  `json:"kind,omitempty" example:"idea-pipeline"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Kind: p.Kind, Status: p.Status, Description: p.Description, CreatedAt: p.CreatedAt}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

type CreateItemRequest struct {
	ID       string            `json:"id,omitempty"`
	Kind     string            `json:"kind,omitempty" example:"idea"`
	Severity string            `json:"severity,omitempty"`
	Title    string            `json:"title"`
	Summary  string            `json:"summary,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ItemResponse struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	Stage             string            `json:"stage"`
	Severity          string            `json:"severity,omitempty"`
	Kind              string            `json:"kind"`
	Title             string            `json:"title"`
	Summary           string            `json:"summary,omitempty"`
	Unread            bool              `json:"unread"`
	LinkedArtifactIDs []string          `json:"linked_artifact_ids,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

func itemResponse(it domain.WorkItem) ItemResponse {
	return ItemResponse{
		ID: it.ID, ProjectID: it.ProjectID, Stage: it.Stage, Severity: it.Severity,
		Kind: it.Kind, Title: it.Title, Summary: it.Summary, Unread: it.Unread,
		LinkedArtifactIDs: it.LinkedArtifactIDs, Metadata: it.Metadata,
		CreatedAt: it.CreatedAt, UpdatedAt: it.UpdatedAt,
	}
}

func mapItems(in []domain.WorkItem) []ItemResponse {
	out := make([]ItemResponse, 0, len(in))
	for _, it := range in {
		out = append(out, itemResponse(it))
	}
	return out
}

type MoveItemRequest struct {
	ToStage string `json:"to_stage" example:"think"`
}

type TransitionResponse struct {
	ID        int64   `json:"id"`
	ItemID    string  `json:"item_id"`
	FromStage *string `json:"from_stage,omitempty"`
	ToStage   string  `json:"to_stage"`
	ActorID   string  `json:"actor_id"`
	TS        string  `json:"ts"`
}

func transitionResponse(t domain.StageTransition) TransitionResponse {
	return TransitionResponse{ID: t.ID, ItemID: t.ItemID, FromStage: t.FromStage, ToStage: t.ToStage, ActorID: t.ActorID, TS: t.TS}
}

func mapTransitions(in []domain.StageTransition) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(in))
	for _, t := range in {
		out = append(out, transitionResponse(t))
	}
	return out
}

type BoardResponse struct {
	ProjectID string              `json:"project_id"`
	Stages    map[string][]string `json:"stages"`
}

type CreateTaskRequest struct {
	ID            string   `json:"id,omitempty"`
	BriefID       *string  `json:"brief_id,omitempty"`
	Title         string   `json:"title"`
	DependsOn     []string `json:"depends_on,omitempty"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
}

type UpdateTaskRequest struct {
	Title         *string  `json:"title,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
}

type TaskResponse struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	BriefID       *string  `json:"brief_id,omitempty"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	DependsOn     []string `json:"depends_on,omitempty"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID: t.ID, ProjectID: t.ProjectID, BriefID: t.BriefID, Title: t.Title,
		Status: t.Status, DependsOn: t.DependsOn, AssignedAgent: t.AssignedAgent,
		Priority: t.Priority, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt, CompletedAt: t.CompletedAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

type ProgressRequest struct {
	Percent int    `json:"percent" minimum:"0" maximum:"100"`
	Message string `json:"message"`
}

type ProgressResponse struct {
	ID      int64  `json:"id"`
	TaskID  string `json:"task_id"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

func mapProgress(in []domain.ProgressMessage) []ProgressResponse {
	out := make([]ProgressResponse, 0, len(in))
	for _, m := range in {
		out = append(out, ProgressResponse{ID: m.ID, TaskID: m.TaskID, Percent: m.Percent, Message: m.Message, TS: m.TS})
	}
	return out
}

type UpdateBriefRequest struct {
	ProblemStatement *string  `json:"problem_statement,omitempty"`
	Goals            []string `json:"goals,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	UserStories      []string `json:"user_stories,omitempty"`
}

type BriefResponse struct {
	ID               string   `json:"id"`
	ItemID           string   `json:"item_id"`
	ProjectID        string   `json:"project_id"`
	Version          int      `json:"version"`
	Status           string   `json:"status"`
	ProblemStatement string   `json:"problem_statement,omitempty"`
	Goals            []string `json:"goals,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	UserStories      []string `json:"user_stories,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	FrozenAt         *string  `json:"frozen_at,omitempty"`
}

func briefResponse(b domain.ProductBrief) BriefResponse {
	return BriefResponse{
		ID: b.ID, ItemID: b.ItemID, ProjectID: b.ProjectID, Version: b.Version,
		Status: b.Status, ProblemStatement: b.ProblemStatement, Goals: b.Goals,
		Risks: b.Risks, UserStories: b.UserStories,
		CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt, FrozenAt: b.FrozenAt,
	}
}

func mapBriefs(in []domain.ProductBrief) []BriefResponse {
	out := make([]BriefResponse, 0, len(in))
	for _, b := range in {
		out = append(out, briefResponse(b))
	}
	return out
}

type FileResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SourceTag string `json:"source_tag"`
	Status    string `json:"status"`
	Position  int    `json:"position"`
}

type SessionResponse struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Status    string         `json:"status"`
	Files     []FileResponse `json:"files"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

func sessionResponse(s domain.UploadSession) SessionResponse {
	files := make([]FileResponse, 0, len(s.Files))
	for _, f := range s.Files {
		files = append(files, FileResponse{ID: f.ID, Name: f.Name, SourceTag: f.SourceTag, Status: f.Status, Position: f.Position})
	}
	return SessionResponse{ID: s.ID, ProjectID: s.ProjectID, Status: s.Status, Files: files, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func mapSessions(in []domain.UploadSession) []SessionResponse {
	out := make([]SessionResponse, 0, len(in))
	for _, s := range in {
		out = append(out, sessionResponse(s))
	}
	return out
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID: e.ID, TS: e.TS, Type: e.Type, ProjectID: e.ProjectID,
		EntityKind: e.EntityKind, EntityID: e.EntityID, ActorID: e.ActorID, Payload: payload,
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}
