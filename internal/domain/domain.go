package domain

// StageUnassigned is the stage value of a work item that has not entered
// the pipeline yet.
const StageUnassigned = "unassigned"

// Task statuses. Ready is initial, done is terminal.
const (
	TaskReady   = "ready"
	TaskRunning = "running"
	TaskReview  = "review"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Brief statuses.
const (
	BriefDraft  = "draft"
	BriefFrozen = "frozen"
)

// Upload session statuses, forward-only except error which resets to idle.
const (
	SessionIdle      = "idle"
	SessionUploading = "uploading"
	SessionAnalyzing = "analyzing"
	SessionDrafting  = "drafting"
	SessionReady     = "ready"
)

// Source file micro-states.
const (
	FileUploading  = "uploading"
	FileProcessing = "processing"
	FileComplete   = "complete"
	FileError      = "error"
)

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// WorkItem is a unit of inbound signal: an idea, alert, or review request.
type WorkItem struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	Stage             string            `json:"stage"`
	Severity          string            `json:"severity,omitempty"`
	Kind              string            `json:"kind" enum:"idea,alert,review"`
	Title             string            `json:"title"`
	Summary           string            `json:"summary,omitempty"`
	Unread            bool              `json:"unread"`
	LinkedArtifactIDs []string          `json:"linked_artifact_ids,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

// StageBoard maps stage names to ordered work item ids for one project.
// A work item id appears in at most one bucket at any time.
type StageBoard struct {
	ProjectID string              `json:"project_id"`
	Stages    map[string][]string `json:"stages"`
}

// StageTransition is an immutable, append-only audit record of a board
// mutation. FromStage is nil on first entry into the pipeline.
type StageTransition struct {
	ID        int64   `json:"id"`
	ItemID    string  `json:"item_id"`
	FromStage *string `json:"from_stage,omitempty"`
	ToStage   string  `json:"to_stage"`
	ProjectID string  `json:"project_id"`
	ActorID   string  `json:"actor_id"`
	TS        string  `json:"ts" format:"date-time"`
}

type Task struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	BriefID       *string  `json:"brief_id,omitempty"`
	Title         string   `json:"title"`
	Status        string   `json:"status" enum:"ready,running,review,done,failed"`
	DependsOn     []string `json:"depends_on,omitempty"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

// ProgressMessage is one entry in a task's append-only progress sequence.
type ProgressMessage struct {
	ID      int64  `json:"id"`
	TaskID  string `json:"task_id"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	TS      string `json:"ts" format:"date-time"`
}

// ProductBrief is a versioned planning document. Once frozen, content
// fields never change; a new draft bumps the version instead.
type ProductBrief struct {
	ID               string   `json:"id"`
	ItemID           string   `json:"item_id"`
	ProjectID        string   `json:"project_id"`
	Version          int      `json:"version"`
	Status           string   `json:"status" enum:"draft,frozen"`
	ProblemStatement string   `json:"problem_statement,omitempty"`
	Goals            []string `json:"goals,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	UserStories      []string `json:"user_stories,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
	FrozenAt         *string  `json:"frozen_at,omitempty" format:"date-time"`
}

type UploadSession struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Status    string       `json:"status" enum:"idle,uploading,analyzing,drafting,ready"`
	Files     []SourceFile `json:"files"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

type SourceFile struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	SourceTag string `json:"source_tag"`
	Status    string `json:"status" enum:"uploading,processing,complete,error"`
	Position  int    `json:"position"`
}

// Event is a durable event-log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
