// Package collab declares the contracts of external collaborators the
// engine invokes but does not implement: content generation, task
// execution, and raw file storage. Implementations live outside the core;
// the in-memory defaults here exist for local use and tests.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// BriefSeed is the input handed to the content generator when a work item
// reaches the planning stage.
type BriefSeed struct {
	ItemID    string
	ProjectID string
	Kind      string
	Title     string
	Summary   string
}

// BriefContent is generated planning content. All fields optional.
type BriefContent struct {
	ProblemStatement string
	Goals            []string
	Risks            []string
	UserStories      []string
}

// ContentGenerator drafts planning content from a seed. Failure must
// degrade to fallback content at the call site, never propagate as a
// pipeline failure. Implementations must honor ctx cancellation.
type ContentGenerator interface {
	Draft(ctx context.Context, seed BriefSeed) (BriefContent, error)
}

// Progress is one update from an agent run. A message with Done set is
// terminal; Err non-nil on a terminal message means the run failed.
type Progress struct {
	Percent int
	Message string
	Done    bool
	Err     error
}

// RunRequest carries what an agent needs to execute a task.
type RunRequest struct {
	TaskID  string
	Title   string
	Agent   string
	Context map[string]string
}

// AgentRunner executes a task as a black box. The core only consumes the
// progress stream; retries are the runner's business.
type AgentRunner interface {
	Start(ctx context.Context, req RunRequest) (<-chan Progress, error)
}

// File is an uploaded source file. Raw bytes never reach the core store;
// only processing status is tracked there.
type File struct {
	Name string
	Data []byte
}

// FileStore accepts raw uploads and returns an opaque file id.
type FileStore interface {
	Put(ctx context.Context, sessionID string, f File) (string, error)
}

// StaticGenerator returns seed-derived content without calling out
// anywhere. Default wiring for the CLI and tests.
type StaticGenerator struct{}

func (StaticGenerator) Draft(_ context.Context, seed BriefSeed) (BriefContent, error) {
	problem := seed.Summary
	if problem == "" {
		problem = fmt.Sprintf("Refine: %s", seed.Title)
	}
	return BriefContent{
		ProblemStatement: problem,
		Goals:            []string{fmt.Sprintf("Deliver %s", seed.Title)},
	}, nil
}

// FailingGenerator always fails. Test double for collaborator outages.
type FailingGenerator struct {
	Reason string
}

func (g FailingGenerator) Draft(context.Context, BriefSeed) (BriefContent, error) {
	reason := g.Reason
	if reason == "" {
		reason = "generator unavailable"
	}
	return BriefContent{}, errors.New(reason)
}

// NopRunner accepts every run and reports immediate success.
type NopRunner struct{}

func (NopRunner) Start(ctx context.Context, req RunRequest) (<-chan Progress, error) {
	ch := make(chan Progress, 1)
	ch <- Progress{Percent: 100, Message: "done", Done: true}
	close(ch)
	return ch, nil
}

// MemFileStore keeps uploads in memory, keyed by session.
type MemFileStore struct {
	mu    sync.Mutex
	files map[string][]File
}

func NewMemFileStore() *MemFileStore {
	return &MemFileStore{files: make(map[string][]File)}
}

func (s *MemFileStore) Put(_ context.Context, sessionID string, f File) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[sessionID] = append(s.files[sessionID], f)
	return fmt.Sprintf("%s/%d", sessionID, len(s.files[sessionID])), nil
}
