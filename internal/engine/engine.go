// Package engine implements the core workflow operations: stage moves on
// the board, the task state machine, and brief versioning. Every mutation
// runs in one SQLite transaction with its durable log row; the matching
// broadcast fires after commit, under the same lock, so observers see
// changes in commit order.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/broadcast"
	"stageline/internal/collab"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      *repo.Repo
	Events    events.Writer
	Hub       *broadcast.Hub
	Config    *config.Config
	Generator collab.ContentGenerator
	Runner    collab.AgentRunner
	Now       func() time.Time

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

// runHandle identifies one tracked agent run. The pointer doubles as the
// identity of the run, so a goroutine finishing late cannot delete the
// handle a retry installed after it.
type runHandle struct {
	cancel context.CancelFunc
}

func New(db *sql.DB, r *repo.Repo, cfg *config.Config) *Engine {
	now := time.Now
	return &Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db, Now: now},
		Hub:       broadcast.NewHub(),
		Config:    cfg,
		Generator: collab.StaticGenerator{},
		Runner:    collab.NopRunner{},
		Now:       now,
		runs:      make(map[string]*runHandle),
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) publish(t broadcast.EventType, projectID, entityKind, entityID string, payload map[string]any) {
	e.Hub.Publish(broadcast.Event{
		Type:       t,
		ProjectID:  projectID,
		EntityKind: entityKind,
		EntityID:   entityID,
		Payload:    payload,
		TS:         e.Now().UTC(),
	})
}

// --- projects ---

type CreateProjectParams struct {
	ID          string
	Kind        string
	Description string
	ActorID     string
}

func (e *Engine) CreateProject(ctx context.Context, p CreateProjectParams) (domain.Project, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.ID == "" {
		return domain.Project{}, fmt.Errorf("project id is required")
	}
	if p.Kind == "" {
		p.Kind = "idea-pipeline"
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.CreateProject(ctx, tx, p.ID, p.Kind, p.Description, now); err != nil {
		return domain.Project{}, domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, p.ActorID, events.EventPayload{"kind": p.Kind}); err != nil {
		return domain.Project{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.PersistenceError{Err: err}
	}
	return e.Repo.GetProject(ctx, p.ID)
}

func (e *Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e *Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// DeleteProject removes the project and all dependent rows. Any tracked
// agent runs for the project's tasks are cancelled best effort.
func (e *Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks, err := e.Repo.ListTasks(ctx, projectID)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, projectID); err != nil {
		if err == repo.ErrNotFound {
			return err
		}
		return domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", projectID, "project", projectID, actorID, nil); err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Err: err}
	}
	for _, t := range tasks {
		e.cancelRunLocked(t.ID)
	}
	return nil
}

func (e *Engine) cancelRunLocked(taskID string) {
	if h, ok := e.runs[taskID]; ok {
		h.cancel()
		delete(e.runs, taskID)
	}
}

// --- work items ---

type CreateItemParams struct {
	ID        string
	ProjectID string
	Kind      string
	Severity  string
	Title     string
	Summary   string
	Metadata  map[string]string
	ActorID   string
}

// CreateItem registers a work item in the unassigned stage. It is not on
// the board until the first MoveItem.
func (e *Engine) CreateItem(ctx context.Context, p CreateItemParams) (domain.WorkItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Title == "" {
		return domain.WorkItem{}, fmt.Errorf("item title is required")
	}
	if p.Kind == "" {
		p.Kind = "idea"
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	it := domain.WorkItem{
		ID:        id,
		ProjectID: p.ProjectID,
		Stage:     domain.StageUnassigned,
		Severity:  p.Severity,
		Kind:      p.Kind,
		Title:     p.Title,
		Summary:   p.Summary,
		Unread:    true,
		Metadata:  p.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, "item.created", p.ProjectID, "item", id, p.ActorID, events.EventPayload{"title": p.Title, "kind": p.Kind}); err != nil {
		return domain.WorkItem{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, domain.PersistenceError{Err: err}
	}
	return it, nil
}

func (e *Engine) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.Repo.GetItem(ctx, id)
}

func (e *Engine) ListItems(ctx context.Context, projectID string) ([]domain.WorkItem, error) {
	return e.Repo.ListItems(ctx, projectID)
}

func (e *Engine) MarkItemRead(ctx context.Context, itemID, actorID string) (domain.WorkItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.MarkItemRead(ctx, tx, itemID, e.now()); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, domain.PersistenceError{Err: err}
	}
	it.Unread = false
	return it, nil
}

// --- stage pipeline ---

// MoveItem moves a work item to a stage bucket. The previous entry is
// removed first so the item occupies exactly one bucket. A transition row
// is appended even when the item already sits in the target stage or the
// target stage is not part of the pipeline; the audit trail records intent.
// An unknown target stage skips the bucket insert (logged, not fatal).
// Entering the planning stage triggers brief creation for the item; the
// generator runs after the move commits and outside the engine lock, so a
// slow draft never stalls other mutations.
func (e *Engine) MoveItem(ctx context.Context, projectID, itemID, toStage, actorID string) (domain.StageTransition, error) {
	t, mintBrief, err := e.moveItem(ctx, projectID, itemID, toStage, actorID)
	if err != nil {
		return domain.StageTransition{}, err
	}
	if mintBrief {
		if _, err := e.CreateBrief(ctx, itemID, actorID); err != nil {
			log.Printf("engine: brief creation for %s: %v", itemID, err)
		}
	}
	return t, nil
}

func (e *Engine) moveItem(ctx context.Context, projectID, itemID, toStage, actorID string) (domain.StageTransition, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	known := e.Config.StageKnown(toStage)
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.StageTransition{}, false, err
	}
	if it.ProjectID != projectID {
		return domain.StageTransition{}, false, repo.ErrNotFound
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()

	var fromStage *string
	current, err := e.Repo.BoardEntryForTx(ctx, tx, projectID, itemID)
	switch {
	case err == nil:
		fromStage = &current
	case err != repo.ErrNotFound:
		return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
	}

	switch {
	case known && current != toStage:
		if fromStage != nil {
			if err := e.Repo.RemoveBoardEntryTx(ctx, tx, projectID, itemID); err != nil {
				return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
			}
		}
		if err := e.Repo.AppendBoardEntryTx(ctx, tx, projectID, toStage, itemID); err != nil {
			return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
		}
		if err := e.Repo.UpdateItemStageTx(ctx, tx, itemID, toStage, now); err != nil {
			return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
		}
	case !known:
		log.Printf("engine: move %s: unknown stage %q, bucket insert skipped", itemID, toStage)
		if fromStage != nil {
			if err := e.Repo.RemoveBoardEntryTx(ctx, tx, projectID, itemID); err != nil {
				return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
			}
			if err := e.Repo.UpdateItemStageTx(ctx, tx, itemID, domain.StageUnassigned, now); err != nil {
				return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
			}
		}
	}

	t := domain.StageTransition{
		ItemID:    itemID,
		FromStage: fromStage,
		ToStage:   toStage,
		ProjectID: projectID,
		ActorID:   actorID,
		TS:        now,
	}
	t.ID, err = e.Repo.InsertTransitionTx(ctx, tx, t)
	if err != nil {
		return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
	}
	from := ""
	if fromStage != nil {
		from = *fromStage
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.StageMoved), projectID, "item", itemID, actorID,
		events.EventPayload{"from": from, "to": toStage, "transition_id": t.ID}); err != nil {
		return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.StageTransition{}, false, domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.StageMoved, projectID, "item", itemID, map[string]any{"from": from, "to": toStage, "transition_id": t.ID})
	mint := known && toStage == e.Config.PlanningStage() && current != toStage
	return t, mint, nil
}

// RemoveItem takes the item off the board and records a transition back to
// unassigned. The item row itself survives.
func (e *Engine) RemoveItem(ctx context.Context, projectID, itemID, actorID string) (domain.StageTransition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.StageTransition{}, err
	}
	if it.ProjectID != projectID {
		return domain.StageTransition{}, repo.ErrNotFound
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageTransition{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	current, err := e.Repo.BoardEntryForTx(ctx, tx, projectID, itemID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.StageTransition{}, err
		}
		return domain.StageTransition{}, domain.PersistenceError{Err: err}
	}
	if err := e.Repo.RemoveBoardEntryTx(ctx, tx, projectID, itemID); err != nil {
		return domain.StageTransition{}, domain.PersistenceError{Err: err}
	}
	if err := e.Repo.UpdateItemStageTx(ctx, tx, itemID, domain.StageUnassigned, now); err != nil {
		return domain.StageTransition{}, domain.PersistenceError{Err: err}
	}
	t := domain.StageTransition{
		ItemID:    itemID,
		FromStage: &current,
		ToStage:   domain.StageUnassigned,
		ProjectID: projectID,
		ActorID:   actorID,
		TS:        now,
	}
	t.ID, err = e.Repo.InsertTransitionTx(ctx, tx, t)
	if err != nil {
		return domain.StageTransition{}, domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.StageMoved), projectID, "item", itemID, actorID,
		events.EventPayload{"from": current, "to": domain.StageUnassigned, "transition_id": t.ID}); err != nil {
		return domain.StageTransition{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.StageTransition{}, domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.StageMoved, projectID, "item", itemID, map[string]any{"from": current, "to": domain.StageUnassigned, "transition_id": t.ID})
	return t, nil
}

// GetBoard returns the stage buckets. An unknown project yields an
// all-empty board rather than an error.
func (e *Engine) GetBoard(ctx context.Context, projectID string) (domain.StageBoard, error) {
	return e.Repo.GetBoard(ctx, projectID, e.Config.Stages.Order)
}

func (e *Engine) ListTransitions(ctx context.Context, projectID, itemID string) ([]domain.StageTransition, error) {
	return e.Repo.ListTransitions(ctx, projectID, itemID)
}

// --- event log ---

func (e *Engine) EventsAfter(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, projectID, after, limit)
}

func (e *Engine) LatestEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, projectID, limit)
}

// Close cancels all tracked agent runs and waits for their goroutines to
// drain, so nothing re-enters the engine once the caller closes the DB.
func (e *Engine) Close() {
	e.mu.Lock()
	for id, h := range e.runs {
		h.cancel()
		delete(e.runs, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
