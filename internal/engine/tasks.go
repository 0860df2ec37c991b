package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"stageline/internal/broadcast"
	"stageline/internal/collab"
	"stageline/internal/deps"
	"stageline/internal/domain"
	"stageline/internal/events"
)

// ensureTaskTransition validates a status edge. Everything not listed is
// rejected; done is terminal.
func ensureTaskTransition(id, from, to string) error {
	ok := false
	switch from {
	case domain.TaskReady:
		ok = to == domain.TaskRunning
	case domain.TaskRunning:
		ok = to == domain.TaskReview || to == domain.TaskDone || to == domain.TaskFailed || to == domain.TaskReady
	case domain.TaskReview:
		ok = to == domain.TaskDone || to == domain.TaskFailed
	case domain.TaskFailed:
		ok = to == domain.TaskRunning
	}
	if !ok {
		return domain.InvalidTransitionError{Entity: "task", ID: id, From: from, To: to}
	}
	return nil
}

type CreateTaskParams struct {
	ID            string
	ProjectID     string
	BriefID       *string
	Title         string
	DependsOn     []string
	AssignedAgent *string
	Priority      *int
	ActorID       string
}

// CreateTask registers a task in ready status. Dependencies may reference
// tasks that do not exist yet; those block the task until they do and
// complete. Cycles among known tasks are rejected up front.
func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Title == "" {
		return domain.Task{}, fmt.Errorf("task title is required")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	all, err := e.Repo.ListTasks(ctx, p.ProjectID)
	if err != nil {
		return domain.Task{}, domain.PersistenceError{Err: err}
	}
	if err := deps.WouldCycle(all, id, p.DependsOn); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t := domain.Task{
		ID:            id,
		ProjectID:     p.ProjectID,
		BriefID:       p.BriefID,
		Title:         p.Title,
		Status:        domain.TaskReady,
		DependsOn:     p.DependsOn,
		AssignedAgent: p.AssignedAgent,
		Priority:      p.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.writeTask(ctx, t, p.ActorID, true); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e *Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e *Engine) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, projectID)
}

// TaskBlockers returns display names of the unmet dependencies of a task,
// empty when the task is startable.
func (e *Engine) TaskBlockers(ctx context.Context, taskID string) ([]string, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	all, err := e.Repo.ListTasks(ctx, t.ProjectID)
	if err != nil {
		return nil, domain.PersistenceError{Err: err}
	}
	return deps.BlockingTitles(all, t), nil
}

// TaskProgressSummary reports done dependencies over total for a task.
func (e *Engine) TaskProgressSummary(ctx context.Context, taskID string) (deps.Progress, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return deps.Progress{}, err
	}
	all, err := e.Repo.ListTasks(ctx, t.ProjectID)
	if err != nil {
		return deps.Progress{}, domain.PersistenceError{Err: err}
	}
	return deps.DependencyProgress(all, t), nil
}

// StartTask moves a ready task to running, provided every dependency is
// done. When a runner is configured the run is launched in the background
// and its progress stream feeds AppendProgress.
func (e *Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskReady {
		return domain.Task{}, domain.InvalidTransitionError{Entity: "task", ID: t.ID, From: t.Status, To: domain.TaskRunning}
	}
	all, err := e.Repo.ListTasks(ctx, t.ProjectID)
	if err != nil {
		return domain.Task{}, domain.PersistenceError{Err: err}
	}
	if deps.IsBlocked(all, t) {
		return domain.Task{}, domain.DependencyUnmetError{TaskID: t.ID, Blocking: deps.BlockingTitles(all, t)}
	}
	t.Status = domain.TaskRunning
	t.UpdatedAt = e.now()
	if err := e.writeTask(ctx, t, actorID, false); err != nil {
		return domain.Task{}, err
	}
	e.launchRun(t)
	return t, nil
}

// launchRun starts the agent in the background. The progress stream is
// consumed on a goroutine that re-enters the engine per update, so each
// update commits and broadcasts like any other mutation.
func (e *Engine) launchRun(t domain.Task) {
	if e.Runner == nil {
		return
	}
	agent := ""
	if t.AssignedAgent != nil {
		agent = *t.AssignedAgent
	}
	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := e.Runner.Start(runCtx, collab.RunRequest{TaskID: t.ID, Title: t.Title, Agent: agent})
	if err != nil {
		cancel()
		log.Printf("engine: runner start for %s: %v", t.ID, domain.CollaboratorError{Op: "runner.start", Err: err})
		return
	}
	h := &runHandle{cancel: cancel}
	e.runs[t.ID] = h
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		for p := range stream {
			if p.Message != "" || p.Percent > 0 {
				if _, err := e.AppendProgress(context.Background(), t.ID, p.Percent, p.Message, "system"); err != nil {
					log.Printf("engine: progress for %s: %v", t.ID, err)
				}
			}
			if !p.Done {
				continue
			}
			if p.Err != nil {
				if _, err := e.FailTask(context.Background(), t.ID, "system"); err != nil {
					log.Printf("engine: fail %s: %v", t.ID, err)
				}
			} else {
				if _, err := e.RequestReview(context.Background(), t.ID, "system"); err != nil {
					log.Printf("engine: review %s: %v", t.ID, err)
				}
			}
		}
		e.mu.Lock()
		// A retry may have replaced the handle; only drop our own.
		if e.runs[t.ID] == h {
			delete(e.runs, t.ID)
		}
		e.mu.Unlock()
	}()
}

// RequestReview moves a running task into review.
func (e *Engine) RequestReview(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	return e.setTaskStatus(ctx, taskID, domain.TaskReview, actorID)
}

// ApproveTask completes a task that is in review.
func (e *Engine) ApproveTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(ctx, taskID, func(t *domain.Task) error {
		if t.Status != domain.TaskReview {
			return domain.InvalidTransitionError{Entity: "task", ID: t.ID, From: t.Status, To: domain.TaskDone}
		}
		return nil
	}, domain.TaskDone, actorID)
}

// CompleteTask marks a running task done directly, skipping review.
func (e *Engine) CompleteTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(ctx, taskID, func(t *domain.Task) error {
		if t.Status != domain.TaskRunning {
			return domain.InvalidTransitionError{Entity: "task", ID: t.ID, From: t.Status, To: domain.TaskDone}
		}
		return nil
	}, domain.TaskDone, actorID)
}

// FailTask marks a running or reviewed task failed.
func (e *Engine) FailTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	return e.setTaskStatus(ctx, taskID, domain.TaskFailed, actorID)
}

// RetryTask resumes a failed task, moving it straight back to running and
// relaunching its agent run.
func (e *Engine) RetryTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.transitionLocked(ctx, taskID, func(t *domain.Task) error {
		return ensureTaskTransition(t.ID, t.Status, domain.TaskRunning)
	}, domain.TaskRunning, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	e.launchRun(t)
	return t, nil
}

// CancelTask returns a running task to ready and cancels its agent run.
func (e *Engine) CancelTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.transitionLocked(ctx, taskID, func(t *domain.Task) error {
		if t.Status != domain.TaskRunning {
			return domain.InvalidTransitionError{Entity: "task", ID: t.ID, From: t.Status, To: domain.TaskReady}
		}
		return nil
	}, domain.TaskReady, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	e.cancelRunLocked(taskID)
	return t, nil
}

func (e *Engine) setTaskStatus(ctx context.Context, taskID, to, actorID string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(ctx, taskID, func(t *domain.Task) error {
		return ensureTaskTransition(t.ID, t.Status, to)
	}, to, actorID)
}

func (e *Engine) transitionLocked(ctx context.Context, taskID string, check func(*domain.Task) error, to, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := check(&t); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t.Status = to
	t.UpdatedAt = now
	if to == domain.TaskDone {
		t.CompletedAt = &now
	}
	if err := e.writeTask(ctx, t, actorID, false); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// writeTask persists the task, appends task.updated, commits and
// broadcasts. Insert and update share the same event shape.
func (e *Engine) writeTask(ctx context.Context, t domain.Task, actorID string, insert bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if insert {
		err = e.Repo.InsertTask(ctx, tx, t)
	} else {
		err = e.Repo.UpdateTaskTx(ctx, tx, t)
	}
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.TaskUpdated), t.ProjectID, "task", t.ID, actorID,
		events.EventPayload{"status": t.Status, "title": t.Title}); err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.TaskUpdated, t.ProjectID, "task", t.ID, map[string]any{"status": t.Status, "title": t.Title})
	return nil
}

type TaskPatch struct {
	Title         *string
	DependsOn     []string
	AssignedAgent *string
	Priority      *int
}

// UpdateTask patches non-status fields. Changing dependencies re-runs the
// cycle check against the project's task set.
func (e *Engine) UpdateTask(ctx context.Context, taskID, actorID string, patch TaskPatch) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.DependsOn != nil {
		all, err := e.Repo.ListTasks(ctx, t.ProjectID)
		if err != nil {
			return domain.Task{}, domain.PersistenceError{Err: err}
		}
		if err := deps.WouldCycle(all, t.ID, patch.DependsOn); err != nil {
			return domain.Task{}, err
		}
		t.DependsOn = patch.DependsOn
	}
	if patch.AssignedAgent != nil {
		t.AssignedAgent = patch.AssignedAgent
	}
	if patch.Priority != nil {
		t.Priority = patch.Priority
	}
	t.UpdatedAt = e.now()
	if err := e.writeTask(ctx, t, actorID, false); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes a task. Refused while other tasks still depend on it;
// the caller gets the dependent ids back.
func (e *Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	dependents, err := e.Repo.DependentsOf(ctx, tx, taskID)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	if len(dependents) > 0 {
		return domain.DependencyUnmetError{TaskID: taskID, Blocking: dependents}
	}
	if err := e.Repo.DeleteTaskTx(ctx, tx, taskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.TaskUpdated), t.ProjectID, "task", taskID, actorID,
		events.EventPayload{"status": "deleted", "title": t.Title}); err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.TaskUpdated, t.ProjectID, "task", taskID, map[string]any{"status": "deleted", "title": t.Title})
	e.cancelRunLocked(taskID)
	return nil
}

// AppendProgress records one progress message for a running task.
func (e *Engine) AppendProgress(ctx context.Context, taskID string, percent int, message, actorID string) (domain.ProgressMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.ProgressMessage{}, err
	}
	if t.Status != domain.TaskRunning {
		return domain.ProgressMessage{}, domain.InvalidTransitionError{Entity: "task", ID: taskID, From: t.Status, To: "progress"}
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgressMessage{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	id, err := e.Repo.AppendProgressTx(ctx, tx, taskID, percent, message, now)
	if err != nil {
		return domain.ProgressMessage{}, domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.TaskProgress), t.ProjectID, "task", taskID, actorID,
		events.EventPayload{"percent": percent, "message": message}); err != nil {
		return domain.ProgressMessage{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgressMessage{}, domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.TaskProgress, t.ProjectID, "task", taskID, map[string]any{"percent": percent, "message": message})
	return domain.ProgressMessage{ID: id, TaskID: taskID, Percent: percent, Message: message, TS: now}, nil
}

func (e *Engine) ListProgress(ctx context.Context, taskID string) ([]domain.ProgressMessage, error) {
	return e.Repo.ListProgress(ctx, taskID)
}

// MaterializeTasks turns a frozen brief into ready tasks, one per goal.
// The brief must be frozen so the plan cannot shift under the tasks.
// Calling it again for the same brief returns the existing tasks.
func (e *Engine) MaterializeTasks(ctx context.Context, briefID, actorID string) ([]domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.Repo.GetBrief(ctx, briefID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BriefFrozen {
		return nil, domain.InvalidTransitionError{Entity: "brief", ID: briefID, From: b.Status, To: "materialized"}
	}
	all, err := e.Repo.ListTasks(ctx, b.ProjectID)
	if err != nil {
		return nil, domain.PersistenceError{Err: err}
	}
	existing := []domain.Task{}
	for _, t := range all {
		if t.BriefID != nil && *t.BriefID == briefID {
			existing = append(existing, t)
		}
	}
	if len(existing) > 0 {
		return existing, nil
	}
	if len(b.Goals) == 0 {
		return []domain.Task{}, nil
	}
	now := e.now()
	out := make([]domain.Task, 0, len(b.Goals))
	for i, goal := range b.Goals {
		prio := i + 1
		t := domain.Task{
			ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("task|%s|%d", briefID, i))).String(),
			ProjectID: b.ProjectID,
			BriefID:   &b.ID,
			Title:     goal,
			Status:    domain.TaskReady,
			Priority:  &prio,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.writeTask(ctx, t, actorID, true); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
