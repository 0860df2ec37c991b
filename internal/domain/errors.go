package domain

import (
	"fmt"
	"strings"
)

// InvalidTransitionError reports an illegal stage, task, session, or file
// status change. The entity state is left untouched.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

// ImmutableDocumentError reports a write attempted on a frozen brief.
type ImmutableDocumentError struct {
	BriefID string
}

func (e ImmutableDocumentError) Error() string {
	return fmt.Sprintf("brief %s is frozen and cannot be modified", e.BriefID)
}

// DependencyUnmetError reports a start attempted on a blocked task.
// Blocking holds the titles of unresolved dependencies; dangling
// dependency ids appear as the raw id.
type DependencyUnmetError struct {
	TaskID   string
	Blocking []string
}

func (e DependencyUnmetError) Error() string {
	return fmt.Sprintf("task %s blocked by: %s", e.TaskID, strings.Join(e.Blocking, ", "))
}

// CollaboratorError wraps a failure of an external collaborator. It is
// always recoverable: callers degrade to fallback behavior or surface a
// failure state, never crash.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s: %v", e.Op, e.Err)
}

func (e CollaboratorError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store write. The in-memory state the
// caller already holds remains the interim source of truth.
type PersistenceError struct {
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %v", e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }
