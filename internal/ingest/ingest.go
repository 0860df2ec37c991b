// Package ingest drives upload sessions through their lifecycle:
// idle, uploading, analyzing, drafting, ready. File uploads move the
// session forward, analysis runs the content generator over the batch,
// and a per-session watcher reconciles file states while uploads settle.
package ingest

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

// Machine owns upload session state. Mutations follow the same shape as
// the engine: one transaction, one durable log row, broadcast on commit.
type Machine struct {
	DB     *sql.DB
	Repo   *repo.Repo
	Events events.Writer
	Hub    *broadcast.Hub
	Store  collab.FileStore
	Gen    collab.ContentGenerator
	Config *config.Config
	Now    func() time.Time

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

func New(db *sql.DB, r *repo.Repo, hub *broadcast.Hub, cfg *config.Config) *Machine {
	now := time.Now
	return &Machine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db, Now: now},
		Hub:      hub,
		Store:    collab.NewMemFileStore(),
		Gen:      collab.StaticGenerator{},
		Config:   cfg,
		Now:      now,
		watchers: make(map[string]context.CancelFunc),
	}
}

func (m *Machine) now() string {
	return m.Now().UTC().Format(time.RFC3339)
}

// sessionEdges is the forward-only lifecycle. Error recovery resets
// analyzing or drafting back to idle through failAnalysis, not through
// this table.
func ensureSessionTransition(id, from, to string) error {
	ok := false
	switch from {
	case domain.SessionIdle:
		ok = to == domain.SessionUploading || to == domain.SessionAnalyzing
	case domain.SessionUploading:
		ok = to == domain.SessionUploading || to == domain.SessionAnalyzing
	case domain.SessionAnalyzing:
		ok = to == domain.SessionDrafting || to == domain.SessionIdle
	case domain.SessionDrafting:
		ok = to == domain.SessionReady || to == domain.SessionIdle
	}
	if !ok {
		return domain.InvalidTransitionError{Entity: "session", ID: id, From: from, To: to}
	}
	return nil
}

// CreateSession opens an idle session and starts its watcher.
func (m *Machine) CreateSession(ctx context.Context, projectID, actorID string) (domain.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := domain.UploadSession{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    domain.SessionIdle,
		Files:     []domain.SourceFile{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UploadSession{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := m.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.UploadSession{}, domain.PersistenceError{Err: err}
	}
	if err := m.Events.Append(ctx, tx, string(broadcast.SessionUpdated), projectID, "session", s.ID, actorID,
		events.EventPayload{"status": s.Status}); err != nil {
		return domain.UploadSession{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.UploadSession{}, domain.PersistenceError{Err: err}
	}
	m.publish(projectID, s.ID, map[string]any{"status": s.Status})
	m.startWatcher(s.ID)
	return s, nil
}

func (m *Machine) publish(projectID, sessionID string, payload map[string]any) {
	m.Hub.Publish(broadcast.Event{
		Type:       broadcast.SessionUpdated,
		ProjectID:  projectID,
		EntityKind: "session",
		EntityID:   sessionID,
		Payload:    payload,
		TS:         m.Now().UTC(),
	})
}

// AddFile registers an upload, hands the bytes to the file store and
// tags the file S1, S2, ... in arrival order. The session moves to
// uploading; a store failure leaves the file in error without touching
// the other files. The store call runs outside the machine lock, so a
// slow store never blocks other sessions.
func (m *Machine) AddFile(ctx context.Context, sessionID, name string, data []byte, actorID string) (domain.SourceFile, error) {
	f, projectID, err := m.registerFile(ctx, sessionID, name, actorID)
	if err != nil {
		return domain.SourceFile{}, err
	}

	// Store the bytes. The registration above survives either way; a
	// failed store only marks this file.
	next := domain.FileProcessing
	if _, err := m.Store.Put(ctx, sessionID, collab.File{Name: name, Data: data}); err != nil {
		log.Printf("ingest: store %s/%s: %v", sessionID, f.SourceTag, domain.CollaboratorError{Op: "store.put", Err: err})
		next = domain.FileError
	}
	m.mu.Lock()
	err = m.setFileStatusLocked(ctx, projectID, sessionID, f.ID, next, actorID)
	m.mu.Unlock()
	if err != nil {
		return domain.SourceFile{}, err
	}
	f.Status = next
	return f, nil
}

// registerFile commits the file row and the uploading status under the
// lock, before any bytes touch the store.
func (m *Machine) registerFile(ctx context.Context, sessionID, name, actorID string) (domain.SourceFile, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SourceFile{}, "", err
	}
	if s.Status == domain.SessionAnalyzing || s.Status == domain.SessionDrafting || s.Status == domain.SessionReady {
		return domain.SourceFile{}, "", domain.InvalidTransitionError{Entity: "session", ID: sessionID, From: s.Status, To: domain.SessionUploading}
	}
	now := m.now()
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SourceFile{}, "", domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	pos, err := m.Repo.NextFilePositionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.SourceFile{}, "", domain.PersistenceError{Err: err}
	}
	f := domain.SourceFile{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		SourceTag: fmt.Sprintf("S%d", pos),
		Status:    domain.FileUploading,
		Position:  pos,
	}
	if err := m.Repo.InsertSessionFileTx(ctx, tx, f); err != nil {
		return domain.SourceFile{}, "", domain.PersistenceError{Err: err}
	}
	if s.Status == domain.SessionIdle {
		if err := m.Repo.UpdateSessionStatusTx(ctx, tx, sessionID, domain.SessionUploading, now); err != nil {
			return domain.SourceFile{}, "", domain.PersistenceError{Err: err}
		}
	}
	if err := m.Events.Append(ctx, tx, string(broadcast.SessionUpdated), s.ProjectID, "session", sessionID, actorID,
		events.EventPayload{"status": domain.SessionUploading, "file": f.SourceTag}); err != nil {
		return domain.SourceFile{}, "", domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.SourceFile{}, "", domain.PersistenceError{Err: err}
	}
	m.publish(s.ProjectID, sessionID, map[string]any{"status": domain.SessionUploading, "file": f.SourceTag})
	return f, s.ProjectID, nil
}

// SetFileStatus updates one file's micro-state, e.g. a processor marking
// a file complete or errored.
func (m *Machine) SetFileStatus(ctx context.Context, sessionID, fileID, status, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case domain.FileUploading, domain.FileProcessing, domain.FileComplete, domain.FileError:
	default:
		return fmt.Errorf("unknown file status %q", status)
	}
	s, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.setFileStatusLocked(ctx, s.ProjectID, sessionID, fileID, status, actorID)
}

func (m *Machine) setFileStatusLocked(ctx context.Context, projectID, sessionID, fileID, status, actorID string) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateSessionFileStatusTx(ctx, tx, fileID, status); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, tx, string(broadcast.SessionUpdated), projectID, "session", sessionID, actorID,
		events.EventPayload{"file_id": fileID, "file_status": status}); err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Err: err}
	}
	m.publish(projectID, sessionID, map[string]any{"file_id": fileID, "file_status": status})
	return nil
}

// Analyze runs the generator over the session's completed files. At least
// one complete file is required and no file may still be uploading or
// processing; errored files are excluded rather than blocking. The session
// sits in analyzing while the generator runs, with the machine lock
// released so other sessions keep moving. On generator failure the session
// returns to idle with files retained.
func (m *Machine) Analyze(ctx context.Context, sessionID, actorID string) (collab.BriefContent, error) {
	s, complete, err := m.beginAnalysis(ctx, sessionID, actorID)
	if err != nil {
		return collab.BriefContent{}, err
	}

	timeout := time.Duration(m.Config.Generator.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	content, err := m.Gen.Draft(gctx, collab.BriefSeed{
		ProjectID: s.ProjectID,
		Kind:      "session",
		Title:     fmt.Sprintf("Session %s", sessionID),
		Summary:   fmt.Sprintf("Analysis of %d source files", len(complete)),
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		// Files stay; the caller may retry once the generator is back.
		if serr := m.setStatusLocked(ctx, s.ProjectID, sessionID, domain.SessionIdle, actorID); serr != nil {
			return collab.BriefContent{}, serr
		}
		return collab.BriefContent{}, domain.CollaboratorError{Op: "generator.draft", Err: err}
	}
	if err := m.setStatusLocked(ctx, s.ProjectID, sessionID, domain.SessionDrafting, actorID); err != nil {
		return collab.BriefContent{}, err
	}
	if err := m.setStatusLocked(ctx, s.ProjectID, sessionID, domain.SessionReady, actorID); err != nil {
		return collab.BriefContent{}, err
	}
	return content, nil
}

// beginAnalysis validates the batch and commits the analyzing status, all
// under the lock. The analyzing status gates concurrent uploads while the
// generator runs.
func (m *Machine) beginAnalysis(ctx context.Context, sessionID, actorID string) (domain.UploadSession, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.UploadSession{}, nil, err
	}
	if err := ensureSessionTransition(s.ID, s.Status, domain.SessionAnalyzing); err != nil {
		return domain.UploadSession{}, nil, err
	}
	complete := []string{}
	for _, f := range s.Files {
		switch f.Status {
		case domain.FileComplete:
			complete = append(complete, f.Name)
		case domain.FileUploading, domain.FileProcessing:
			return domain.UploadSession{}, nil, domain.InvalidTransitionError{Entity: "session", ID: sessionID, From: s.Status, To: domain.SessionAnalyzing}
		}
	}
	if len(complete) == 0 {
		return domain.UploadSession{}, nil, domain.InvalidTransitionError{Entity: "session", ID: sessionID, From: s.Status, To: domain.SessionAnalyzing}
	}
	if err := m.setStatusLocked(ctx, s.ProjectID, sessionID, domain.SessionAnalyzing, actorID); err != nil {
		return domain.UploadSession{}, nil, err
	}
	return s, complete, nil
}

func (m *Machine) setStatusLocked(ctx context.Context, projectID, sessionID, status, actorID string) error {
	now := m.now()
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateSessionStatusTx(ctx, tx, sessionID, status, now); err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := m.Events.Append(ctx, tx, string(broadcast.SessionUpdated), projectID, "session", sessionID, actorID,
		events.EventPayload{"status": status}); err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Err: err}
	}
	m.publish(projectID, sessionID, map[string]any{"status": status})
	return nil
}

func (m *Machine) GetSession(ctx context.Context, id string) (domain.UploadSession, error) {
	return m.Repo.GetSession(ctx, id)
}

func (m *Machine) ListSessions(ctx context.Context, projectID string) ([]domain.UploadSession, error) {
	return m.Repo.ListSessions(ctx, projectID)
}

// ArchiveSession deletes the session and stops its watcher. Only idle and
// ready sessions can be archived.
func (m *Machine) ArchiveSession(ctx context.Context, sessionID, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.SessionIdle && s.Status != domain.SessionReady {
		return domain.InvalidTransitionError{Entity: "session", ID: sessionID, From: s.Status, To: "archived"}
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := m.Repo.DeleteSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, tx, string(broadcast.SessionUpdated), s.ProjectID, "session", sessionID, actorID,
		events.EventPayload{"status": "archived"}); err != nil {
		return domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Err: err}
	}
	m.publish(s.ProjectID, sessionID, map[string]any{"status": "archived"})
	m.stopWatcherLocked(sessionID)
	return nil
}

// --- watcher ---

// startWatcher polls the session until it reaches ready or disappears,
// promoting uploading files to processing as a stand-in for an external
// upload pipeline acknowledging receipt.
func (m *Machine) startWatcher(sessionID string) {
	if _, ok := m.watchers[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchers[sessionID] = cancel
	interval := time.Duration(m.Config.Ingest.PollSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if done := m.reconcile(ctx, sessionID); done {
					m.StopWatcher(sessionID)
					return
				}
			}
		}
	}()
}

// reconcile reports true when the watcher has nothing left to do.
func (m *Machine) reconcile(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		if err == repo.ErrNotFound {
			return true
		}
		log.Printf("ingest: watcher %s: %v", sessionID, err)
		return false
	}
	if s.Status == domain.SessionReady {
		return true
	}
	for _, f := range s.Files {
		if f.Status == domain.FileUploading {
			if err := m.setFileStatusLocked(ctx, s.ProjectID, sessionID, f.ID, domain.FileProcessing, "system"); err != nil {
				log.Printf("ingest: watcher %s file %s: %v", sessionID, f.SourceTag, err)
			}
		}
	}
	return false
}

// StopWatcher cancels the session's watcher if one is running.
func (m *Machine) StopWatcher(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWatcherLocked(sessionID)
}

func (m *Machine) stopWatcherLocked(sessionID string) {
	if cancel, ok := m.watchers[sessionID]; ok {
		cancel()
		delete(m.watchers, sessionID)
	}
}

// Close stops every watcher.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.watchers {
		cancel()
		delete(m.watchers, id)
	}
}
