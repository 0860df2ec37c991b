package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"stageline/internal/broadcast"
	"stageline/internal/collab"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

func newTestMachine(t *testing.T) (*Machine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	m := New(conn, r, broadcast.NewHub(), config.Default("proj-1"))
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return clock }
	m.Events = events.Writer{DB: conn, Now: m.Now}
	t.Cleanup(m.Close)

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CreateProject(ctx, tx, "proj-1", "idea-pipeline", "", m.now()); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return m, ctx
}

func TestSessionLifecycle(t *testing.T) {
	m, ctx := newTestMachine(t)
	s, err := m.CreateSession(ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.SessionIdle {
		t.Fatalf("new session status %s", s.Status)
	}

	f1, err := m.AddFile(ctx, s.ID, "notes.md", []byte("# notes"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if f1.SourceTag != "S1" || f1.Status != domain.FileProcessing {
		t.Fatalf("f1 = %+v", f1)
	}
	f2, err := m.AddFile(ctx, s.ID, "spec.pdf", []byte{0x25, 0x50}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if f2.SourceTag != "S2" {
		t.Fatalf("f2 tag %s, want S2", f2.SourceTag)
	}

	got, err := m.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionUploading {
		t.Fatalf("session status %s, want uploading", got.Status)
	}

	// Analysis is refused while files are still processing.
	if _, err := m.Analyze(ctx, s.ID, "tester"); err == nil {
		t.Fatal("analyze accepted with processing files")
	}
	for _, f := range []domain.SourceFile{f1, f2} {
		if err := m.SetFileStatus(ctx, s.ID, f.ID, domain.FileComplete, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	content, err := m.Analyze(ctx, s.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if content.ProblemStatement == "" {
		t.Fatal("analysis produced no content")
	}
	got, _ = m.GetSession(ctx, s.ID)
	if got.Status != domain.SessionReady {
		t.Fatalf("session status %s, want ready", got.Status)
	}
}

func TestAnalyzeNeedsCompleteFile(t *testing.T) {
	m, ctx := newTestMachine(t)
	s, _ := m.CreateSession(ctx, "proj-1", "tester")
	_, err := m.Analyze(ctx, s.ID, "tester")
	var ite domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("empty session analyzed: %v", err)
	}
}

func TestErroredFilesExcludedNotBlocking(t *testing.T) {
	m, ctx := newTestMachine(t)
	s, _ := m.CreateSession(ctx, "proj-1", "tester")
	f1, err := m.AddFile(ctx, s.ID, "good.md", []byte("ok"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	f2, err := m.AddFile(ctx, s.ID, "bad.bin", []byte{0x00}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetFileStatus(ctx, s.ID, f1.ID, domain.FileComplete, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetFileStatus(ctx, s.ID, f2.ID, domain.FileError, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Analyze(ctx, s.ID, "tester"); err != nil {
		t.Fatalf("errored file must not block analysis: %v", err)
	}
}

func TestGeneratorFailureReturnsToIdle(t *testing.T) {
	m, ctx := newTestMachine(t)
	m.Gen = collab.FailingGenerator{}
	s, _ := m.CreateSession(ctx, "proj-1", "tester")
	f, err := m.AddFile(ctx, s.ID, "notes.md", []byte("x"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetFileStatus(ctx, s.ID, f.ID, domain.FileComplete, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = m.Analyze(ctx, s.ID, "tester")
	var ce domain.CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	got, _ := m.GetSession(ctx, s.ID)
	if got.Status != domain.SessionIdle {
		t.Fatalf("session status %s, want idle after failure", got.Status)
	}
	if len(got.Files) != 1 {
		t.Fatal("files dropped on failed analysis")
	}
	// Retry with a working generator succeeds.
	m.Gen = collab.StaticGenerator{}
	if _, err := m.Analyze(ctx, s.ID, "tester"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

// gateGenerator parks Draft until the test releases it, flagging entry so
// the test knows the call is in flight.
type gateGenerator struct {
	entered chan struct{}
	release chan struct{}
}

func (g gateGenerator) Draft(ctx context.Context, seed collab.BriefSeed) (collab.BriefContent, error) {
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return collab.BriefContent{}, ctx.Err()
	}
	return collab.BriefContent{ProblemStatement: "gated"}, nil
}

func TestSlowGeneratorDoesNotBlockMachine(t *testing.T) {
	m, ctx := newTestMachine(t)
	gen := gateGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	m.Gen = gen
	s, err := m.CreateSession(ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	f, err := m.AddFile(ctx, s.ID, "a.md", []byte("a"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetFileStatus(ctx, s.ID, f.ID, domain.FileComplete, "tester"); err != nil {
		t.Fatal(err)
	}

	res := make(chan error, 1)
	go func() {
		_, err := m.Analyze(ctx, s.ID, "tester")
		res <- err
	}()
	select {
	case <-gen.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("generator never invoked")
	}

	// Another session keeps moving while the draft is in flight.
	other := make(chan error, 1)
	go func() {
		s2, err := m.CreateSession(ctx, "proj-1", "tester")
		if err == nil {
			_, err = m.AddFile(ctx, s2.ID, "b.md", []byte("b"), "tester")
		}
		other <- err
	}()
	select {
	case err := <-other:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("machine blocked while the generator ran")
	}

	close(gen.release)
	if err := <-res; err != nil {
		t.Fatal(err)
	}
	got, err := m.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionReady {
		t.Fatalf("session status %s, want ready", got.Status)
	}
}

func TestAddFileRefusedAfterAnalysis(t *testing.T) {
	m, ctx := newTestMachine(t)
	s, _ := m.CreateSession(ctx, "proj-1", "tester")
	f, _ := m.AddFile(ctx, s.ID, "a.md", []byte("a"), "tester")
	if err := m.SetFileStatus(ctx, s.ID, f.ID, domain.FileComplete, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Analyze(ctx, s.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddFile(ctx, s.ID, "late.md", []byte("late"), "tester"); err == nil {
		t.Fatal("upload accepted on ready session")
	}
}

func TestArchiveSession(t *testing.T) {
	m, ctx := newTestMachine(t)
	s, _ := m.CreateSession(ctx, "proj-1", "tester")
	if err := m.ArchiveSession(ctx, s.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetSession(ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("archived session still readable: %v", err)
	}
	if err := m.ArchiveSession(ctx, s.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double archive: %v", err)
	}
}

func TestWatcherPromotesUploadingFiles(t *testing.T) {
	m, ctx := newTestMachine(t)
	s, _ := m.CreateSession(ctx, "proj-1", "tester")
	f, err := m.AddFile(ctx, s.ID, "a.md", []byte("a"), "tester")
	if err != nil {
		t.Fatal(err)
	}
	// Force the file back to uploading, then let the reconciler run once.
	if err := m.SetFileStatus(ctx, s.ID, f.ID, domain.FileUploading, "tester"); err != nil {
		t.Fatal(err)
	}
	if done := m.reconcile(ctx, s.ID); done {
		t.Fatal("watcher declared done with work pending")
	}
	got, _ := m.GetSession(ctx, s.ID)
	if got.Files[0].Status != domain.FileProcessing {
		t.Fatalf("file status %s, want processing", got.Files[0].Status)
	}
}
