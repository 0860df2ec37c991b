package engine

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
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

type testEnv struct {
	eng *Engine
	ctx context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := New(conn, repo.New(conn), config.Default("proj-1"))
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	eng.Events.Now = eng.Now
	t.Cleanup(eng.Close)

	env := &testEnv{eng: eng, ctx: context.Background()}
	if _, err := eng.CreateProject(env.ctx, CreateProjectParams{ID: "proj-1", ActorID: "tester"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env
}

func (env *testEnv) item(t *testing.T, id, title string) domain.WorkItem {
	t.Helper()
	it, err := env.eng.CreateItem(env.ctx, CreateItemParams{ID: id, ProjectID: "proj-1", Title: title, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create item %s: %v", id, err)
	}
	return it
}

func (env *testEnv) task(t *testing.T, id, title string, dependsOn ...string) domain.Task {
	t.Helper()
	task, err := env.eng.CreateTask(env.ctx, CreateTaskParams{ID: id, ProjectID: "proj-1", Title: title, DependsOn: dependsOn, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func TestMoveItemKeepsOneBucket(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-3", "Rate limiter idea")

	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-3", "inbox", "tester"); err != nil {
		t.Fatalf("move to inbox: %v", err)
	}
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-3", "think", "tester"); err != nil {
		t.Fatalf("move to think: %v", err)
	}

	board, err := env.eng.GetBoard(env.ctx, "proj-1")
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	total := 0
	for stage, ids := range board.Stages {
		for _, id := range ids {
			if id == "feed-3" {
				total++
				if stage != "think" {
					t.Fatalf("feed-3 in %s, want think", stage)
				}
			}
		}
	}
	if total != 1 {
		t.Fatalf("feed-3 occupies %d buckets, want 1", total)
	}
	it, err := env.eng.GetItem(env.ctx, "feed-3")
	if err != nil {
		t.Fatal(err)
	}
	if it.Stage != "think" {
		t.Fatalf("item stage %s, want think", it.Stage)
	}
}

func TestMoveItemToUnknownStageIsLoggedNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-1", "Idea")
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-1", "inbox", "tester"); err != nil {
		t.Fatal(err)
	}
	tr, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-1", "warehouse", "tester")
	if err != nil {
		t.Fatalf("unknown stage must not fail the move: %v", err)
	}
	if tr.ToStage != "warehouse" {
		t.Fatalf("transition to = %q, want warehouse", tr.ToStage)
	}
	board, _ := env.eng.GetBoard(env.ctx, "proj-1")
	for stage, ids := range board.Stages {
		for _, id := range ids {
			if id == "feed-1" {
				t.Fatalf("item still bucketed in %q after unknown-stage move", stage)
			}
		}
	}
	it, err := env.eng.GetItem(env.ctx, "feed-1")
	if err != nil {
		t.Fatal(err)
	}
	if it.Stage != domain.StageUnassigned {
		t.Fatalf("item stage = %q, want %q", it.Stage, domain.StageUnassigned)
	}
	log, err := env.eng.ListTransitions(env.ctx, "proj-1", "feed-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 {
		t.Fatalf("transition log has %d rows, want 2", len(log))
	}
}

func TestMoveToSameStageAppendsTransitionOnly(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-2", "Idea")
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-2", "inbox", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-2", "inbox", "tester"); err != nil {
		t.Fatal(err)
	}
	board, _ := env.eng.GetBoard(env.ctx, "proj-1")
	if n := len(board.Stages["inbox"]); n != 1 {
		t.Fatalf("inbox has %d entries, want 1", n)
	}
	log, err := env.eng.ListTransitions(env.ctx, "proj-1", "feed-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 {
		t.Fatalf("transition log has %d rows, want 2", len(log))
	}
	if log[0].ID >= log[1].ID {
		t.Fatalf("transition ids not monotonic: %d then %d", log[0].ID, log[1].ID)
	}
	if log[1].FromStage == nil || *log[1].FromStage != "inbox" {
		t.Fatalf("second transition from = %v, want inbox", log[1].FromStage)
	}
}

func TestTransitionLogIsAppendOnlyAcrossMutations(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "a", "A")
	env.item(t, "b", "B")
	moves := [][2]string{{"a", "inbox"}, {"b", "inbox"}, {"a", "think"}, {"b", "plan"}, {"a", "build"}}
	for _, m := range moves {
		if _, err := env.eng.MoveItem(env.ctx, "proj-1", m[0], m[1], "tester"); err != nil {
			t.Fatal(err)
		}
	}
	log, err := env.eng.ListTransitions(env.ctx, "proj-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != len(moves) {
		t.Fatalf("log has %d rows, want %d", len(log), len(moves))
	}
	for i := 1; i < len(log); i++ {
		if log[i].ID <= log[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d", i)
		}
	}
}

func TestRemoveItemReturnsToUnassigned(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-9", "Idea")
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-9", "inbox", "tester"); err != nil {
		t.Fatal(err)
	}
	tr, err := env.eng.RemoveItem(env.ctx, "proj-1", "feed-9", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if tr.ToStage != domain.StageUnassigned {
		t.Fatalf("to stage %s", tr.ToStage)
	}
	board, _ := env.eng.GetBoard(env.ctx, "proj-1")
	for stage, ids := range board.Stages {
		for _, id := range ids {
			if id == "feed-9" {
				t.Fatalf("feed-9 still on board in %s", stage)
			}
		}
	}
	// Removing again is not found: the item is already off the board.
	if _, err := env.eng.RemoveItem(env.ctx, "proj-1", "feed-9", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlanningStageCreatesBrief(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-5", "Search revamp")
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-5", "plan", "tester"); err != nil {
		t.Fatal(err)
	}
	b, err := env.eng.GetBriefForItem(env.ctx, "feed-5")
	if err != nil {
		t.Fatalf("brief not created: %v", err)
	}
	if b.Version != 1 || b.Status != domain.BriefDraft {
		t.Fatalf("brief v%d %s, want v1 draft", b.Version, b.Status)
	}
	// Re-entering planning must not mint a second brief.
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-5", "think", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-5", "plan", "tester"); err != nil {
		t.Fatal(err)
	}
	briefs, err := env.eng.ListBriefs(env.ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(briefs) != 1 {
		t.Fatalf("%d briefs, want 1", len(briefs))
	}
}

func TestGeneratorFailureFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.eng.Generator = collab.FailingGenerator{Reason: "llm down"}
	env.item(t, "feed-6", "Billing alerts")
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-6", "plan", "tester"); err != nil {
		t.Fatalf("move must survive generator outage: %v", err)
	}
	b, err := env.eng.GetBriefForItem(env.ctx, "feed-6")
	if err != nil {
		t.Fatalf("fallback brief missing: %v", err)
	}
	if b.ProblemStatement == "" {
		t.Fatal("fallback brief has no content")
	}
}

func TestStartTaskBlockedByDependency(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "t1", "Schema design")
	env.task(t, "t2", "API handlers", "t1")

	_, err := env.eng.StartTask(env.ctx, "t2", "tester")
	var due domain.DependencyUnmetError
	if !errors.As(err, &due) {
		t.Fatalf("expected DependencyUnmetError, got %v", err)
	}
	if len(due.Blocking) != 1 || due.Blocking[0] != "Schema design" {
		t.Fatalf("blocking = %v", due.Blocking)
	}

	// Drive t1 to done; t2 becomes startable.
	if _, err := env.eng.StartTask(env.ctx, "t1", "tester"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, env, "t1", domain.TaskReview)
	if _, err := env.eng.ApproveTask(env.ctx, "t1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.StartTask(env.ctx, "t2", "tester"); err != nil {
		t.Fatalf("t2 should start once t1 is done: %v", err)
	}
}

func waitForStatus(t *testing.T, env *testEnv, taskID, status string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.eng.GetTask(env.ctx, taskID)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, status)
}

func TestTaskTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	env.eng.Runner = nil // keep statuses where we put them
	env.task(t, "t1", "Work")

	if _, err := env.eng.ApproveTask(env.ctx, "t1", "tester"); err == nil {
		t.Fatal("ready task approved")
	}
	if _, err := env.eng.StartTask(env.ctx, "t1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.FailTask(env.ctx, "t1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.StartTask(env.ctx, "t1", "tester"); err == nil {
		t.Fatal("failed task started without retry")
	}
	retried, err := env.eng.RetryTask(env.ctx, "t1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != domain.TaskRunning {
		t.Fatalf("retry left task %s, want running", retried.Status)
	}
	done, err := env.eng.CompleteTask(env.ctx, "t1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletedAt == nil {
		t.Fatal("done task missing completed_at")
	}
	if _, err := env.eng.RetryTask(env.ctx, "t1", "tester"); err == nil {
		t.Fatal("done is terminal")
	}

	// A task parked in review leaves only through approve or fail.
	env.task(t, "t2", "Needs eyes")
	if _, err := env.eng.StartTask(env.ctx, "t2", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.RequestReview(env.ctx, "t2", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.eng.RetryTask(env.ctx, "t2", "tester")
	var ite domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("retry accepted on a review task: %v", err)
	}
	reviewed, err := env.eng.GetTask(env.ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if reviewed.Status != domain.TaskReview {
		t.Fatalf("task left review: %s", reviewed.Status)
	}
}

func TestAppendProgressRequiresRunning(t *testing.T) {
	env := newTestEnv(t)
	env.eng.Runner = nil
	env.task(t, "t1", "Work")
	if _, err := env.eng.AppendProgress(env.ctx, "t1", 10, "warming up", "tester"); err == nil {
		t.Fatal("progress accepted on ready task")
	}
	if _, err := env.eng.StartTask(env.ctx, "t1", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.AppendProgress(env.ctx, "t1", 40, "halfway-ish", "tester"); err != nil {
		t.Fatal(err)
	}
	msgs, err := env.eng.ListProgress(env.ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Percent != 40 {
		t.Fatalf("progress = %+v", msgs)
	}
}

func TestCreateTaskRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "a", "A")
	env.task(t, "b", "B", "a")
	if _, err := env.eng.UpdateTask(env.ctx, "a", "tester", TaskPatch{DependsOn: []string{"b"}}); err == nil {
		t.Fatal("cycle a->b->a accepted")
	}
}

func TestDeleteTaskRefusedWhileReferenced(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "t1", "Base")
	env.task(t, "t2", "On top", "t1")
	err := env.eng.DeleteTask(env.ctx, "t1", "tester")
	var due domain.DependencyUnmetError
	if !errors.As(err, &due) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if err := env.eng.DeleteTask(env.ctx, "t2", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.DeleteTask(env.ctx, "t1", "tester"); err != nil {
		t.Fatalf("delete after dependent removed: %v", err)
	}
}

func TestFreezeContract(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-7", "Exports")
	b, err := env.eng.CreateBrief(env.ctx, "feed-7", "tester")
	if err != nil {
		t.Fatal(err)
	}

	ps := "Users cannot export their data"
	if _, err := env.eng.UpdateBrief(env.ctx, b.ID, "tester", BriefPatch{ProblemStatement: &ps}); err != nil {
		t.Fatal(err)
	}
	frozen, err := env.eng.FreezeBrief(env.ctx, b.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if frozen.FrozenAt == nil {
		t.Fatal("frozen brief missing frozen_at")
	}

	_, err = env.eng.UpdateBrief(env.ctx, b.ID, "tester", BriefPatch{Goals: []string{"csv"}})
	var ime domain.ImmutableDocumentError
	if !errors.As(err, &ime) {
		t.Fatalf("expected ImmutableDocumentError, got %v", err)
	}

	// Freeze is idempotent.
	again, err := env.eng.FreezeBrief(env.ctx, b.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if again.FrozenAt == nil || *again.FrozenAt != *frozen.FrozenAt {
		t.Fatal("double freeze changed frozen_at")
	}

	// New draft bumps the version and stays editable.
	draft, err := env.eng.NewDraftFromFrozen(env.ctx, b.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if draft.Version != 2 || draft.Status != domain.BriefDraft {
		t.Fatalf("draft v%d %s", draft.Version, draft.Status)
	}
	if draft.ProblemStatement != ps {
		t.Fatal("draft did not copy frozen content")
	}
	if draft.ID == b.ID {
		t.Fatal("draft reused frozen id")
	}
	// Original stays frozen and untouched.
	orig, _ := env.eng.GetBrief(env.ctx, b.ID)
	if orig.Status != domain.BriefFrozen || orig.ProblemStatement != ps {
		t.Fatal("frozen original mutated")
	}
	// Second call returns the open draft instead of minting v3.
	draft2, err := env.eng.NewDraftFromFrozen(env.ctx, b.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if draft2.ID != draft.ID {
		t.Fatal("second draft created while one is open")
	}
}

func TestMaterializeTasksRequiresFrozenBrief(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-8", "Reporting")
	b, err := env.eng.CreateBrief(env.ctx, "feed-8", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.UpdateBrief(env.ctx, b.ID, "tester", BriefPatch{Goals: []string{"Schema", "Queries", "UI"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.MaterializeTasks(env.ctx, b.ID, "tester"); err == nil {
		t.Fatal("materialized from a draft")
	}
	if _, err := env.eng.FreezeBrief(env.ctx, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	tasks, err := env.eng.MaterializeTasks(env.ctx, b.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("%d tasks, want 3", len(tasks))
	}
	// Idempotent: second call returns the same set.
	again, err := env.eng.MaterializeTasks(env.ctx, b.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 3 {
		t.Fatalf("second materialize returned %d tasks", len(again))
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
	return collab.BriefContent{ProblemStatement: "gated draft for " + seed.Title}, nil
}

func TestSlowGeneratorDoesNotBlockEngine(t *testing.T) {
	env := newTestEnv(t)
	gen := gateGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	env.eng.Generator = gen
	env.item(t, "feed-10", "Gated idea")
	env.item(t, "feed-11", "Bystander")

	moved := make(chan error, 1)
	go func() {
		_, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-10", "plan", "tester")
		moved <- err
	}()
	select {
	case <-gen.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("generator never invoked")
	}

	// With the draft still in flight, other mutations must go through.
	other := make(chan error, 1)
	go func() {
		_, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-11", "inbox", "tester")
		other <- err
	}()
	select {
	case err := <-other:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine blocked while the generator ran")
	}

	close(gen.release)
	if err := <-moved; err != nil {
		t.Fatal(err)
	}
	b, err := env.eng.GetBriefForItem(env.ctx, "feed-10")
	if err != nil {
		t.Fatalf("brief missing after gated draft: %v", err)
	}
	if b.ProblemStatement != "gated draft for Gated idea" {
		t.Fatalf("brief content = %q", b.ProblemStatement)
	}
}

// blockingRunner emits nothing and closes its stream only when the run
// context is cancelled.
type blockingRunner struct{}

func (blockingRunner) Start(ctx context.Context, req collab.RunRequest) (<-chan collab.Progress, error) {
	ch := make(chan collab.Progress)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestCloseStopsAgentRuns(t *testing.T) {
	env := newTestEnv(t)
	env.eng.Runner = blockingRunner{}
	env.task(t, "t1", "Long haul")
	if _, err := env.eng.StartTask(env.ctx, "t1", "tester"); err != nil {
		t.Fatal(err)
	}
	closed := make(chan struct{})
	go func() {
		env.eng.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung instead of cancelling the run")
	}
}

func TestBroadcastFiresAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-4", "Idea")
	var seen []broadcast.EventType
	env.eng.Hub.Subscribe("obs", broadcast.Filter{EntityID: "feed-4"}, func(evt broadcast.Event) {
		// The row must already be visible when the event lands.
		it, err := env.eng.GetItem(env.ctx, "feed-4")
		if err != nil {
			t.Errorf("item not readable during broadcast: %v", err)
		}
		if evt.Payload["to"] != it.Stage {
			t.Errorf("broadcast to=%v, committed stage=%s", evt.Payload["to"], it.Stage)
		}
		seen = append(seen, evt.Type)
	})
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-4", "inbox", "tester"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != broadcast.StageMoved {
		t.Fatalf("seen = %v", seen)
	}
}

func TestDurableEventLog(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "feed-1", "Idea")
	if _, err := env.eng.MoveItem(env.ctx, "proj-1", "feed-1", "inbox", "tester"); err != nil {
		t.Fatal(err)
	}
	evts, err := env.eng.EventsAfter(env.ctx, "proj-1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"project.created", "item.created", "stage.moved"} {
		if !types[want] {
			t.Fatalf("missing %s in event log, got %v", want, types)
		}
	}
}
