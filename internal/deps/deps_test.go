package deps

import (
	"reflect"
	"testing"

	"stageline/internal/domain"
)

func task(id, status string, dependsOn ...string) domain.Task {
	return domain.Task{ID: id, Title: "Task " + id, Status: status, DependsOn: dependsOn}
}

func TestIsBlockedUntilAllDepsDone(t *testing.T) {
	all := []domain.Task{
		task("t1", domain.TaskRunning),
		task("t2", domain.TaskReady, "t1"),
	}
	if !IsBlocked(all, all[1]) {
		t.Fatal("t2 should be blocked while t1 is running")
	}
	all[0].Status = domain.TaskReview
	if !IsBlocked(all, all[1]) {
		t.Fatal("t2 should be blocked while t1 is in review")
	}
	all[0].Status = domain.TaskDone
	if IsBlocked(all, all[1]) {
		t.Fatal("t2 should be unblocked once t1 is done")
	}
}

func TestDanglingDependencyBlocksForever(t *testing.T) {
	all := []domain.Task{task("t2", domain.TaskReady, "ghost")}
	if !IsBlocked(all, all[0]) {
		t.Fatal("missing dependency record must block, not satisfy")
	}
	titles := BlockingTitles(all, all[0])
	if !reflect.DeepEqual(titles, []string{"ghost"}) {
		t.Fatalf("expected raw id for unknown dep, got %v", titles)
	}
}

func TestBlockingTitlesOrderedAndFiltered(t *testing.T) {
	all := []domain.Task{
		task("a", domain.TaskDone),
		task("b", domain.TaskRunning),
		task("c", domain.TaskFailed),
		task("t", domain.TaskReady, "b", "a", "c"),
	}
	titles := BlockingTitles(all, all[3])
	want := []string{"Task b", "Task c"}
	if !reflect.DeepEqual(titles, want) {
		t.Fatalf("got %v want %v", titles, want)
	}
}

func TestDependencyProgress(t *testing.T) {
	all := []domain.Task{
		task("a", domain.TaskDone),
		task("b", domain.TaskRunning),
		task("t", domain.TaskReady, "a", "b", "ghost"),
	}
	p := DependencyProgress(all, all[2])
	if p.Completed != 1 || p.Total != 3 {
		t.Fatalf("got %+v want 1/3", p)
	}
}

func TestDetectCycle(t *testing.T) {
	all := []domain.Task{
		task("a", domain.TaskReady, "b"),
		task("b", domain.TaskReady, "c"),
		task("c", domain.TaskReady, "a"),
		task("d", domain.TaskReady),
	}
	cycle := DetectCycle(all)
	if len(cycle) != 3 {
		t.Fatalf("expected 3-node cycle, got %v", cycle)
	}
	if DetectCycle([]domain.Task{task("x", domain.TaskReady, "d"), task("d", domain.TaskReady)}) != nil {
		t.Fatal("acyclic graph reported a cycle")
	}
}

func TestWouldCycle(t *testing.T) {
	all := []domain.Task{
		task("a", domain.TaskReady),
		task("b", domain.TaskReady, "a"),
	}
	if err := WouldCycle(all, "c", []string{"b"}); err != nil {
		t.Fatalf("unexpected cycle: %v", err)
	}
	if err := WouldCycle(all, "a", []string{"b"}); err == nil {
		t.Fatal("a->b->a should be rejected")
	}
	if err := WouldCycle(all, "a", []string{"a"}); err == nil {
		t.Fatal("self-dependency should be rejected")
	}
}
