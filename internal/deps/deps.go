// Package deps decides whether a task may start based on the completion
// state of the tasks it depends on. Pure functions over an in-memory task
// set; callers load the set from the repo.
package deps

import (
	"fmt"
	"sort"

	"stageline/internal/domain"
)

// Progress summarizes dependency completion for one task.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func index(all []domain.Task) map[string]domain.Task {
	byID := make(map[string]domain.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	return byID
}

// IsBlocked reports whether the task has any dependency that is not done.
// A dependency id that matches no known task blocks forever; a missing
// record is treated as incomplete rather than satisfied.
func IsBlocked(all []domain.Task, task domain.Task) bool {
	byID := index(all)
	for _, dep := range task.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != domain.TaskDone {
			return true
		}
	}
	return false
}

// BlockingTitles returns display names of unmet dependencies, in the
// task's declared dependency order. Unknown ids are reported verbatim.
func BlockingTitles(all []domain.Task, task domain.Task) []string {
	byID := index(all)
	titles := []string{}
	for _, dep := range task.DependsOn {
		d, ok := byID[dep]
		if !ok {
			titles = append(titles, dep)
			continue
		}
		if d.Status != domain.TaskDone {
			titles = append(titles, d.Title)
		}
	}
	return titles
}

// DependencyProgress counts done dependencies over total declared.
func DependencyProgress(all []domain.Task, task domain.Task) Progress {
	byID := index(all)
	p := Progress{Total: len(task.DependsOn)}
	for _, dep := range task.DependsOn {
		if d, ok := byID[dep]; ok && d.Status == domain.TaskDone {
			p.Completed++
		}
	}
	return p
}

// DetectCycle returns a cycle as an ordered id list if the dependency
// graph contains one, nil otherwise.
func DetectCycle(all []domain.Task) []string {
	graph := make(map[string][]string, len(all))
	ids := make([]string, 0, len(all))
	for _, t := range all {
		graph[t.ID] = t.DependsOn
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range graph[id] {
			if _, known := graph[dep]; !known {
				continue
			}
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle = append([]string{}, stack[i:]...)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, id := range ids {
		if color[id] == white {
			stack = stack[:0]
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// WouldCycle reports whether giving taskID the dependency list deps would
// introduce a cycle. Used at task creation and dependency updates.
func WouldCycle(all []domain.Task, taskID string, deps []string) error {
	candidate := make([]domain.Task, 0, len(all)+1)
	found := false
	for _, t := range all {
		if t.ID == taskID {
			t.DependsOn = deps
			found = true
		}
		candidate = append(candidate, t)
	}
	if !found {
		candidate = append(candidate, domain.Task{ID: taskID, DependsOn: deps})
	}
	if cycle := DetectCycle(candidate); cycle != nil {
		return fmt.Errorf("dependency cycle: %v", cycle)
	}
	return nil
}
