// Package events fans task lifecycle events out to in-process subscribers
package events

import (
	"time"

	"github.com/cloud-shuttle/gza/pkg/types"
)

// Type names a lifecycle event
type Type string

const (
	// TaskCreated is emitted when the runner queues a follow-up task
	TaskCreated Type = "task.created"
	// TaskClaimed is emitted when a worker claims a pending task
	TaskClaimed Type = "task.claimed"
	// TaskStarted is emitted once the worktree is ready and the provider starts
	TaskStarted Type = "task.started"
	// TaskCompleted is emitted when a task reaches completed
	TaskCompleted Type = "task.completed"
	// TaskFailed is emitted when a task reaches failed
	TaskFailed Type = "task.failed"
	// WIPSaved is emitted when interrupted work was saved to the branch
	WIPSaved Type = "wip.saved"
	// WorkerIdle is emitted when a worker finds nothing to claim
	WorkerIdle Type = "worker.idle"
)

// Event is one lifecycle notification
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Task      int64          `json:"task,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	TaskType  types.TaskType `json:"task_type,omitempty"`
	Group     string         `json:"group,omitempty"`
	Worker    string         `json:"worker,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ForTask creates an event describing t
func ForTask(typ Type, t *types.Task, data map[string]any) *Event {
	e := &Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Task:      t.ID,
		TaskID:    t.Slug(),
		TaskType:  t.Type,
		Data:      data,
	}
	if t.Group != nil {
		e.Group = *t.Group
	}
	return e
}

// Filter selects events for a subscriber. Zero fields match everything.
type Filter struct {
	Types []Type
	Task  int64
	Group string
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Task != 0 && e.Task != f.Task {
		return false
	}
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	return true
}
