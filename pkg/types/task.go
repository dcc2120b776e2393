// Package types defines core data structures for gza
package types

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusUnmerged   TaskStatus = "unmerged"
)

// IsTerminal reports whether no further transition is accepted from s
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusUnmerged:
		return true
	case TaskStatusPending, TaskStatusInProgress:
		return false
	}
	return false
}

// TaskType represents the kind of work a task performs
type TaskType string

const (
	TaskTypeTask      TaskType = "task"
	TaskTypeExplore   TaskType = "explore"
	TaskTypePlan      TaskType = "plan"
	TaskTypeImplement TaskType = "implement"
	TaskTypeReview    TaskType = "review"
	TaskTypeImprove   TaskType = "improve"
)

// AllTaskTypes lists every known task type in display order
var AllTaskTypes = []TaskType{
	TaskTypeTask, TaskTypeExplore, TaskTypePlan,
	TaskTypeImplement, TaskTypeReview, TaskTypeImprove,
}

// ParseTaskType converts a string into a known TaskType
func ParseTaskType(s string) (TaskType, error) {
	if s == "" {
		return TaskTypeTask, nil
	}
	for _, t := range AllTaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// ProducesCode reports whether the task runs on its own branch and must leave commits behind.
// Explore, plan and review tasks run in a detached worktree and produce a report instead.
func (t TaskType) ProducesCode() bool {
	switch t {
	case TaskTypeTask, TaskTypeImplement, TaskTypeImprove:
		return true
	case TaskTypeExplore, TaskTypePlan, TaskTypeReview:
		return false
	}
	panic(fmt.Sprintf("unhandled task type %q", string(t)))
}

// ArtifactDir returns the project-relative directory where the task's report or summary lands
func (t TaskType) ArtifactDir() string {
	switch t {
	case TaskTypeExplore:
		return ".gza/explorations"
	case TaskTypePlan:
		return ".gza/plans"
	case TaskTypeReview:
		return ".gza/reviews"
	case TaskTypeTask, TaskTypeImplement, TaskTypeImprove:
		return ".gza/summaries"
	}
	panic(fmt.Sprintf("unhandled task type %q", string(t)))
}

// DisplayName is the human label used when a task finishes
func (t TaskType) DisplayName() string {
	switch t {
	case TaskTypeExplore:
		return "Exploration"
	case TaskTypePlan:
		return "Plan"
	case TaskTypeReview:
		return "Review"
	case TaskTypeTask, TaskTypeImplement, TaskTypeImprove:
		return "Task"
	}
	panic(fmt.Sprintf("unhandled task type %q", string(t)))
}

// MergeStatus tracks whether a completed task's branch has been merged
type MergeStatus string

const (
	MergeStatusNone     MergeStatus = ""
	MergeStatusUnmerged MergeStatus = "unmerged"
	MergeStatusMerged   MergeStatus = "merged"
)

// FailureReason is the closed set of reasons surfaced to operators
type FailureReason string

const (
	FailureMaxSteps    FailureReason = "MAX_STEPS"
	FailureMaxTurns    FailureReason = "MAX_TURNS"
	FailureTestFailure FailureReason = "TEST_FAILURE"
	FailureTimeout     FailureReason = "TIMEOUT"
	FailureNoChanges   FailureReason = "NO_CHANGES"
	FailureUnknown     FailureReason = "UNKNOWN"
)

// ParseFailureReason returns the known reason for s, or false if s is not one
func ParseFailureReason(s string) (FailureReason, bool) {
	switch r := FailureReason(s); r {
	case FailureMaxSteps, FailureMaxTurns, FailureTestFailure,
		FailureTimeout, FailureNoChanges, FailureUnknown:
		return r, true
	}
	return FailureUnknown, false
}

// DiffStats summarizes a branch diff against the default branch
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// TotalLines is the number of changed lines in either direction
func (d DiffStats) TotalLines() int {
	return d.LinesAdded + d.LinesRemoved
}

// Stats holds the outcome figures of one execution attempt.
// Reported and computed turn counts are kept apart; agents sometimes misreport.
type Stats struct {
	DurationSeconds  *float64 `json:"duration_seconds,omitempty"`
	NumTurnsReported *int     `json:"num_turns_reported,omitempty"`
	NumTurnsComputed *int     `json:"num_turns_computed,omitempty"`
	CostUSD          *float64 `json:"cost_usd,omitempty"`
	InputTokens      *int     `json:"input_tokens,omitempty"`
	OutputTokens     *int     `json:"output_tokens,omitempty"`
}

// Task represents a unit of work for a coding agent
type Task struct {
	ID       int64      `json:"id"`
	Prompt   string     `json:"prompt"`
	Status   TaskStatus `json:"status"`
	Type     TaskType   `json:"task_type"`
	TaskID   *string    `json:"task_id,omitempty"` // YYYYMMDD-slug
	TypeHint *string    `json:"task_type_hint,omitempty"`

	// Lineage
	BasedOn   *int64  `json:"based_on,omitempty"`
	DependsOn *int64  `json:"depends_on,omitempty"`
	Group     *string `json:"group,omitempty"`
	Spec      *string `json:"spec,omitempty"`

	CreateReview  bool `json:"create_review"`
	SameBranch    bool `json:"same_branch"`
	SkipLearnings bool `json:"skip_learnings"`

	// Execution artifacts
	Branch        *string `json:"branch,omitempty"`
	LogFile       *string `json:"log_file,omitempty"`
	ReportFile    *string `json:"report_file,omitempty"`
	OutputContent *string `json:"output_content,omitempty"`
	SessionID     *string `json:"session_id,omitempty"`
	PRNumber      *int    `json:"pr_number,omitempty"`
	Model         *string `json:"model,omitempty"`
	Provider      *string `json:"provider,omitempty"`

	// Outcome
	HasCommits    *bool          `json:"has_commits,omitempty"`
	MergeStatus   MergeStatus    `json:"merge_status,omitempty"`
	FailureReason *FailureReason `json:"failure_reason,omitempty"`
	Stats         Stats          `json:"stats"`
	Diff          *DiffStats     `json:"diff,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Slug returns the task's slug or an empty string if none was assigned yet
func (t *Task) Slug() string {
	if t.TaskID == nil {
		return ""
	}
	return *t.TaskID
}

// BranchName returns the recorded branch or an empty string
func (t *Task) BranchName() string {
	if t.Branch == nil {
		return ""
	}
	return *t.Branch
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
