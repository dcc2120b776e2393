// Package telemetry provides OpenTelemetry tracing and Prometheus metrics for gza
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/gza/pkg/types"
)

// Semantic convention keys for gza-specific attributes
const (
	// Project attributes
	KeyProjectName = "gza.project.name"
	KeyProjectPath = "gza.project.path"

	// Task attributes
	KeyTaskID     = "gza.task.id"
	KeyTaskSlug   = "gza.task.slug"
	KeyTaskType   = "gza.task.type"
	KeyTaskStatus = "gza.task.status"
	KeyTaskGroup  = "gza.task.group"
	KeyBasedOn    = "gza.task.based_on"

	// Worker attributes
	KeyWorkerID    = "gza.worker.id"
	KeyWorkerCount = "gza.worker.count"

	// Worktree attributes
	KeyWorktreePath = "gza.worktree.path"
	KeyWorktreeMode = "gza.worktree.mode"
	KeyBranch       = "gza.worktree.branch"

	// Provider attributes
	KeyProvider      = "gza.provider.name"
	KeyModel         = "gza.provider.model"
	KeyMaxSteps      = "gza.provider.max_steps"
	KeyResume        = "gza.provider.resume"
	KeyExitCode      = "gza.provider.exit_code"
	KeyTurnsReported = "gza.provider.turns_reported"
	KeyTurnsComputed = "gza.provider.turns_computed"
	KeyCostUSD       = "gza.provider.cost_usd"

	// Review diff attributes
	KeyDiffLines = "gza.diff.lines"
	KeyDiffTier  = "gza.diff.tier"

	// Error attributes
	KeyErrorCategory = "gza.error.category"
	KeyFailureReason = "gza.failure.reason"
)

// Error categories
const (
	ErrorCategoryProvider = "provider"
	ErrorCategoryGit      = "git"
	ErrorCategoryWorktree = "worktree"
	ErrorCategoryDatabase = "database"
	ErrorCategoryTimeout  = "timeout"
	ErrorCategoryBudget   = "budget"
	ErrorCategoryUnknown  = "unknown"
)

// TaskAttrs returns the identifying attributes of a task
func TaskAttrs(t *types.Task) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int64(KeyTaskID, t.ID),
		attribute.String(KeyTaskType, string(t.Type)),
		attribute.String(KeyTaskStatus, string(t.Status)),
	}
	if t.TaskID != nil {
		attrs = append(attrs, attribute.String(KeyTaskSlug, *t.TaskID))
	}
	if t.Group != nil {
		attrs = append(attrs, attribute.String(KeyTaskGroup, *t.Group))
	}
	if t.BasedOn != nil {
		attrs = append(attrs, attribute.Int64(KeyBasedOn, *t.BasedOn))
	}
	return attrs
}
