// Package prompt assembles the prompts handed to coding agents: lineage
// context from earlier tasks, review diff excerpts and per-type instructions
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

// TaskSource looks tasks up by id
type TaskSource interface {
	Get(ctx context.Context, id int64) (*types.Task, error)
}

// DiffSource produces the diffs shown to review tasks
type DiffSource interface {
	DefaultBranch(ctx context.Context) string
	DiffNumstat(ctx context.Context, revRange string) (string, error)
	DiffStat(ctx context.Context, revRange string) (string, error)
	Diff(ctx context.Context, revRange string) (string, error)
	DiffFiles(ctx context.Context, revRange string, unified int, files []string) (string, error)
}

// Assembler builds prompts and their lineage context
type Assembler struct {
	tasks      TaskSource
	git        DiffSource
	projectDir string
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

// Option configures an Assembler
type Option func(*Assembler)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithMetrics records review diff tiers
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// NewAssembler returns an Assembler reading tasks from tasks and diffs from
// git. git may be nil, in which case review prompts carry no diff.
func NewAssembler(tasks TaskSource, git DiffSource, projectDir string, opts ...Option) *Assembler {
	a := &Assembler{
		tasks:      tasks,
		git:        git,
		projectDir: projectDir,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FindAncestorOfType walks the based_on chain starting at id (inclusive) and
// returns the first task of type t, or nil if the chain ends, loops or
// references a missing task.
func (a *Assembler) FindAncestorOfType(ctx context.Context, id int64, t types.TaskType) (*types.Task, error) {
	visited := make(map[int64]bool)
	next := &id
	for next != nil {
		cur := *next
		if visited[cur] {
			return nil, nil
		}
		visited[cur] = true

		task, err := a.tasks.Get(ctx, cur)
		if errors.Is(err, db.ErrTaskNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walking lineage of task %d: %w", id, err)
		}
		if task.Type == t {
			return task, nil
		}
		next = task.BasedOn
	}
	return nil, nil
}

// TaskOutput returns the report or summary a task produced. A report file
// edited after the task completed wins over the stored copy, so operators
// can amend plans before they are implemented.
func (a *Assembler) TaskOutput(t *types.Task) string {
	var path string
	if t.ReportFile != nil {
		path = filepath.Join(a.projectDir, *t.ReportFile)
	}

	if path != "" && t.CompletedAt != nil {
		if fi, err := os.Stat(path); err == nil && fi.ModTime().After(*t.CompletedAt) {
			if b, err := os.ReadFile(path); err == nil {
				return string(b)
			}
		}
	}
	if t.OutputContent != nil && *t.OutputContent != "" {
		return *t.OutputContent
	}
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			return string(b)
		}
	}
	return ""
}

// planFor returns the output of the nearest plan in the chain above id
func (a *Assembler) planFor(ctx context.Context, id *int64) (string, error) {
	if id == nil {
		return "", nil
	}
	plan, err := a.FindAncestorOfType(ctx, *id, types.TaskTypePlan)
	if err != nil || plan == nil {
		return "", err
	}
	return a.TaskOutput(plan), nil
}

// get returns the task with id, or nil when it does not exist
func (a *Assembler) get(ctx context.Context, id *int64) (*types.Task, error) {
	if id == nil {
		return nil, nil
	}
	t, err := a.tasks.Get(ctx, *id)
	if errors.Is(err, db.ErrTaskNotFound) {
		return nil, nil
	}
	return t, err
}

// readSpec returns the content of a project-relative spec file, or "" if it
// does not exist
func (a *Assembler) readSpec(spec *string) string {
	if spec == nil || *spec == "" {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(a.projectDir, *spec))
	if err != nil {
		a.logger.Debug("spec file unreadable", zap.String("spec", *spec), zap.Error(err))
		return ""
	}
	return string(b)
}

// BuildChainContext gathers what earlier tasks in the lineage produced:
// improve tasks get the review feedback and the original plan, implement
// tasks get their plan, review tasks get the spec, the implementation diff
// and the plan. Any other task based on another gets a pointer to its parent.
func (a *Assembler) BuildChainContext(ctx context.Context, task *types.Task) (string, error) {
	var parts []string

	switch task.Type {
	case types.TaskTypeImprove:
		review, err := a.get(ctx, task.DependsOn)
		if err != nil {
			return "", err
		}
		if review != nil && review.Type == types.TaskTypeReview {
			if out := a.TaskOutput(review); out != "" {
				parts = append(parts, "## Review feedback to address:\n", out)
			}
		}
		impl, err := a.get(ctx, task.BasedOn)
		if err != nil {
			return "", err
		}
		if impl != nil {
			plan, err := a.planFor(ctx, impl.BasedOn)
			if err != nil {
				return "", err
			}
			if plan != "" {
				parts = append(parts, "\n## Original plan:\n", plan)
			}
		}

	case types.TaskTypeImplement:
		plan, err := a.planFor(ctx, task.BasedOn)
		if err != nil {
			return "", err
		}
		if plan != "" {
			parts = append(parts, "## Plan to implement:\n", plan)
		}

	case types.TaskTypeReview:
		impl, err := a.get(ctx, task.DependsOn)
		if err != nil {
			return "", err
		}
		if impl != nil {
			if spec := a.readSpec(impl.Spec); spec != "" {
				parts = append(parts, fmt.Sprintf(
					"## Specification\n\nThe following specification file (%s) provides context for this implementation:\n\n%s",
					*impl.Spec, spec))
			}
			if impl.Branch != nil && a.git != nil {
				diff, err := a.BuildReviewDiffContext(ctx, a.git.DefaultBranch(ctx), *impl.Branch)
				if err != nil {
					a.logger.Warn("review diff unavailable", zap.String("branch", *impl.Branch), zap.Error(err))
				} else {
					parts = append(parts, diff)
				}
			}
			plan, err := a.planFor(ctx, impl.BasedOn)
			if err != nil {
				return "", err
			}
			if plan != "" {
				parts = append(parts, "\n## Original plan:\n", plan)
			}
		}

	case types.TaskTypeTask, types.TaskTypeExplore, types.TaskTypePlan:
	}

	if len(parts) == 0 && task.BasedOn != nil {
		parent, err := a.get(ctx, task.BasedOn)
		if err != nil {
			return "", err
		}
		switch {
		case parent == nil:
		case parent.ReportFile != nil:
			parts = append(parts,
				"This task is based on the findings in: "+*parent.ReportFile,
				"Read and review that report for context before implementing.")
		default:
			parts = append(parts, fmt.Sprintf("This task is a follow-up to task #%d: %s", parent.ID, truncate(parent.Prompt, 100)))
		}
	}

	return strings.Join(parts, "\n"), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
