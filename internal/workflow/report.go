package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/internal/console"
	"github.com/cloud-shuttle/gza/internal/git"
	"github.com/cloud-shuttle/gza/internal/github"
	"github.com/cloud-shuttle/gza/internal/prompt"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

// hiddenGitFile is where a worktree's .git file is parked during a
// containerized review
const hiddenGitFile = ".git.gza-host-worktree"

// reviewBase returns the implementation branch a review should look at, or
// "" to use the default branch
func (r *Runner) reviewBase(ctx context.Context, t *types.Task) string {
	if t.Type != types.TaskTypeReview || t.DependsOn == nil {
		return ""
	}
	impl, err := r.store.Get(ctx, *t.DependsOn)
	if err != nil || impl.Status != types.TaskStatusCompleted || impl.Branch == nil {
		return ""
	}
	if !r.wm.Repo().BranchExists(ctx, *impl.Branch) {
		return ""
	}
	return *impl.Branch
}

// runReport runs an explore, plan or review task in a detached worktree.
// The task produces a report file instead of commits.
func (r *Runner) runReport(ctx context.Context, a *attempt) (*Result, error) {
	base := r.reviewBase(ctx, a.task)
	wctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeAcquire, r.wm.Path(a.slug, a.task.Type),
		attribute.String(telemetry.KeyWorktreeMode, git.ModeDetached.String()))
	var err error
	a.wt, err = r.wm.Acquire(wctx, git.AcquireRequest{Slug: a.slug, Type: a.task.Type, Mode: git.ModeDetached, BaseRef: base})
	telemetry.EndWithError(span, err, telemetry.ErrorCategoryWorktree)
	if err != nil {
		return nil, fmt.Errorf("preparing %s worktree: %w", a.task.Type, err)
	}
	if err := r.begin(ctx, a); err != nil {
		return nil, err
	}

	report := r.artifactFor(a)
	if err := os.MkdirAll(filepath.Dir(report.worktree), 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	text, err := r.assembler.Build(ctx, a.task, prompt.Paths{Report: report.agent})
	if err != nil {
		return nil, err
	}

	if r.cfg.UseDocker && a.task.Type == types.TaskTypeReview {
		restore := hideWorktreeGit(a.wt.Path, a.log)
		defer restore()
	}
	run, err := r.invoke(ctx, a, text)
	if err != nil {
		return nil, err
	}
	if cause := classify(ctx, run); cause != nil {
		return r.fail(ctx, a, run, cause)
	}

	content, found := r.collect(a, report, false)
	out := r.outcome(a, run)
	if found {
		out.ReportFile = &report.rel
		out.OutputContent = &content
	} else {
		r.out.Warn("Report file not found at " + report.worktree)
	}
	t, err := r.complete(ctx, a, out)
	if err != nil {
		return nil, err
	}

	r.out.Success(t.Type.DisplayName() + " Complete")
	r.out.Stats(out.Stats, nil)
	r.out.Info("Task ID", fmt.Sprintf("%d (%s)", t.ID, a.slug))
	if found {
		r.out.Info("Report", report.rel)
	}
	if t.Type == types.TaskTypeReview {
		if found {
			r.postReview(ctx, a, t, content)
		}
		r.out.Verdict(string(prompt.ReviewVerdict(content)))
	}
	r.out.NextSteps(reportSteps(t)...)
	return &Result{Task: t}, nil
}

func reportSteps(t *types.Task) []console.Step {
	switch t.Type {
	case types.TaskTypeExplore:
		return []console.Step{{Command: fmt.Sprintf("gza add --based-on %d \"...\"", t.ID), Comment: "act on the findings"}}
	case types.TaskTypePlan:
		return []console.Step{{Command: fmt.Sprintf("gza add --type implement --based-on %d", t.ID), Comment: "implement the plan"}}
	case types.TaskTypeReview:
		if t.DependsOn != nil {
			return []console.Step{{Command: fmt.Sprintf("gza improve %d", *t.DependsOn), Comment: "address the review"}}
		}
	}
	return nil
}

// postReview comments the review on the implementation's pull request when
// gh is usable and the PR exists. Failures are reported, never fatal.
func (r *Runner) postReview(ctx context.Context, a *attempt, review *types.Task, content string) {
	if review.DependsOn == nil || strings.TrimSpace(content) == "" {
		return
	}
	impl, err := r.store.Get(ctx, *review.DependsOn)
	if err != nil || impl.Branch == nil {
		return
	}
	if !r.gh.Available(ctx) {
		a.log.Debug("gh unavailable, review not posted")
		return
	}

	var number int
	if impl.PRNumber != nil {
		number = *impl.PRNumber
	} else {
		if number, err = r.gh.PRNumber(ctx, *impl.Branch); err != nil {
			a.log.Warn("could not look up pull request", zap.String("branch", *impl.Branch), zap.Error(err))
			return
		}
		if number == 0 {
			r.out.Info("Pull request", "none for "+*impl.Branch+", review not posted")
			return
		}
		if err := r.store.SetPRNumber(ctx, impl.ID, number); err != nil {
			a.log.Warn("could not cache PR number", zap.Error(err))
		}
	}

	if err := r.gh.Comment(ctx, number, github.ReviewComment(review.ID, impl.ID, content)); err != nil {
		a.log.Warn("could not post review", zap.Int("pr", number), zap.Error(err))
		r.out.Warn(fmt.Sprintf("Could not post review to PR #%d", number))
		return
	}
	r.out.Info("Posted review to PR", fmt.Sprintf("#%d", number))
}

// hideWorktreeGit parks a worktree's .git file when it points outside the
// worktree, since a container that mounts only the worktree cannot follow
// it. The returned func puts it back.
func hideWorktreeGit(dir string, log *zap.Logger) func() {
	noop := func() {}
	gitFile := filepath.Join(dir, ".git")
	data, err := os.ReadFile(gitFile)
	if err != nil {
		return noop
	}
	gitdir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return noop
	}
	gitdir = strings.TrimSpace(gitdir)
	if !filepath.IsAbs(gitdir) || strings.HasPrefix(filepath.Clean(gitdir), filepath.Clean(dir)+string(filepath.Separator)) {
		return noop
	}

	hidden := filepath.Join(dir, hiddenGitFile)
	if err := os.Rename(gitFile, hidden); err != nil {
		log.Warn("could not hide worktree git file", zap.Error(err))
		return noop
	}
	return func() {
		if err := os.Rename(hidden, gitFile); err != nil {
			log.Warn("could not restore worktree git file", zap.String("path", hidden), zap.Error(err))
		}
	}
}
