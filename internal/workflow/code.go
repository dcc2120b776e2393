package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/console"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/internal/git"
	"github.com/cloud-shuttle/gza/internal/prompt"
	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

// artifact locates one report or summary file as the host, the worktree and
// the agent see it
type artifact struct {
	rel      string // project-relative
	host     string
	worktree string
	agent    string
}

func (r *Runner) artifactFor(a *attempt) artifact {
	rel := filepath.Join(a.task.Type.ArtifactDir(), a.slug+".md")
	art := artifact{
		rel:      rel,
		host:     filepath.Join(r.cfg.ProjectDir, rel),
		worktree: filepath.Join(a.wt.Path, rel),
	}
	art.agent = art.worktree
	if r.cfg.UseDocker {
		art.agent = provider.ContainerWorkspace + "/" + filepath.ToSlash(rel)
	}
	return art
}

// collect copies the artifact the agent wrote in the worktree into the
// project. With remove set the worktree copy is deleted so it is never
// committed. It returns the content, or "" when the agent wrote nothing.
func (r *Runner) collect(a *attempt, art artifact, remove bool) (string, bool) {
	data, err := os.ReadFile(art.worktree)
	if err != nil {
		return "", false
	}
	if err := os.MkdirAll(filepath.Dir(art.host), 0o755); err != nil {
		a.log.Warn("could not create artifact directory", zap.Error(err))
		return string(data), false
	}
	if err := os.WriteFile(art.host, data, 0o644); err != nil {
		a.log.Warn("could not copy artifact", zap.String("path", art.host), zap.Error(err))
		return string(data), false
	}
	if remove {
		if err := os.Remove(art.worktree); err != nil {
			a.log.Debug("could not remove worktree artifact", zap.Error(err))
		}
	}
	return string(data), true
}

// branchFor decides which branch a code task works on and how its worktree
// is prepared
func (r *Runner) branchFor(ctx context.Context, a *attempt) (string, git.Mode, error) {
	t := a.task
	hint := ""
	if t.TypeHint != nil {
		hint = *t.TypeHint
	}
	switch {
	case a.opts.resume:
		if t.Branch != nil && *t.Branch != "" {
			return *t.Branch, git.ModeExistingBranch, nil
		}
		return r.cfg.BranchName(a.slug, t.Prompt, hint), git.ModeExistingBranch, nil

	case t.SameBranch:
		for _, id := range []*int64{t.BasedOn, t.DependsOn} {
			if id == nil {
				continue
			}
			src, err := r.store.Get(ctx, *id)
			if err != nil {
				return "", 0, fmt.Errorf("loading source task %d: %w", *id, err)
			}
			if src.Branch != nil && *src.Branch != "" {
				return *src.Branch, git.ModeExistingBranch, nil
			}
		}
		return "", 0, fmt.Errorf("%w: task %d has no based_on or depends_on task with a branch", ErrNoSourceBranch, t.ID)

	case r.cfg.BranchMode == config.BranchModeSingle:
		return r.cfg.SingleBranch(), git.ModeSingleBranch, nil
	}
	return r.cfg.BranchName(a.slug, t.Prompt, hint), git.ModeNewBranch, nil
}

// acquireCode prepares the worktree of a code task, restoring WIP on resume
func (r *Runner) acquireCode(ctx context.Context, a *attempt) error {
	branch, mode, err := r.branchFor(ctx, a)
	if err != nil {
		return err
	}
	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeAcquire, r.wm.Path(a.slug, a.task.Type),
		attribute.String(telemetry.KeyBranch, branch),
		attribute.String(telemetry.KeyWorktreeMode, mode.String()),
	)
	if a.opts.resume {
		var restored git.RestoreResult
		a.wt, restored, err = r.wm.Resume(ctx, a.slug, branch, a.opts.wipIDs)
		if err == nil {
			if r.metrics != nil {
				r.metrics.WIPRestores.WithLabelValues(restored.String()).Inc()
			}
			if restored != git.RestoreNone {
				r.out.Info("Restored work in progress", restored.String())
			}
		}
	} else {
		a.wt, err = r.wm.Acquire(ctx, git.AcquireRequest{Slug: a.slug, Type: a.task.Type, Mode: mode, Branch: branch})
	}
	telemetry.EndWithError(span, err, telemetry.ErrorCategoryWorktree)
	if err != nil {
		return fmt.Errorf("preparing worktree for %s: %w", branch, err)
	}
	return nil
}

// runCode runs a task that must leave commits on its branch
func (r *Runner) runCode(ctx context.Context, a *attempt) (*Result, error) {
	if err := r.acquireCode(ctx, a); err != nil {
		return nil, err
	}
	if err := r.begin(ctx, a); err != nil {
		return nil, err
	}
	wt := a.wt
	r.out.Info("Branch", wt.Branch)

	summary := r.artifactFor(a)
	if err := os.MkdirAll(filepath.Dir(summary.worktree), 0o755); err != nil {
		return nil, fmt.Errorf("creating summary directory: %w", err)
	}
	var (
		text string
		err  error
	)
	if a.opts.resume {
		text = prompt.ResumePrompt()
	} else if text, err = r.assembler.Build(ctx, a.task, prompt.Paths{Summary: summary.agent}); err != nil {
		return nil, err
	}

	run, err := r.invoke(ctx, a, text)
	if err != nil {
		return nil, err
	}
	if cause := classify(ctx, run); cause != nil {
		r.saveWIP(ctx, a)
		return r.fail(ctx, a, run, cause)
	}

	content, _ := r.collect(a, summary, true)

	repo := r.wm.Repo()
	base := repo.DefaultBranch(ctx)
	if !wt.Repo.HasChanges(ctx, ".") && repo.CountCommitsAhead(ctx, wt.Branch, base) == 0 {
		return r.fail(ctx, a, run, ErrNoChanges)
	}

	reviewID := r.addressedReview(ctx, a.task)
	fctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeFinalize, wt.Path,
		attribute.String(telemetry.KeyBranch, wt.Branch))
	_, err = r.wm.Finalize(fctx, wt, git.CommitMessage(a.task.Prompt, a.slug, reviewID))
	telemetry.EndWithError(span, err, telemetry.ErrorCategoryGit)
	if err != nil {
		r.saveWIP(ctx, a)
		return r.fail(ctx, a, run, fmt.Errorf("finalizing %s: %w", wt.Branch, err))
	}

	out := r.outcome(a, run)
	out.HasCommits = true
	if content != "" {
		out.OutputContent = &content
	}
	if diff, err := repo.DiffStats(ctx, base+"..."+wt.Branch); err == nil {
		out.Diff = &diff
	} else {
		a.log.Warn("could not compute diff stats", zap.Error(err))
	}
	t, err := r.complete(ctx, a, out)
	if err != nil {
		return nil, err
	}

	if t.Type == types.TaskTypeImprove && t.BasedOn != nil {
		if err := r.store.ClearReviewState(ctx, *t.BasedOn); err != nil {
			a.log.Warn("could not clear review state", zap.Int64("implementation", *t.BasedOn), zap.Error(err))
		}
	}

	hasCommits := true
	r.out.Success("Done")
	r.out.Stats(out.Stats, &hasCommits)
	r.out.Info("Task ID", fmt.Sprintf("%d (%s)", t.ID, a.slug))
	r.out.Info("Branch", wt.Branch)
	if _, err := os.Stat(summary.host); err == nil {
		r.out.Info("Summary", summary.rel)
	}
	r.out.NextSteps(
		console.Step{Command: fmt.Sprintf("gza merge %d", t.ID), Comment: "merge branch for task"},
		console.Step{Command: fmt.Sprintf("gza retry %d", t.ID), Comment: "retry from scratch"},
		console.Step{Command: fmt.Sprintf("gza resume %d", t.ID), Comment: "resume from where it left off"},
		console.Step{Command: fmt.Sprintf("git diff %s...%s", base, wt.Branch), Comment: "review changes"},
	)

	res := &Result{Task: t}
	if t.CreateReview {
		res.Review = r.followWithReview(ctx, a, t)
	}
	return res, nil
}

// saveWIP preserves uncommitted work of a failed code task on its branch
func (r *Runner) saveWIP(ctx context.Context, a *attempt) {
	// Saving must finish even when the run was interrupted
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeSaveWIP, a.wt.Path)
	saved, err := r.wm.SaveWIP(ctx, a.wt, a.slug)
	telemetry.EndWithError(span, err, telemetry.ErrorCategoryGit)
	if err != nil {
		a.log.Warn("could not save work in progress", zap.Error(err))
		return
	}
	if !saved {
		return
	}
	if r.metrics != nil {
		r.metrics.WIPSaves.Inc()
	}
	r.out.Warn("Saved work in progress to " + a.wt.Branch)
	r.publish(ctx, events.WIPSaved, a.task, a.opts.workerID, map[string]any{"branch": a.wt.Branch})
}

// addressedReview returns the review an improve task addresses, for the
// commit trailer
func (r *Runner) addressedReview(ctx context.Context, t *types.Task) *int64 {
	if t.Type != types.TaskTypeImprove || t.DependsOn == nil {
		return nil
	}
	dep, err := r.store.Get(ctx, *t.DependsOn)
	if err != nil || dep.Type != types.TaskTypeReview {
		return nil
	}
	return &dep.ID
}

// CreateReview queues a review of a completed implementation. The review
// inherits the implementation's group and lineage.
func (r *Runner) CreateReview(ctx context.Context, impl *types.Task) (*types.Task, error) {
	slug := ""
	if impl.TaskID != nil {
		slug = *impl.TaskID
	}
	review, err := r.store.Add(ctx, db.NewTask{
		Prompt:    ReviewPrompt(slug, impl.ID, impl.Prompt),
		Type:      types.TaskTypeReview,
		DependsOn: &impl.ID,
		Group:     impl.Group,
		BasedOn:   impl.BasedOn,
		Provider:  impl.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("creating review for task %d: %w", impl.ID, err)
	}
	r.publish(ctx, events.TaskCreated, review, "", map[string]any{"reviews": impl.ID})
	return review, nil
}

// followWithReview creates the review a task asked for. Foreground runs
// execute it right away; pool workers leave it queued for the next claim.
func (r *Runner) followWithReview(ctx context.Context, a *attempt, impl *types.Task) *Result {
	review, err := r.CreateReview(ctx, impl)
	if err != nil {
		a.log.Warn("could not create review", zap.Error(err))
		r.out.Warn(fmt.Sprintf("Could not create review: %v", err))
		return nil
	}
	if a.opts.workerID != "" {
		r.out.Info("Queued review", fmt.Sprintf("#%d", review.ID))
		return nil
	}
	r.out.Println()
	r.out.Info("Running review", fmt.Sprintf("#%d", review.ID))
	res, err := r.execute(ctx, review, runOptions{})
	if err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			// Another worker claimed it first
			return nil
		}
		a.log.Warn("review run failed", zap.Int64("review", review.ID), zap.Error(err))
		r.out.Error(fmt.Sprintf("Review #%d failed: %v", review.ID, err))
		return nil
	}
	return res
}
