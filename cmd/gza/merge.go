package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/internal/console"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/git"
	"github.com/cloud-shuttle/gza/pkg/types"
)

func mergeCmd(gf *globalFlags) *cobra.Command {
	var (
		squash bool
		remove bool
	)

	cmd := &cobra.Command{
		Use:   "merge <id|slug>",
		Short: "Merge a task's branch into the current branch",
		Long: `Merge the branch of a completed task into the checked-out default branch.

Branches that are already merged (including squash merges) are only marked
as merged. A merge that would conflict is refused before anything changes.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			t, err := lookupTask(ctx, a.store, args[0])
			if err != nil {
				return err
			}
			branch := t.BranchName()
			if branch == "" {
				return fmt.Errorf("task #%d has no branch", t.ID)
			}
			if t.Status != types.TaskStatusCompleted && t.Status != types.TaskStatusUnmerged {
				return fmt.Errorf("task #%d is %s; only completed tasks can be merged", t.ID, t.Status)
			}

			wm := a.newRunner().Worktrees()
			repo := wm.Repo()
			base := repo.DefaultBranch(ctx)
			if cur, err := repo.CurrentBranch(ctx); err != nil || cur != base {
				return fmt.Errorf("check out %s before merging (on %q)", base, cur)
			}

			if repo.IsMerged(ctx, branch, base) {
				a.out.Info("Already merged", branch)
			} else {
				if !repo.CanMerge(ctx, branch, base) {
					return fmt.Errorf("%s does not merge cleanly into %s; rebase it first", branch, base)
				}
				msg := git.CommitMessage(t.Prompt, t.Slug(), nil)
				if !squash {
					msg = fmt.Sprintf("Merge branch '%s'\n\n%s", branch, msg)
				}
				if err := repo.Merge(ctx, branch, squash, msg); err != nil {
					if abortErr := repo.MergeAbort(ctx); abortErr != nil {
						a.logger.Warn("merge abort failed", zap.Error(abortErr))
					}
					return fmt.Errorf("merging %s: %w", branch, err)
				}
				a.out.Success("Merged " + branch)
			}
			if err := a.store.SetMergeStatus(ctx, t.ID, types.MergeStatusMerged); err != nil {
				return err
			}

			if !remove {
				return nil
			}
			if slug := t.Slug(); slug != "" {
				if err := wm.Remove(ctx, wm.Path(slug, t.Type), true); err != nil {
					return err
				}
				if err := a.store.UpdateWorktreeStatus(ctx, slug, db.WorktreeRemoved); err != nil {
					a.logger.Debug("no worktree record", zap.String("task_id", slug), zap.Error(err))
				}
			}
			// Squash merges are invisible to git branch -d
			if err := repo.DeleteBranch(ctx, branch, squash); err != nil {
				return err
			}
			a.out.Info("Deleted branch", branch)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&squash, "squash", false, "Squash the branch into a single commit")
	cmd.Flags().BoolVarP(&remove, "delete", "d", false, "Remove the task's worktree and branch after merging")
	return cmd
}

func unmergedCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unmerged",
		Short: "List completed tasks whose branch is not merged",
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			tasks, err := a.store.Unmerged(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				a.out.Println("No unmerged tasks")
				return nil
			}

			repo := a.newRunner().Worktrees().Repo()
			base := repo.DefaultBranch(ctx)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, t := range tasks {
				branch := t.BranchName()
				if repo.IsMerged(ctx, branch, base) {
					// Merged outside gza
					if err := a.store.SetMergeStatus(ctx, t.ID, types.MergeStatusMerged); err != nil {
						return err
					}
					continue
				}
				diff := ""
				if t.Diff != nil {
					diff = fmt.Sprintf("+%d -%d", t.Diff.LinesAdded, t.Diff.LinesRemoved)
				}
				fmt.Fprintf(w, "#%d\t%s\t%s\t%s\n", t.ID, branch, diff, console.Truncate(t.Prompt, 50))
			}
			return w.Flush()
		}),
	}
}

func worktreeCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage task worktrees",
	}
	cmd.AddCommand(worktreeListCmd(gf), worktreePruneCmd(gf))
	return cmd
}

func worktreeListCmd(gf *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task worktrees",
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			wts, err := a.store.ListWorktrees(ctx, !all)
			if err != nil {
				return err
			}
			orphans, err := a.store.OrphanedWorktrees(ctx, a.cfg.WorktreePath())
			if err != nil {
				return err
			}
			if len(wts) == 0 && len(orphans) == 0 {
				a.out.Println("No worktrees")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tTASK STATUS\tLAST USED\tPATH")
			for _, wt := range wts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wt.TaskID, wt.Status, wt.TaskStatus,
					console.FormatDuration(time.Since(wt.LastUsedAt))+" ago", wt.Path)
			}
			for _, p := range orphans {
				fmt.Fprintf(w, "-\torphaned\t-\t-\t%s\n", p)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include removed worktrees")
	return cmd
}

func worktreePruneCmd(gf *globalFlags) *cobra.Command {
	var force, all bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove worktrees of finished tasks and orphaned directories",
		Long: `Remove the worktrees of tasks that are no longer running, then delete
directories under the worktree directory that git no longer tracks.
Branches are kept.

--all removes every worktree under the worktree directory, including those
of running tasks.`,
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			wts, err := a.store.ListWorktrees(ctx, true)
			if err != nil {
				return err
			}
			wm := a.newRunner().Worktrees()
			if all {
				return pruneAll(cmd, a, wm, wts, force)
			}

			var stale []*db.WorktreeInfo
			for _, wt := range wts {
				if wt.TaskStatus != string(types.TaskStatusInProgress) {
					stale = append(stale, wt)
				}
			}
			if len(stale) == 0 {
				a.out.Println("No finished worktrees")
			} else if !force && !confirm(cmd, fmt.Sprintf("Remove %d worktrees?", len(stale))) {
				a.out.Println("Cancelled")
				return nil
			}

			for _, wt := range stale {
				if err := wm.Remove(ctx, wt.Path, true); err != nil {
					a.out.Warn(fmt.Sprintf("%s: %v", wt.TaskID, err))
					continue
				}
				if err := a.store.UpdateWorktreeStatus(ctx, wt.TaskID, db.WorktreeRemoved); err != nil {
					return err
				}
				a.out.Printf("Removed %s", wt.Path)
			}
			return pruneOrphaned(ctx, a, wm)
		}),
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&all, "all", false, "Remove every task worktree, running or not")
	return cmd
}

// pruneAll removes every worktree git has registered under the worktree
// directory and marks the recorded ones removed
func pruneAll(cmd *cobra.Command, a *app, wm *git.WorktreeManager, wts []*db.WorktreeInfo, force bool) error {
	ctx := cmd.Context()
	if !force && !confirm(cmd, "Remove every task worktree?") {
		a.out.Println("Cancelled")
		return nil
	}
	// Resolve before removal; a deleted path no longer resolves
	byPath := make(map[string]*db.WorktreeInfo, len(wts))
	for _, wt := range wts {
		byPath[resolved(wt.Path)] = wt
	}
	removed, err := wm.Cleanup(ctx)
	if err != nil {
		return err
	}
	for _, p := range removed {
		a.out.Printf("Removed %s", p)
		wt, ok := byPath[resolved(p)]
		if !ok {
			continue
		}
		if err := a.store.UpdateWorktreeStatus(ctx, wt.TaskID, db.WorktreeRemoved); err != nil {
			return err
		}
	}
	return pruneOrphaned(ctx, a, wm)
}

// resolved follows symlinks so paths from git and from the store compare equal
func resolved(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

func pruneOrphaned(ctx context.Context, a *app, wm *git.WorktreeManager) error {
	pruned, err := wm.PruneOrphaned(ctx)
	if err != nil {
		return err
	}
	for _, p := range pruned {
		a.out.Printf("Removed orphaned %s", p)
	}
	return nil
}

// confirm asks a yes/no question on the command's input
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	in := cmd.InOrStdin()
	if in == nil {
		in = os.Stdin
	}
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
