package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/console"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/importer"
	"github.com/cloud-shuttle/gza/pkg/types"
)

func initCmd(gf *globalFlags) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize gza in the current repository",
		Long: `Create gza.toml, the .gza state directory and the task database.

.gza/ is added to .gitignore so logs, reports and the database stay out of
commits made by agents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := gf.projectDir
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			return runInit(cmd, dir, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name used in branch names (default: directory name)")
	return cmd
}

func runInit(cmd *cobra.Command, dir, name string) error {
	out := console.New(cmd.OutOrStdout())
	if _, err := os.Stat(config.Path(dir)); err == nil {
		return fmt.Errorf("already initialized: %s exists", config.Path(dir))
	}
	if name == "" {
		name = filepath.Base(dir)
	}

	body := fmt.Sprintf("# gza configuration\nproject_name = %q\n\n# provider = \"claude\"\n# max_steps = 50\n# timeout = \"10m\"\n# use_docker = true\n", name)
	if err := os.WriteFile(config.Path(dir), []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", config.FileName, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, config.StateDir), 0o755); err != nil {
		return err
	}
	if err := ensureIgnored(dir, config.StateDir+"/"); err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	out.Success("Initialized gza")
	out.Info("Config", config.Path(dir))
	out.Info("Database", cfg.DBPath())
	out.NextSteps(
		console.Step{Command: `gza add "describe a task"`, Comment: "queue a task"},
		console.Step{Command: "gza work", Comment: "run pending tasks"},
	)
	return nil
}

// ensureIgnored appends entry to .gitignore unless it is already listed
func ensureIgnored(dir, entry string) error {
	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + entry + "\n")
	return err
}

type addFlags struct {
	taskType      string
	basedOn       int64
	dependsOn     int64
	group         string
	spec          string
	typeHint      string
	review        bool
	sameBranch    bool
	skipLearnings bool
	model         string
	provider      string
}

func addCmd(gf *globalFlags) *cobra.Command {
	var f addFlags

	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Queue a new task",
		Long: `Add a task to the queue.

Task types:
  task       general code change (default)
  explore    investigate and write a report
  plan       write an implementation plan
  implement  implement a feature, usually based on a plan
  review     review an implementation's branch
  improve    address a review on the implementation's branch`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			nt, err := f.newTask(a, strings.Join(args, " "))
			if err != nil {
				return err
			}
			task, err := a.store.Add(cmd.Context(), nt)
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("Added task #%d", task.ID))
			a.out.Info("Type", string(task.Type))
			if task.Group != nil {
				a.out.Info("Group", *task.Group)
			}
			if task.DependsOn != nil {
				a.out.Info("Depends on", fmt.Sprintf("#%d", *task.DependsOn))
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&f.taskType, "type", "t", "task", "Task type")
	cmd.Flags().Int64Var(&f.basedOn, "based-on", 0, "Task whose output this task builds on")
	cmd.Flags().Int64Var(&f.dependsOn, "depends-on", 0, "Task that must complete before this one runs")
	cmd.Flags().StringVarP(&f.group, "group", "g", "", "Group label")
	cmd.Flags().StringVar(&f.spec, "spec", "", "Spec file to include in the prompt")
	cmd.Flags().StringVar(&f.typeHint, "type-hint", "", "Branch type hint (feature, fix, ...)")
	cmd.Flags().BoolVar(&f.review, "review", false, "Create a review task when this implementation completes")
	cmd.Flags().BoolVar(&f.sameBranch, "same-branch", false, "Continue on the branch of the based-on or depends-on task")
	cmd.Flags().BoolVar(&f.skipLearnings, "skip-learnings", false, "Do not include the learnings file in the prompt")
	cmd.Flags().StringVar(&f.model, "model", "", "Model override")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Provider override (claude, codex, gemini)")
	return cmd
}

func (f addFlags) newTask(a *app, prompt string) (db.NewTask, error) {
	tt, err := types.ParseTaskType(f.taskType)
	if err != nil {
		return db.NewTask{}, err
	}
	nt := db.NewTask{
		Prompt:        prompt,
		Type:          tt,
		CreateReview:  f.review,
		SameBranch:    f.sameBranch,
		SkipLearnings: f.skipLearnings,
		Group:         optional(f.group),
		Spec:          optional(f.spec),
		TypeHint:      optional(f.typeHint),
		Model:         optional(f.model),
		Provider:      optional(f.provider),
	}
	if f.basedOn > 0 {
		nt.BasedOn = &f.basedOn
	}
	if f.dependsOn > 0 {
		nt.DependsOn = &f.dependsOn
	}
	if f.sameBranch && nt.BasedOn == nil && nt.DependsOn == nil {
		return db.NewTask{}, errors.New("--same-branch needs --based-on or --depends-on")
	}
	if nt.Spec != nil {
		path := *nt.Spec
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.cfg.ProjectDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return db.NewTask{}, fmt.Errorf("spec file: %w", err)
		}
	}
	return nt, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func importCmd(gf *globalFlags) *cobra.Command {
	var (
		dryRun bool
		group  string
	)

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Queue tasks from a YAML file",
		Long: `Import tasks from a YAML file.

Entries may name each other by key in depends_on and based_on; integer
values refer to tasks already in the database. The whole file is validated
before anything is added.

Example:
  group: parser
  tasks:
    - key: plan
      type: plan
      prompt: Plan the parser rewrite
    - type: implement
      prompt: Implement the parser rewrite
      based_on: plan
      depends_on: plan`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			f, err := importer.ParseFile(args[0])
			if err != nil {
				return err
			}
			res, err := importer.Import(cmd.Context(), a.store, f, importer.Options{
				ProjectDir: a.cfg.ProjectDir,
				Group:      group,
				DryRun:     dryRun,
			})
			if err != nil {
				return err
			}

			if dryRun {
				a.out.Success(fmt.Sprintf("Would import %d tasks", len(res.Planned)))
				for i, p := range res.Planned {
					a.out.Printf("  %d. [%s] %s", i+1, p.Task.Type, console.Truncate(p.Task.Prompt, 70))
				}
			} else {
				a.out.Success(fmt.Sprintf("Imported %d tasks", len(res.Created)))
				for _, t := range res.Created {
					a.out.Printf("  #%d [%s] %s", t.ID, t.Type, console.Truncate(t.Prompt, 70))
				}
			}
			if res.Skipped > 0 {
				a.out.Warn(fmt.Sprintf("Skipped %d entries that are not pending", res.Skipped))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and list the tasks without adding them")
	cmd.Flags().StringVarP(&group, "group", "g", "", "Put every imported task in this group")
	return cmd
}

// lookupTask accepts a numeric id or a task slug
func lookupTask(ctx context.Context, store *db.Store, ref string) (*types.Task, error) {
	if id, err := strconv.ParseInt(strings.TrimPrefix(ref, "#"), 10, 64); err == nil {
		return store.Get(ctx, id)
	}
	return store.GetByTaskID(ctx, ref)
}

// parseID accepts a numeric id with an optional leading #
func parseID(ref string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(ref, "#"), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid task id %q", ref)
	}
	return id, nil
}

func showCmd(gf *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id|slug>",
		Short: "Show a task's details",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			t, err := lookupTask(ctx, a.store, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(t)
			}

			a.out.Printf("Task #%d  %s", t.ID, a.out.Status(t.Status))
			a.out.Info("Type", string(t.Type))
			if slug := t.Slug(); slug != "" {
				a.out.Info("ID", slug)
			}
			a.out.Info("Prompt", t.Prompt)
			if t.Group != nil {
				a.out.Info("Group", *t.Group)
			}
			if t.BasedOn != nil {
				a.out.Info("Based on", fmt.Sprintf("#%d", *t.BasedOn))
			}
			if t.DependsOn != nil {
				a.out.Info("Depends on", fmt.Sprintf("#%d", *t.DependsOn))
				if blocked, dep, status, err := a.store.IsBlocked(ctx, t); err == nil && blocked {
					a.out.Warn(fmt.Sprintf("Blocked by #%d (%s)", *dep, status))
				}
			}
			if b := t.BranchName(); b != "" {
				a.out.Info("Branch", b)
			}
			if t.MergeStatus != types.MergeStatusNone {
				a.out.Info("Merge", string(t.MergeStatus))
			}
			if t.FailureReason != nil {
				a.out.Info("Failure", string(*t.FailureReason))
			}
			if t.ReportFile != nil {
				a.out.Info("Report", *t.ReportFile)
			}
			if t.LogFile != nil {
				a.out.Info("Log", *t.LogFile)
			}
			if t.PRNumber != nil {
				a.out.Info("PR", fmt.Sprintf("#%d", *t.PRNumber))
			}
			if t.Diff != nil {
				a.out.Info("Diff", fmt.Sprintf("%d files, +%d -%d", t.Diff.FilesChanged, t.Diff.LinesAdded, t.Diff.LinesRemoved))
			}
			a.out.Stats(t.Stats, t.HasCommits)
			if t.OutputContent != nil && t.ReportFile == nil {
				a.out.Println("")
				a.out.Println(*t.OutputContent)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the task as JSON")
	return cmd
}

func statusCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show running and pending tasks",
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			running, err := a.store.InProgress(ctx)
			if err != nil {
				return err
			}
			pending, err := a.store.Pending(ctx, 0)
			if err != nil {
				return err
			}

			a.out.Printf("In progress: %d", len(running))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, t := range running {
				fmt.Fprintf(w, "  #%d\t%s\t%s\t%s\n", t.ID, t.Type, t.Slug(), console.Truncate(t.Prompt, 60))
			}
			w.Flush()

			a.out.Printf("Pending: %d", len(pending))
			for _, t := range pending {
				note := ""
				if blocked, dep, _, err := a.store.IsBlocked(ctx, t); err == nil && blocked {
					note = fmt.Sprintf("(blocked by #%d)", *dep)
				}
				fmt.Fprintf(w, "  #%d\t%s\t%s\t%s\n", t.ID, t.Type, console.Truncate(t.Prompt, 60), note)
			}
			return w.Flush()
		}),
	}
}

func statsCmd(gf *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show totals across all tasks",
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			st, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			a.out.Printf("Completed:   %d", st.Completed)
			a.out.Printf("Failed:      %d", st.Failed)
			a.out.Printf("Unmerged:    %d", st.Unmerged)
			a.out.Printf("In progress: %d", st.InProgress)
			a.out.Printf("Pending:     %d (%d blocked)", st.Pending, st.Blocked)
			a.out.Printf("Cost:        $%.2f", st.TotalCostUSD)
			a.out.Printf("Turns:       %d", st.TotalTurns)
			a.out.Printf("Tokens:      %s in / %s out", console.FormatTokens(st.TotalInputTokens), console.FormatTokens(st.TotalOutputTokens))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the totals as JSON")
	return cmd
}

func historyCmd(gf *globalFlags) *cobra.Command {
	var (
		limit    int
		status   string
		taskType string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished tasks, newest first",
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			filter := db.HistoryFilter{Limit: limit, Status: types.TaskStatus(status)}
			if status != "" && !filter.Status.IsTerminal() {
				return fmt.Errorf("--status must be completed, failed or unmerged, got %q", status)
			}
			if taskType != "" {
				tt, err := types.ParseTaskType(taskType)
				if err != nil {
					return err
				}
				filter.Type = tt
			}
			tasks, err := a.store.History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printTasks(cmd, a, tasks)
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of tasks to show (0 for all)")
	cmd.Flags().StringVar(&status, "status", "", "Only tasks with this status")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "Only tasks of this type")
	return cmd
}

func searchCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Find tasks whose prompt contains a term",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			tasks, err := a.store.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printTasks(cmd, a, tasks)
		}),
	}
}

func groupsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "groups [name]",
		Short: "List task groups, or the tasks of one group",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				tasks, err := a.store.ByGroup(ctx, args[0])
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					return fmt.Errorf("no tasks in group %q", args[0])
				}
				return printTasks(cmd, a, tasks)
			}

			groups, err := a.store.Groups(ctx)
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				a.out.Println("No groups")
				return nil
			}
			names := make([]string, 0, len(groups))
			for name := range groups {
				names = append(names, name)
			}
			slices.Sort(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, name := range names {
				var parts []string
				for _, s := range []types.TaskStatus{types.TaskStatusCompleted, types.TaskStatusInProgress, types.TaskStatusPending, types.TaskStatusFailed, types.TaskStatusUnmerged} {
					if n := groups[name][s]; n > 0 {
						parts = append(parts, fmt.Sprintf("%d %s", n, s))
					}
				}
				fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(parts, ", "))
			}
			return w.Flush()
		}),
	}
}

func printTasks(cmd *cobra.Command, a *app, tasks []*types.Task) error {
	if len(tasks) == 0 {
		a.out.Println("No tasks")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, t := range tasks {
		reason := ""
		if t.FailureReason != nil {
			reason = string(*t.FailureReason)
		}
		fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%s\n", t.ID, a.out.Status(t.Status), t.Type, console.Truncate(t.Prompt, 60), reason)
	}
	return w.Flush()
}
