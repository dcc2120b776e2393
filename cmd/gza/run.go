package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/gza/internal/dashboard"
	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/internal/webhooks"
	"github.com/cloud-shuttle/gza/internal/workflow"
)

// resultErr turns a finished run into the process exit status. The runner
// has already printed the failure.
func resultErr(res *workflow.Result) error {
	if res == nil || res.ExitCode == 0 {
		return nil
	}
	return &exitError{code: res.ExitCode}
}

func runCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run [id]",
		Short: "Run one task in the foreground",
		Long: `Run a task now. Without an id the oldest ready pending task is claimed.

A failed code task keeps its work: changes are committed to a WIP ref so
'gza resume' can continue from where the agent stopped. Interrupting with
Ctrl-C saves the work the same way and exits with status 130.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			a.backup(ctx)
			runner := a.newRunner()

			var (
				res *workflow.Result
				err error
			)
			if len(args) == 1 {
				id, perr := parseID(args[0])
				if perr != nil {
					return perr
				}
				res, err = runner.RunTask(ctx, id)
			} else {
				if err := runner.Preflight(ctx); err != nil {
					return err
				}
				res, err = runner.RunNext(ctx, "cli")
				if err == nil && res == nil {
					a.out.Println("No pending tasks ready to run")
					return nil
				}
			}
			if err != nil {
				return credentialsHint(err)
			}
			return resultErr(res)
		}),
	}
}

// credentialsHint adds a pointer to the login docs for credential failures
func credentialsHint(err error) error {
	if errors.Is(err, provider.ErrInvalidCredentials) {
		return fmt.Errorf("%w\nlog in to the agent CLI or set its API key in .env", err)
	}
	return err
}

type workFlags struct {
	workers int
	watch   bool
	count   int
	poll    time.Duration
	serve   string
}

func workCmd(gf *globalFlags) *cobra.Command {
	var f workFlags

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run pending tasks with a pool of workers",
		Long: `Claim and run pending tasks until the queue is empty.

Each worker runs one task at a time in its own worktree. With --watch the
workers keep polling for new tasks until interrupted. Reviews created by
completed implementations are queued and picked up by the pool.

--serve starts the status server alongside the workers; its event stream
shows the pool's claims and completions live.`,
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			if !cmd.Flags().Changed("workers") {
				f.workers = a.cfg.Workers
			}
			if !cmd.Flags().Changed("poll") {
				f.poll = a.cfg.PollInterval
			}
			return runWork(cmd.Context(), a, f)
		}),
	}
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 1, "Number of concurrent workers (default from gza.toml)")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "Keep polling for new tasks")
	cmd.Flags().IntVarP(&f.count, "count", "n", 0, "Stop after this many tasks (0 for no limit)")
	cmd.Flags().DurationVar(&f.poll, "poll", 2*time.Second, "Poll interval while the queue is empty")
	cmd.Flags().StringVar(&f.serve, "serve", "", "Also run the status server on this address")
	return cmd
}

func runWork(ctx context.Context, a *app, f workFlags) error {
	a.backup(ctx)
	if len(a.cfg.Webhooks) > 0 {
		d := webhooks.New(a.cfg.Webhooks, webhooks.WithLogger(a.logger), webhooks.WithMetrics(a.metrics))
		sub := a.bus.Subscribe(d.Filter())
		done := make(chan error, 1)
		// Deliveries of the final events finish even after an interrupt
		go func() { done <- d.Run(context.WithoutCancel(ctx), sub) }()
		defer func() {
			a.bus.Unsubscribe(sub)
			if err := <-done; err != nil {
				a.logger.Warn("webhook dispatcher", zap.Error(err))
			}
		}()
	}
	pool := workflow.NewPool(a.newRunner(), workflow.PoolOptions{
		Workers:      f.workers,
		Watch:        f.watch,
		PollInterval: f.poll,
		MaxTasks:     f.count,
	})

	poolCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(poolCtx)

	var summary workflow.Summary
	g.Go(func() error {
		// The status server stops with the pool
		defer stopServer()
		s, err := pool.Run(gctx)
		summary = s
		return credentialsHint(err)
	})
	if f.serve != "" {
		srv := a.dashboard()
		a.out.Info("Status server", "http://"+f.serve)
		g.Go(func() error { return srv.ListenAndServe(gctx, f.serve) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.out.Println("")
	a.out.Printf("Completed: %d  Failed: %d", summary.Completed, summary.Failed)
	if ctx.Err() != nil {
		return &exitError{code: provider.ExitInterrupted}
	}
	if summary.Failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}

// dashboard builds the status server over this process's store, bus and
// metrics
func (a *app) dashboard() *dashboard.Server {
	return dashboard.New(a.store, a.bus,
		dashboard.WithLogger(a.logger),
		dashboard.WithGatherer(a.registry),
		dashboard.WithVersion(version),
	)
}

func resumeCmd(gf *globalFlags) *cobra.Command {
	var queue bool

	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a failed task from where it stopped",
		Long: `Resume a failed code task. A new task is queued on the same branch, its
saved work is restored and the agent continues its previous session.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if queue {
				next, err := workflow.QueueResume(ctx, a.store, id)
				if err != nil {
					return err
				}
				a.out.Success(fmt.Sprintf("Queued task #%d to resume #%d", next.ID, id))
				return nil
			}
			a.backup(ctx)
			res, err := a.newRunner().Resume(ctx, id)
			if err != nil {
				return credentialsHint(err)
			}
			return resultErr(res)
		}),
	}
	cmd.Flags().BoolVar(&queue, "queue", false, "Queue the resumed task instead of running it now")
	return cmd
}

func retryCmd(gf *globalFlags) *cobra.Command {
	var run bool

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Queue a fresh attempt of a finished task",
		Long: `Retry a completed or failed task from scratch. The new task gets its own
branch; nothing from the earlier attempt is carried over except its settings.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			next, err := workflow.Retry(ctx, a.store, id)
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("Queued task #%d (retry of #%d)", next.ID, id))
			if !run {
				return nil
			}
			a.backup(ctx)
			res, err := a.newRunner().RunTask(ctx, next.ID)
			if err != nil {
				return credentialsHint(err)
			}
			return resultErr(res)
		}),
	}
	cmd.Flags().BoolVar(&run, "run", false, "Run the new task immediately")
	return cmd
}

func improveCmd(gf *globalFlags) *cobra.Command {
	var (
		review bool
		run    bool
	)

	cmd := &cobra.Command{
		Use:   "improve <implementation-id>",
		Short: "Address the latest review of an implementation",
		Long: `Queue an improve task for an implementation. It works on the
implementation's branch and is given the newest review to address.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(gf, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			next, err := workflow.Improve(ctx, a.store, id, review)
			if err != nil {
				return err
			}
			a.out.Success(fmt.Sprintf("Queued improve task #%d", next.ID))
			if next.DependsOn != nil {
				a.out.Info("Review", fmt.Sprintf("#%d", *next.DependsOn))
			}
			if !run {
				return nil
			}
			a.backup(ctx)
			res, err := a.newRunner().RunTask(ctx, next.ID)
			if err != nil {
				return credentialsHint(err)
			}
			a.logger.Debug("improve finished", zap.Int64("task", next.ID), zap.Int("exit_code", res.ExitCode))
			return resultErr(res)
		}),
	}
	cmd.Flags().BoolVar(&review, "review", false, "Queue another review when the improvement completes")
	cmd.Flags().BoolVar(&run, "run", false, "Run the new task immediately")
	return cmd
}
