// Package workflow runs tasks: it prepares a worktree, drives the agent,
// classifies the result and records it in the task store
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/console"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/internal/git"
	"github.com/cloud-shuttle/gza/internal/github"
	"github.com/cloud-shuttle/gza/internal/logging"
	"github.com/cloud-shuttle/gza/internal/prompt"
	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

var (
	// ErrProviderTimeout means the agent hit its wall-clock limit
	ErrProviderTimeout = errors.New("agent timed out")
	// ErrBudgetExceeded means the agent used up its step budget
	ErrBudgetExceeded = errors.New("agent exceeded its step budget")
	// ErrProviderProcess means the agent exited nonzero
	ErrProviderProcess = errors.New("agent exited with an error")
	// ErrNoChanges means a code task finished without changing anything
	ErrNoChanges = errors.New("task produced no changes")
	// ErrInterrupted means the run was cancelled by the operator
	ErrInterrupted = errors.New("task interrupted")
	// ErrNotRunnable means the task is not pending
	ErrNotRunnable = errors.New("task is not runnable")
	// ErrBlocked means a dependency has not completed
	ErrBlocked = errors.New("task is blocked by a dependency")
	// ErrNoSourceBranch means a same-branch task has nothing to build on
	ErrNoSourceBranch = errors.New("no source branch to continue")
	// ErrNoSession means a resume was asked for a task without an agent session
	ErrNoSession = errors.New("task has no session to resume")
)

// PRCommenter posts review results to the pull request of a branch
type PRCommenter interface {
	Available(ctx context.Context) bool
	PRNumber(ctx context.Context, branch string) (int, error)
	Comment(ctx context.Context, number int, body string) error
}

// Result is what one run of a task ended with
type Result struct {
	// Task is the task as stored after its terminal transition
	Task *types.Task
	// Err is nil on success, otherwise one of the classification errors
	Err error
	// Reason is the failure reason recorded with a failed task
	Reason types.FailureReason
	// ExitCode is 0 on success, 130 when interrupted and 1 otherwise
	ExitCode int
	// Review is the automatically created review, when it ran inline
	Review *Result
}

// Succeeded reports whether the task completed
func (r *Result) Succeeded() bool {
	return r != nil && r.Err == nil
}

// Runner executes tasks one at a time. A single Runner may be shared by
// several workers.
type Runner struct {
	cfg       *config.Config
	store     *db.Store
	registry  *provider.Registry
	wm        *git.WorktreeManager
	assembler *prompt.Assembler
	gh        PRCommenter
	out       *console.Writer
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	bus       *events.Bus
	now       func() time.Time

	// Serializes slug allocation so concurrent workers never pick the same one
	slugMu sync.Mutex

	verifyMu sync.Mutex
	verified map[string]bool
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithConsole sets where operator output goes
func WithConsole(w *console.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithMetrics records task metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithBus publishes lifecycle events
func WithBus(b *events.Bus) Option {
	return func(r *Runner) { r.bus = b }
}

// WithPRCommenter overrides the gh CLI used to post reviews
func WithPRCommenter(c PRCommenter) Option {
	return func(r *Runner) { r.gh = c }
}

// WithClock overrides the time source used for slugs
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner for the project described by cfg
func NewRunner(cfg *config.Config, store *db.Store, registry *provider.Registry, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		store:    store,
		registry: registry,
		out:      console.Discard(),
		logger:   zap.NewNop(),
		now:      time.Now,
		verified: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	repo := git.NewRepo(cfg.ProjectDir, r.logger)
	r.wm = git.NewWorktreeManager(repo, cfg.WorktreePath(), r.logger)
	r.assembler = prompt.NewAssembler(store, repo, cfg.ProjectDir,
		prompt.WithLogger(r.logger), prompt.WithMetrics(r.metrics))
	if r.gh == nil {
		r.gh = github.New(cfg.ProjectDir, github.WithLogger(r.logger))
	}
	return r
}

// Worktrees returns the worktree manager
func (r *Runner) Worktrees() *git.WorktreeManager {
	return r.wm
}

// runOptions carries how a run was started
type runOptions struct {
	// claimed is set when the task was moved to in_progress by a claim
	claimed bool
	resume  bool
	// wipIDs lists slugs whose WIP backups may hold work to restore
	wipIDs   []string
	workerID string
}

// attempt is the state of one run of one task
type attempt struct {
	task     *types.Task
	slug     string
	provider provider.Provider
	eff      config.Effective
	opts     runOptions
	log      *zap.Logger
	logFile  string
	wt       *git.Worktree
	started  time.Time

	// open is set while the task is in_progress and owned by this attempt
	open bool
}

// RunNext claims the oldest ready task and runs it. It returns (nil, nil)
// when nothing is ready.
func (r *Runner) RunNext(ctx context.Context, workerID string) (*Result, error) {
	next, err := r.store.NextPending(ctx)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	// A task whose provider cannot run stays pending
	if _, err := r.providerFor(ctx, next); err != nil {
		return nil, err
	}

	claimCtx, span := telemetry.StartWorkerSpan(ctx, telemetry.SpanTaskClaim, workerID)
	task, err := r.store.ClaimNextPending(claimCtx)
	telemetry.EndWithError(span, err, telemetry.ErrorCategoryDatabase)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	if r.metrics != nil {
		r.metrics.TasksClaimed.Inc()
	}
	r.publish(ctx, events.TaskClaimed, task, workerID, nil)
	return r.execute(ctx, task, runOptions{claimed: true, workerID: workerID})
}

// RunTask runs one specific pending task in the foreground
func (r *Runner) RunTask(ctx context.Context, id int64) (*Result, error) {
	task, err := r.runnable(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, task, runOptions{})
}

// runnable loads a task and checks that it is pending and unblocked
func (r *Runner) runnable(ctx context.Context, id int64) (*types.Task, error) {
	task, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusPending {
		return nil, fmt.Errorf("%w: task %d is %s", ErrNotRunnable, id, task.Status)
	}
	blocked, dep, depStatus, err := r.store.IsBlocked(ctx, task)
	if err != nil {
		return nil, err
	}
	if blocked {
		var depID int64
		if dep != nil {
			depID = *dep
		}
		return nil, fmt.Errorf("%w: task %d waits on task %d (%s)", ErrBlocked, id, depID, depStatus)
	}
	return task, nil
}

// execute drives one task from credential checks to its terminal state.
// Anything that stops the run after the task went in_progress leaves it
// failed, never in_progress.
func (r *Runner) execute(ctx context.Context, task *types.Task, opts runOptions) (res *Result, err error) {
	if isResumeSuccessor(task) {
		opts.resume = true
	}
	a := &attempt{
		task: task,
		eff:  r.cfg.EffectiveFor(task),
		opts: opts,
		log:  r.logger.With(zap.Int64("task", task.ID)),
		open: opts.claimed,
	}
	defer func() {
		if !a.open {
			return
		}
		// Safety net: nothing recorded a terminal state
		a.log.Error("run aborted, marking task failed", zap.Error(err))
		if _, ferr := r.markFailed(context.WithoutCancel(ctx), a, nil, types.FailureUnknown); ferr != nil {
			a.log.Error("could not mark task failed", zap.Error(ferr))
		}
	}()

	if a.provider, err = r.providerFor(ctx, task); err != nil {
		if a.open {
			r.release(ctx, a)
		}
		return nil, err
	}
	if err = r.assignSlug(ctx, task); err != nil {
		return nil, err
	}
	a.slug = *task.TaskID
	if a.opts.resume {
		a.opts.wipIDs = r.wipSources(ctx, task)
	}
	a.log = logging.ForTask(r.logger, task.ID, a.slug)
	a.logFile = filepath.Join(r.cfg.LogPath(), a.slug+".log")

	repo := r.wm.Repo()
	if ferr := repo.Fetch(ctx, "origin", repo.DefaultBranch(ctx)); ferr != nil {
		a.log.Debug("fetch skipped", zap.Error(ferr))
	}

	r.out.TaskHeader(task.Prompt, a.slug, task.Type)

	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskRun, telemetry.TaskAttrs(task)...)
	span.SetAttributes(
		attribute.String(telemetry.KeyProvider, a.eff.Provider),
		attribute.String(telemetry.KeyModel, a.eff.Model),
		attribute.Bool(telemetry.KeyResume, opts.resume),
	)
	if opts.workerID != "" {
		span.SetAttributes(attribute.String(telemetry.KeyWorkerID, opts.workerID))
	}
	defer func() {
		spanErr := err
		if spanErr == nil && res != nil {
			spanErr = res.Err
		}
		telemetry.EndWithError(span, spanErr, errorCategory(spanErr))
	}()

	if r.metrics != nil {
		r.metrics.TasksInFlight.Inc()
		defer r.metrics.TasksInFlight.Dec()
	}
	a.started = time.Now()

	if task.Type.ProducesCode() {
		return r.runCode(ctx, a)
	}
	return r.runReport(ctx, a)
}

// providerFor resolves the provider a task runs with and checks its
// credentials. Failures wrap config.ErrConfiguration.
func (r *Runner) providerFor(ctx context.Context, task *types.Task) (provider.Provider, error) {
	name := r.cfg.EffectiveFor(task).Provider
	p, err := r.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	if err := r.verify(ctx, p); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	return p, nil
}

// release hands a claimed task back to the queue before anything ran
func (r *Runner) release(ctx context.Context, a *attempt) {
	if err := r.store.ReleaseClaim(context.WithoutCancel(ctx), a.task.ID); err != nil {
		a.log.Error("could not release claim", zap.Error(err))
		return
	}
	a.open = false
	a.log.Info("claim released")
}

// verify checks a provider's credentials, running the live verification at
// most once per provider for the Runner's lifetime
func (r *Runner) verify(ctx context.Context, p provider.Provider) error {
	if !p.CheckCredentials() {
		return fmt.Errorf("%w for %s: %s", provider.ErrInvalidCredentials, p.Name(), p.CredentialHint())
	}
	if !r.cfg.VerifyCreds {
		return nil
	}

	r.verifyMu.Lock()
	defer r.verifyMu.Unlock()
	if r.verified[p.Name()] {
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanProviderVerify, attribute.String(telemetry.KeyProvider, p.Name()))
	err := p.VerifyCredentials(ctx, r.cfg.DockerOptions())
	telemetry.EndWithError(span, err, telemetry.ErrorCategoryProvider)
	if err != nil {
		return fmt.Errorf("verifying %s credentials: %w", p.Name(), err)
	}
	r.verified[p.Name()] = true
	return nil
}

// assignSlug gives a task its `YYYYMMDD-slug` id on first run
func (r *Runner) assignSlug(ctx context.Context, task *types.Task) error {
	if task.TaskID != nil && *task.TaskID != "" {
		return nil
	}
	r.slugMu.Lock()
	defer r.slugMu.Unlock()

	slug, err := generateTaskID(ctx, task.Prompt, r.now(), r.slugInUse)
	if err != nil {
		return fmt.Errorf("generating task id: %w", err)
	}
	if err := r.store.SetTaskID(ctx, task.ID, slug); err != nil {
		return err
	}
	task.TaskID = &slug
	return nil
}

// begin moves the task to in_progress unless a claim already did, and
// records its worktree
func (r *Runner) begin(ctx context.Context, a *attempt) error {
	if !a.opts.claimed {
		t, err := r.store.MarkInProgress(ctx, a.task.ID)
		if err != nil {
			return err
		}
		// MarkInProgress reloads the row; keep what this attempt already knows
		t.TaskID = a.task.TaskID
		a.task = t
		a.open = true
	}
	if a.wt != nil {
		if err := r.store.RecordWorktree(ctx, a.slug, a.wt.Path, a.wt.Branch); err != nil {
			a.log.Warn("could not record worktree", zap.Error(err))
		}
	}
	data := map[string]any{"provider": a.eff.Provider, "model": a.eff.Model}
	if a.wt != nil && a.wt.Branch != "" {
		data["branch"] = a.wt.Branch
	}
	r.publish(ctx, events.TaskStarted, a.task, a.opts.workerID, data)
	a.log.Info("task started",
		zap.String("type", string(a.task.Type)),
		zap.String("provider", a.eff.Provider),
		zap.String("model", a.eff.Model),
		zap.Int("max_steps", a.eff.MaxSteps),
		zap.Bool("resume", a.opts.resume),
	)
	return nil
}

// invoke runs the agent for the attempt
func (r *Runner) invoke(ctx context.Context, a *attempt, text string) (*provider.RunResult, error) {
	req := provider.RunRequest{
		Prompt:   text,
		LogFile:  a.logFile,
		WorkDir:  a.wt.Path,
		Model:    a.eff.Model,
		MaxSteps: a.eff.MaxSteps,
		Timeout:  r.cfg.Timeout,
		Args:     r.cfg.ProviderArgs(a.eff.Provider),
		Docker:   r.cfg.DockerOptions(),
		OnEvent:  r.out.Event,
		TaskID:   a.slug,
	}
	if a.opts.resume && a.task.SessionID != nil {
		req.ResumeSessionID = *a.task.SessionID
	}
	r.out.Info("Log", r.relative(a.logFile))
	run, err := a.provider.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", a.provider.Name(), err)
	}
	return run, nil
}

// classify maps a run onto the failure precedence: step budget, operator
// interrupt, timeout, then any other nonzero exit
func classify(ctx context.Context, run *provider.RunResult) error {
	switch {
	case run.ErrorType == provider.ErrorMaxSteps:
		return ErrBudgetExceeded
	case ctx.Err() != nil:
		return ErrInterrupted
	case run.ErrorType == provider.ErrorTimeout || run.ExitCode == provider.ExitTimeout:
		return ErrProviderTimeout
	case run.ExitCode != 0:
		return fmt.Errorf("%w (exit %d)", ErrProviderProcess, run.ExitCode)
	}
	return nil
}

// failureReason picks the reason recorded for a failed run: the agent's
// own last marker, else the fallback for the failure's kind
func failureReason(cause error, logFile string) types.FailureReason {
	reason := prompt.FailureReasonFromLog(logFile)
	if reason != types.FailureUnknown {
		return reason
	}
	switch {
	case errors.Is(cause, ErrBudgetExceeded):
		return types.FailureMaxSteps
	case errors.Is(cause, ErrNoChanges):
		return types.FailureNoChanges
	}
	return types.FailureUnknown
}

func errorCategory(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderTimeout):
		return telemetry.ErrorCategoryTimeout
	case errors.Is(err, ErrBudgetExceeded):
		return telemetry.ErrorCategoryBudget
	case errors.Is(err, ErrProviderProcess), errors.Is(err, provider.ErrCLINotFound),
		errors.Is(err, provider.ErrInvalidCredentials):
		return telemetry.ErrorCategoryProvider
	case errors.Is(err, git.ErrBranchMissing), errors.Is(err, ErrNoSourceBranch):
		return telemetry.ErrorCategoryWorktree
	}
	return telemetry.ErrorCategoryUnknown
}

// outcome fills the fields every terminal transition records
func (r *Runner) outcome(a *attempt, run *provider.RunResult) db.Outcome {
	var out db.Outcome
	if a.logFile != "" {
		out.LogFile = types.Ptr(r.relative(a.logFile))
	}
	if a.wt != nil && a.wt.Branch != "" {
		out.Branch = types.Ptr(a.wt.Branch)
	}
	if run != nil {
		out.Stats = run.Stats()
		if run.SessionID != "" {
			out.SessionID = types.Ptr(run.SessionID)
		}
	}
	return out
}

// markFailed records a failed run and returns the stored task
func (r *Runner) markFailed(ctx context.Context, a *attempt, run *provider.RunResult, reason types.FailureReason) (*types.Task, error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskFail, telemetry.TaskAttrs(a.task)...)
	span.SetAttributes(attribute.String(telemetry.KeyFailureReason, string(reason)))
	defer span.End()

	err := r.store.MarkFailed(ctx, a.task.ID, reason, r.outcome(a, run))
	a.open = false
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryDatabase)
		return nil, err
	}
	r.observe(a, types.TaskStatusFailed, string(reason))
	t, err := r.store.Get(ctx, a.task.ID)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.TaskFailed, t, a.opts.workerID, map[string]any{"reason": string(reason)})
	return t, nil
}

// fail records a classified failure and reports it to the operator
func (r *Runner) fail(ctx context.Context, a *attempt, run *provider.RunResult, cause error) (*Result, error) {
	// The terminal write must land even when the run was interrupted
	ctx = context.WithoutCancel(ctx)
	reason := failureReason(cause, a.logFile)
	t, err := r.markFailed(ctx, a, run, reason)
	if err != nil {
		return nil, err
	}
	a.log.Warn("task failed", zap.Error(cause), zap.String("reason", string(reason)))

	res := &Result{Task: t, Err: cause, Reason: reason, ExitCode: 1}
	if errors.Is(cause, ErrInterrupted) {
		res.ExitCode = provider.ExitInterrupted
	}

	r.out.Error(fmt.Sprintf("=== %s Failed: %v ===", t.Type.DisplayName(), cause))
	if run != nil {
		r.out.Stats(run.Stats(), nil)
	}
	r.out.Info("Reason", string(reason))
	steps := []console.Step{{Command: fmt.Sprintf("gza retry %d", t.ID), Comment: "start over from scratch"}}
	if t.SessionID != nil && t.Type.ProducesCode() {
		steps = append(steps, console.Step{Command: fmt.Sprintf("gza resume %d", t.ID), Comment: "continue the agent session"})
	}
	r.out.NextSteps(steps...)
	return res, nil
}

// complete records a successful run and returns the stored task
func (r *Runner) complete(ctx context.Context, a *attempt, out db.Outcome) (*types.Task, error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskComplete, telemetry.TaskAttrs(a.task)...)
	defer span.End()

	err := r.store.MarkCompleted(ctx, a.task.ID, out)
	a.open = false
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryDatabase)
		return nil, err
	}
	r.observe(a, types.TaskStatusCompleted, "")
	t, err := r.store.Get(ctx, a.task.ID)
	if err != nil {
		return nil, err
	}
	a.log.Info("task completed", zap.Float64("duration_s", time.Since(a.started).Seconds()))
	r.publish(ctx, events.TaskCompleted, t, a.opts.workerID, nil)
	return t, nil
}

func (r *Runner) observe(a *attempt, status types.TaskStatus, reason string) {
	r.metrics.ObserveTask(string(a.task.Type), string(status), reason, time.Since(a.started))
}

func (r *Runner) publish(ctx context.Context, typ events.Type, t *types.Task, workerID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	e := events.ForTask(typ, t, data)
	e.Worker = workerID
	r.emit(ctx, e)
}

func (r *Runner) emit(ctx context.Context, e *events.Event) {
	if err := r.bus.Publish(ctx, e); err != nil && !errors.Is(err, events.ErrClosed) {
		r.logger.Debug("could not publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

// relative expresses path relative to the project when it lies inside it
func (r *Runner) relative(path string) string {
	rel, err := filepath.Rel(r.cfg.ProjectDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
