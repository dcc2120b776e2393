package workflow_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/console"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/internal/workflow"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

const testPrompt = "Add a feature flag for the parser"

var testDay = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// fakeGH records review comments instead of calling gh
type fakeGH struct {
	mu        sync.Mutex
	available bool
	pr        int
	lookups   int
	comments  map[int][]string
}

func (f *fakeGH) Available(context.Context) bool { return f.available }

func (f *fakeGH) PRNumber(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.pr, nil
}

func (f *fakeGH) Comment(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.comments == nil {
		f.comments = make(map[int][]string)
	}
	f.comments[number] = append(f.comments[number], body)
	return nil
}

type harness struct {
	t        *testing.T
	dir      string
	cfg      *config.Config
	store    *db.Store
	runner   *workflow.Runner
	bus      *events.Bus
	metrics  *telemetry.Metrics
	gh       *fakeGH
	out      *bytes.Buffer
	script   string
	argsFile string
}

// newHarness creates a git project with one commit on main, a task store
// and a Runner whose claude binary is a shell script set with agent
func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Widgets\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".gza/\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")
	runGit(t, dir, "branch", "-M", "main")

	cfg := config.DefaultConfig(dir)
	cfg.ProjectName = "widgets"
	cfg.UseDocker = false
	cfg.WorktreeDir = t.TempDir()
	for _, m := range mutate {
		m(cfg)
	}

	store, err := db.Open(cfg.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bin := t.TempDir()
	h := &harness{
		t:        t,
		dir:      dir,
		cfg:      cfg,
		store:    store,
		bus:      events.NewBus(),
		metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
		gh:       &fakeGH{available: true, pr: 7},
		out:      &bytes.Buffer{},
		script:   filepath.Join(bin, "claude"),
		argsFile: filepath.Join(bin, "args"),
	}
	t.Cleanup(h.bus.Close)

	registry := provider.NewRegistry(
		provider.WithBinary(h.script),
		provider.WithHome(t.TempDir()),
		provider.WithGetenv(func(k string) string {
			if k == "ANTHROPIC_API_KEY" {
				return "sk-test"
			}
			return ""
		}),
	)
	h.runner = workflow.NewRunner(cfg, store, registry,
		workflow.WithConsole(console.New(h.out)),
		workflow.WithPRCommenter(h.gh),
		workflow.WithBus(h.bus),
		workflow.WithMetrics(h.metrics),
		workflow.WithClock(func() time.Time { return testDay }),
	)
	return h
}

// agent installs the mock agent. body runs in the worktree with $ARTIFACT
// set to the report or summary path found in the prompt.
func (h *harness) agent(body string) {
	h.t.Helper()
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then echo 'claude 1.0.0 (mock)'; exit 0; fi\n" +
		fmt.Sprintf("printf '%%s\\n' \"$@\" > %q\n", h.argsFile) +
		"PROMPT=$(cat)\n" +
		"ARTIFACT=$(printf '%s' \"$PROMPT\" | grep -o '/[^ ]*\\.gza/[a-z]*/[^ ]*\\.md' | head -1)\n" +
		body
	require.NoError(h.t, os.WriteFile(h.script, []byte(script), 0o755))
}

func (h *harness) add(prompt string, mutate ...func(*db.NewTask)) *types.Task {
	h.t.Helper()
	nt := db.NewTask{Prompt: prompt}
	for _, m := range mutate {
		m(&nt)
	}
	task, err := h.store.Add(context.Background(), nt)
	require.NoError(h.t, err)
	return task
}

func (h *harness) get(id int64) *types.Task {
	h.t.Helper()
	task, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) args() string {
	h.t.Helper()
	data, err := os.ReadFile(h.argsFile)
	require.NoError(h.t, err)
	return string(data)
}

// transcript is a claude stream-json run with one assistant turn
func transcript(text, resultSubtype string) string {
	return fmt.Sprintf(`cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-1"}
{"type":"assistant","message":{"id":"msg_1","usage":{"input_tokens":1000,"output_tokens":200},"content":[{"type":"text","text":%q}]}}
{"type":"result","subtype":%q,"num_turns":1,"session_id":"sess-1","total_cost_usd":0.0125}
EOF
`, text, resultSubtype)
}

const writeSummary = `printf '# Summary\n\nAdded the flag.\n' > "$ARTIFACT"
`

const writeReport = `printf 'Looks fine.\n\n**Verdict: APPROVED**\n' > "$ARTIFACT"
`

// codeOrReview changes a file and writes a summary for code tasks, and
// writes an approving report for reviews
var codeOrReview = `case "$ARTIFACT" in
*/reviews/*) ` + writeReport + `;;
*) echo "flag = true" > feature.txt
` + writeSummary + `;;
esac
` + transcript("All done", "success")

func TestRunTask_CodeTaskSuccess(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	task := h.add(testPrompt)
	sub := h.bus.Subscribe(events.Filter{Types: []events.Type{events.TaskCompleted}})

	res, err := h.runner.RunTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Nil(t, res.Review)

	slug := "20260301-add-a-feature-flag-for-the-parser"
	branch := "widgets/" + slug
	got := h.get(task.ID)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, slug, got.Slug())
	assert.Equal(t, branch, got.BranchName())
	require.NotNil(t, got.HasCommits)
	assert.True(t, *got.HasCommits)
	assert.Equal(t, types.MergeStatusUnmerged, got.MergeStatus)
	assert.Equal(t, "sess-1", *got.SessionID)
	assert.Equal(t, filepath.Join(".gza", "logs", slug+".log"), *got.LogFile)
	require.NotNil(t, got.OutputContent)
	assert.Contains(t, *got.OutputContent, "Added the flag.")
	assert.Equal(t, 1, *got.Stats.NumTurnsComputed)
	assert.Equal(t, 1, *got.Stats.NumTurnsReported)
	require.NotNil(t, got.Diff)
	assert.Equal(t, types.DiffStats{FilesChanged: 1, LinesAdded: 1}, *got.Diff)

	summary, err := os.ReadFile(filepath.Join(h.dir, ".gza", "summaries", slug+".md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Added the flag.")

	assert.Equal(t, "Gza: "+testPrompt, runGit(t, h.dir, "log", "-1", "--format=%s", branch))
	assert.Equal(t, "feature.txt", runGit(t, h.dir, "diff", "--name-only", "main..."+branch),
		"the summary is copied out, never committed")
	assert.Contains(t, runGit(t, h.dir, "log", "-1", "--format=%b", branch), "Task ID: "+slug)

	assert.Contains(t, h.args(), "--max-turns\n50")
	out := h.out.String()
	assert.Contains(t, out, "=== Task: "+testPrompt+" ===")
	assert.Contains(t, out, "=== Done ===")
	assert.Contains(t, out, fmt.Sprintf("gza merge %d", task.ID))

	select {
	case e := <-sub:
		assert.Equal(t, task.ID, e.Task)
		assert.Equal(t, slug, e.TaskID)
	default:
		t.Fatal("no completion event published")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TasksFinished.WithLabelValues("task", "completed", "")))
}

func TestRunTask_NoChanges(t *testing.T) {
	h := newHarness(t)
	h.agent(writeSummary + transcript("Nothing to do", "success"))
	task := h.add(testPrompt)

	res, err := h.runner.RunTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, workflow.ErrNoChanges)
	assert.Equal(t, types.FailureNoChanges, res.Reason)
	assert.Equal(t, 1, res.ExitCode)

	got := h.get(task.ID)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Equal(t, types.FailureNoChanges, *got.FailureReason)
}

func TestRunTask_FailureSavesWIPAndResumes(t *testing.T) {
	h := newHarness(t)
	h.agent(`echo "flag = true" > feature.txt
` + transcript("Tests fail. [GZA_FAILURE:TEST_FAILURE]", "success") + "exit 1\n")
	failed := h.add(testPrompt, func(nt *db.NewTask) { nt.Group = types.Ptr("parser") })
	ctx := context.Background()

	res, err := h.runner.RunTask(ctx, failed.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, workflow.ErrProviderProcess)
	assert.Equal(t, types.FailureTestFailure, res.Reason)

	slug := "20260301-add-a-feature-flag-for-the-parser"
	branch := "widgets/" + slug
	got := h.get(failed.ID)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Equal(t, types.FailureTestFailure, *got.FailureReason)
	assert.Equal(t, "sess-1", *got.SessionID)
	assert.Equal(t, branch, got.BranchName())
	assert.True(t, strings.HasPrefix(runGit(t, h.dir, "log", "-1", "--format=%s", branch), "WIP:"))
	assert.FileExists(t, filepath.Join(h.dir, ".gza", "wip", slug+".diff"))
	assert.Contains(t, h.out.String(), fmt.Sprintf("gza resume %d", failed.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WIPSaves))

	h.agent(`echo "docs" > NOTES.txt
` + transcript("Fixed", "success"))
	res, err = h.runner.Resume(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "%v", res.Err)

	next := res.Task
	assert.NotEqual(t, failed.ID, next.ID)
	assert.Equal(t, failed.ID, *next.BasedOn)
	assert.Equal(t, "parser", *next.Group)
	assert.Equal(t, slug+"-2", next.Slug())
	assert.Equal(t, branch, next.BranchName())
	assert.Contains(t, h.args(), "--resume\nsess-1")

	assert.Equal(t, types.TaskStatusFailed, h.get(failed.ID).Status, "terminal tasks are never reopened")
	assert.Equal(t, "Gza: "+testPrompt, runGit(t, h.dir, "log", "--format=%s", "main.."+branch),
		"WIP commits are squashed into one")
	assert.Equal(t, "NOTES.txt\nfeature.txt", runGit(t, h.dir, "diff", "--name-only", "main..."+branch))
}

func TestRunTask_BudgetExceeded(t *testing.T) {
	h := newHarness(t)
	h.agent(`echo "half done" > feature.txt
` + transcript("Ran out of turns", "error_max_turns"))
	task := h.add(testPrompt)

	res, err := h.runner.RunTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, workflow.ErrBudgetExceeded)
	assert.Equal(t, types.FailureMaxSteps, res.Reason)
	assert.Equal(t, types.FailureMaxSteps, *h.get(task.ID).FailureReason)
}

func TestRunTask_Timeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Timeout = 300 * time.Millisecond })
	h.agent("exec sleep 5\n")
	task := h.add(testPrompt)

	res, err := h.runner.RunTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, workflow.ErrProviderTimeout)
	assert.Equal(t, types.FailureUnknown, res.Reason)
	assert.Equal(t, types.TaskStatusFailed, h.get(task.ID).Status)
}

func TestRunTask_Interrupted(t *testing.T) {
	h := newHarness(t)
	h.agent(`echo "partial" > feature.txt
exec sleep 5
`)
	task := h.add(testPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(500*time.Millisecond, cancel)
	defer timer.Stop()

	res, err := h.runner.RunTask(ctx, task.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, workflow.ErrInterrupted)
	assert.Equal(t, provider.ExitInterrupted, res.ExitCode)

	got := h.get(task.ID)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(runGit(t, h.dir, "log", "-1", "--format=%s", got.BranchName()), "WIP:"),
		"interrupted work is saved on the branch")
}

func TestRunTask_ReviewPostsToPullRequest(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	ctx := context.Background()

	impl := h.add(testPrompt, func(nt *db.NewTask) { nt.Type = types.TaskTypeImplement })
	res, err := h.runner.RunTask(ctx, impl.ID)
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "%v", res.Err)

	review := h.add("Review the parser flag change", func(nt *db.NewTask) {
		nt.Type = types.TaskTypeReview
		nt.DependsOn = &impl.ID
	})
	res, err = h.runner.RunTask(ctx, review.ID)
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "%v", res.Err)

	got := h.get(review.ID)
	slug := got.Slug()
	assert.Equal(t, filepath.Join(".gza", "reviews", slug+".md"), *got.ReportFile)
	assert.Contains(t, *got.OutputContent, "**Verdict: APPROVED**")
	assert.Nil(t, got.Branch)
	require.NotNil(t, got.HasCommits)
	assert.False(t, *got.HasCommits)
	assert.FileExists(t, filepath.Join(h.dir, ".gza", "reviews", slug+".md"))

	require.Len(t, h.gh.comments[7], 1)
	assert.Contains(t, h.gh.comments[7][0], fmt.Sprintf("**Review Task**: #%d", review.ID))
	assert.Contains(t, h.gh.comments[7][0], "Looks fine.")
	assert.Equal(t, 7, *h.get(impl.ID).PRNumber, "the PR number is cached on the implementation")

	out := h.out.String()
	assert.Contains(t, out, "=== Review Complete ===")
	assert.Contains(t, out, "Verdict: APPROVED")
	assert.Contains(t, out, fmt.Sprintf("gza improve %d", impl.ID))
}

func TestRunTask_CreateReviewRunsInline(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	task := h.add(testPrompt, func(nt *db.NewTask) {
		nt.Type = types.TaskTypeImplement
		nt.CreateReview = true
		nt.Group = types.Ptr("parser")
	})

	res, err := h.runner.RunTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "%v", res.Err)
	require.NotNil(t, res.Review)
	require.True(t, res.Review.Succeeded(), "%v", res.Review.Err)

	review := res.Review.Task
	assert.Equal(t, types.TaskTypeReview, review.Type)
	assert.Equal(t, "review add-a-feature-flag-for-the-parser", review.Prompt)
	assert.Equal(t, task.ID, *review.DependsOn)
	assert.Equal(t, "parser", *review.Group)
	assert.Equal(t, types.TaskStatusCompleted, review.Status)
}

func TestRunTask_NotRunnable(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	ctx := context.Background()

	dep := h.add("Prepare the parser module")
	blocked := h.add("Use the parser module", func(nt *db.NewTask) { nt.DependsOn = &dep.ID })
	_, err := h.runner.RunTask(ctx, blocked.ID)
	assert.ErrorIs(t, err, workflow.ErrBlocked)
	assert.Equal(t, types.TaskStatusPending, h.get(blocked.ID).Status)

	_, err = h.store.MarkInProgress(ctx, dep.ID)
	require.NoError(t, err)
	_, err = h.runner.RunTask(ctx, dep.ID)
	assert.ErrorIs(t, err, workflow.ErrNotRunnable)

	_, err = h.runner.RunTask(ctx, 999)
	assert.ErrorIs(t, err, db.ErrTaskNotFound)
}

func TestRunTask_MissingCredentials(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	task := h.add(testPrompt, func(nt *db.NewTask) { nt.Provider = types.Ptr("gemini") })

	_, err := h.runner.RunTask(context.Background(), task.ID)
	assert.ErrorIs(t, err, provider.ErrInvalidCredentials)

	got := h.get(task.ID)
	assert.Equal(t, types.TaskStatusPending, got.Status, "no state change before the run starts")
	assert.Nil(t, got.TaskID)
}

func TestRunNext_MissingCredentialsLeavesQueueUntouched(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	task := h.add(testPrompt, func(nt *db.NewTask) { nt.Provider = types.Ptr("gemini") })

	res, err := h.runner.RunNext(context.Background(), "worker-0")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.ErrorIs(t, err, provider.ErrInvalidCredentials)

	got := h.get(task.ID)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.TaskID)
}

func TestRunTask_SameBranchWithoutSource(t *testing.T) {
	h := newHarness(t)
	h.agent(codeOrReview)
	task := h.add(testPrompt, func(nt *db.NewTask) { nt.SameBranch = true })

	_, err := h.runner.RunTask(context.Background(), task.ID)
	assert.ErrorIs(t, err, workflow.ErrNoSourceBranch)
	assert.Equal(t, types.TaskStatusPending, h.get(task.ID).Status)
}
