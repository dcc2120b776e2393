package prompt_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/internal/prompt"
	"github.com/cloud-shuttle/gza/pkg/types"
)

func TestBuild_CodeTask(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "specs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "specs", "cache.md"), []byte("LRU, 100 entries."), 0o644))
	a := prompt.NewAssembler(taskMap{}, nil, dir)

	task := &types.Task{ID: 1, Type: types.TaskTypeTask, Prompt: "Add a cache to the resolver", Spec: types.Ptr("specs/cache.md")}
	got, err := a.Build(context.Background(), task, prompt.Paths{Summary: ".gza/summaries/x.md"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "Complete this task: Add a cache to the resolver\n\n## Specification"))
	assert.Contains(t, got, "(specs/cache.md)")
	assert.Contains(t, got, "LRU, 100 entries.")
	assert.Contains(t, got, "write a short markdown summary of what you changed and why to: .gza/summaries/x.md")
	assert.Contains(t, got, "[GZA_FAILURE:REASON]")
	assert.Contains(t, got, "TEST_FAILURE")
	assert.NotContains(t, got, "<no value>")

	got, err = a.Build(context.Background(), task, prompt.Paths{})
	require.NoError(t, err)
	assert.Contains(t, got, "report what you accomplished")
}

func TestBuild_ReportTasks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, prompt.ReviewGuidelinesFile), []byte("Check error wrapping."), 0o644))
	a := prompt.NewAssembler(taskMap{}, nil, dir)

	tests := []struct {
		typ  types.TaskType
		want []string
	}{
		{types.TaskTypeExplore, []string{"Explore the codebase", "findings as markdown to: /workspace/r.md"}},
		{types.TaskTypePlan, []string{"Produce an implementation plan", "/workspace/r.md"}},
		{types.TaskTypeReview, []string{"## Review Guidelines\n\nCheck error wrapping.", "**Verdict: APPROVED**"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			task := &types.Task{ID: 2, Type: tt.typ, Prompt: "Look into the flaky login test"}
			got, err := a.Build(context.Background(), task, prompt.Paths{Report: "/workspace/r.md"})
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
			if tt.typ != types.TaskTypeReview {
				assert.NotContains(t, got, "Review Guidelines")
			}
		})
	}
}

func TestBuild_ImplementIncludesPlan(t *testing.T) {
	tasks := taskMap{}
	tasks.add(&types.Task{ID: 1, Type: types.TaskTypePlan, OutputContent: types.Ptr("Step 1: refactor")})
	impl := tasks.add(&types.Task{ID: 2, Type: types.TaskTypeImplement, Prompt: "Implement the plan", BasedOn: types.Ptr(int64(1))})

	got, err := prompt.NewAssembler(tasks, nil, t.TempDir()).Build(context.Background(), impl, prompt.Paths{})
	require.NoError(t, err)
	assert.Contains(t, got, "Complete this task: Implement the plan\n\n## Plan to implement:\n\nStep 1: refactor")
}

func TestPromptHelpers(t *testing.T) {
	assert.Contains(t, prompt.ResumePrompt(), "todo list")
	assert.Equal(t, "Improve implementation based on review #12", prompt.ImproveTaskPrompt(12))

	p := prompt.ReviewTaskPrompt(7, strings.Repeat("x", 150))
	assert.True(t, strings.HasPrefix(p, "Review the implementation from task #7: "+strings.Repeat("x", 100)+"."))
}

func TestFailureReasonFrom(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    types.FailureReason
	}{
		{"none", "all good", types.FailureUnknown},
		{"single", "tests broke\n[GZA_FAILURE:TEST_FAILURE]\n", types.FailureTestFailure},
		{"last valid wins", "[GZA_FAILURE:TEST_FAILURE] then [GZA_FAILURE:MAX_TURNS]", types.FailureMaxTurns},
		{"unknown skipped", "[GZA_FAILURE:TIMEOUT] [GZA_FAILURE:BORED]", types.FailureTimeout},
		{"only unknown", "[GZA_FAILURE:BORED]", types.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, prompt.FailureReasonFrom(tt.content))
		})
	}
}

func TestFailureReasonFromLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	assert.Equal(t, types.FailureUnknown, prompt.FailureReasonFromLog(path))

	require.NoError(t, os.WriteFile(path, []byte(`{"type":"assistant","text":"[GZA_FAILURE:NO_CHANGES]"}`+"\n"), 0o644))
	assert.Equal(t, types.FailureNoChanges, prompt.FailureReasonFromLog(path))
}

func TestReviewVerdict(t *testing.T) {
	assert.Equal(t, prompt.VerdictApproved, prompt.ReviewVerdict("Looks fine.\n\n**Verdict: APPROVED**"))
	assert.Equal(t, prompt.VerdictChangesRequested, prompt.ReviewVerdict("verdict: changes_requested"))
	assert.Equal(t, prompt.VerdictNeedsDiscussion, prompt.ReviewVerdict("## Verdict:   NEEDS_DISCUSSION"))
	assert.Equal(t, prompt.Verdict(""), prompt.ReviewVerdict("No verdict here"))
}
