package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := writeConfig(t, `project_name = "widgets"`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "widgets", cfg.ProjectName)
	assert.Equal(t, "claude", cfg.Provider)
	assert.Equal(t, DefaultMaxSteps, cfg.MaxSteps)
	assert.Equal(t, 10*time.Minute, cfg.Timeout)
	assert.Equal(t, BranchModeMulti, cfg.BranchMode)
	assert.True(t, cfg.UseDocker)
	assert.Equal(t, "widgets-gza", cfg.DockerImage)
	assert.Equal(t, filepath.Join(DefaultWorktreeDir, "widgets"), cfg.WorktreePath())
	assert.Equal(t, filepath.Join(dir, ".gza", "gza.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(dir, ".gza", "logs"), cfg.LogPath())
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_File(t *testing.T) {
	dir := writeConfig(t, `
project_name = "widgets"
provider = "codex"
model = "gpt-5.2-codex"
timeout = "25m"
branch_mode = "single"
use_docker = false
docker_volumes = ["/data:/data:ro"]
branch_strategy = "conventional"
mystery = 1

[task_types.review]
max_steps = 20

[[webhooks]]
url = "https://hooks.example.com/gza"
secret = "s3cret"
events = ["task.failed"]
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.Provider)
	assert.Equal(t, 25*time.Minute, cfg.Timeout)
	assert.Equal(t, BranchModeSingle, cfg.BranchMode)
	assert.Nil(t, cfg.DockerOptions())
	assert.Equal(t, Presets["conventional"], cfg.BranchStrategy)
	assert.Equal(t, 20, cfg.MaxStepsFor(types.TaskTypeReview, "codex"))
	assert.Equal(t, "widgets/gza-work", cfg.SingleBranch())
	assert.Contains(t, cfg.Warnings, `unknown configuration key "mystery"`)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"task.failed"}, cfg.Webhooks[0].Events)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing project name", `provider = "claude"`},
		{"unknown provider", "project_name = \"w\"\nprovider = \"copilot\""},
		{"bad branch mode", "project_name = \"w\"\nbranch_mode = \"many\""},
		{"bad preset", "project_name = \"w\"\nbranch_strategy = \"gitflow\""},
		{"bad pattern", "project_name = \"w\"\n[branch_strategy]\npattern = \"feature/{slug}.lock\""},
		{"model mismatch", "project_name = \"w\"\nprovider = \"claude\"\nmodel = \"gemini-2.5-pro\""},
		{"unknown task type", "project_name = \"w\"\n[task_types.deploy]\nmodel = \"claude-opus-4\""},
		{"webhook url", "project_name = \"w\"\n[[webhooks]]\nurl = \"ftp://hooks.example.com\""},
		{"syntax", "project_name = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	_, err := Load(t.TempDir())
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "gza init")
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := writeConfig(t, `project_name = "widgets"`)
	t.Setenv("GZA_PROVIDER", "gemini")
	t.Setenv("GZA_TIMEOUT", "15")
	t.Setenv("GZA_WORKERS", "4")
	t.Setenv("GZA_USE_DOCKER", "false")
	t.Setenv("GZA_MAX_STEPS", "80")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, 15*time.Minute, cfg.Timeout)
	assert.Equal(t, 4, cfg.Workers)
	assert.False(t, cfg.UseDocker)
	assert.Equal(t, 80, cfg.MaxSteps)

	t.Setenv("GZA_WORKERS", "many")
	_, err = Load(dir)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestEffectiveFor(t *testing.T) {
	ptr := func(n int) *int { return &n }
	cfg := DefaultConfig(t.TempDir())
	cfg.Model = "claude-sonnet-4"
	cfg.MaxSteps = 40
	cfg.TaskTypes = map[string]TaskTypeConfig{
		"plan":   {Model: "claude-opus-4", MaxSteps: ptr(15)},
		"review": {MaxSteps: ptr(25)},
	}
	cfg.Providers = map[string]ProviderConfig{
		"codex": {
			Model:     "gpt-5.2-codex",
			TaskTypes: map[string]TaskTypeConfig{"review": {Model: "o3", MaxSteps: ptr(10)}},
		},
	}

	tests := []struct {
		name string
		task types.Task
		want Effective
	}{
		{"global", types.Task{Type: types.TaskTypeTask}, Effective{"claude", "claude-sonnet-4", 40}},
		{"task type", types.Task{Type: types.TaskTypePlan}, Effective{"claude", "claude-opus-4", 15}},
		{"provider override on task", types.Task{Type: types.TaskTypeTask, Provider: types.Ptr("codex")}, Effective{"codex", "gpt-5.2-codex", 40}},
		{"provider task type", types.Task{Type: types.TaskTypeReview, Provider: types.Ptr("codex")}, Effective{"codex", "o3", 10}},
		{"task model wins", types.Task{Type: types.TaskTypePlan, Model: types.Ptr("claude-3-haiku")}, Effective{"claude", "claude-3-haiku", 15}},
		{"legacy task type budget", types.Task{Type: types.TaskTypeReview}, Effective{"claude", "claude-sonnet-4", 25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.EffectiveFor(&tt.task))
		})
	}

	cfg.MaxSteps = 0
	assert.Equal(t, DefaultMaxSteps, cfg.MaxStepsFor(types.TaskTypeTask, "claude"))
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		strategy BranchStrategy
		prompt   string
		hint     string
		want     string
	}{
		{Presets["monorepo"], "Add login", "", "widgets/20260301-add-login"},
		{Presets["conventional"], "Fix the flaky test", "", "fix/fix-the-flaky-test"},
		{Presets["conventional"], "Investigate memory use", "", "feature/investigate-memory-use"},
		{Presets["conventional"], "Add login", "chore", "chore/add-login"},
		{Presets["date_slug"], "Add login", "", "20260301-add-login"},
		{BranchStrategy{Pattern: "{project}/{type}/{slug}", DefaultType: "task"}, "Tidy up", "", "widgets/task/tidy-up"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			slug := "20260301-" + map[string]string{
				"Add login": "add-login", "Fix the flaky test": "fix-the-flaky-test",
				"Investigate memory use": "investigate-memory-use", "Tidy up": "tidy-up",
			}[tt.prompt]
			assert.Equal(t, tt.want, tt.strategy.BranchName("widgets", slug, tt.prompt, tt.hint))
		})
	}
}

func TestBranchStrategy_Validate(t *testing.T) {
	assert.NoError(t, Presets["monorepo"].Validate())
	for _, bad := range []string{"", "a b", "a..b", "a//b", ".x", "/x", "x/", "x.lock", "x:y"} {
		assert.Error(t, BranchStrategy{Pattern: bad}.Validate(), bad)
	}
}

func TestLoadDotenv(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".gza"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".gza", ".env"),
		[]byte("# keys\nGZA_TEST_HOME=home\nGZA_TEST_SHARED=home\nGZA_TEST_PRESET=home\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(project, ".env"),
		[]byte("GZA_TEST_SHARED=project\n"), 0o600))

	t.Setenv("GZA_TEST_PRESET", "shell")
	t.Setenv("GZA_TEST_HOME", "")
	os.Unsetenv("GZA_TEST_HOME")
	t.Setenv("GZA_TEST_SHARED", "")
	os.Unsetenv("GZA_TEST_SHARED")

	require.NoError(t, LoadDotenv(project, home))
	assert.Equal(t, "home", os.Getenv("GZA_TEST_HOME"))
	assert.Equal(t, "project", os.Getenv("GZA_TEST_SHARED"), "project .env overrides home")
	assert.Equal(t, "shell", os.Getenv("GZA_TEST_PRESET"), "home .env never overrides the shell")

	assert.NoError(t, LoadDotenv(t.TempDir(), ""), "missing files are skipped")
}
