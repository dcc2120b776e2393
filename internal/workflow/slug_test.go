package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"simple", "Add a feature flag", 50, "add-a-feature-flag"},
		{"punctuation", "Fix: the parser's (broken) edge-case!", 50, "fix-the-parser-s-broken-edge-case"},
		{"trims separators", "  --Hello, World--  ", 50, "hello-world"},
		{"cuts at hyphen", "refactor the configuration loader module", 20, "refactor-the"},
		{"single long word", "supercalifragilistic", 5, "super"},
		{"unicode dropped", "Café über naïve", 50, "caf-ber-na-ve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in, tt.n))
		})
	}
}

func TestGenerateTaskID(t *testing.T) {
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	ctx := context.Background()

	id, err := generateTaskID(ctx, "Add a feature flag", day, func(context.Context, string) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, "20260301-add-a-feature-flag", id)

	used := map[string]bool{
		"20260301-add-a-feature-flag":   true,
		"20260301-add-a-feature-flag-2": true,
	}
	id, err = generateTaskID(ctx, "Add a feature flag", day, func(_ context.Context, s string) (bool, error) { return used[s], nil })
	require.NoError(t, err)
	assert.Equal(t, "20260301-add-a-feature-flag-3", id)

	boom := errors.New("database is locked")
	_, err = generateTaskID(ctx, "Add a feature flag", day, func(context.Context, string) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

func TestReviewPrompt(t *testing.T) {
	assert.Equal(t, "review add-a-feature-flag", ReviewPrompt("20260301-add-a-feature-flag", 4, "Add a feature flag"))
	assert.Equal(t, "review add-a-feature-flag", ReviewPrompt("20260301-add-a-feature-flag-3", 4, "Add a feature flag"),
		"retry suffixes are dropped")
	assert.Contains(t, ReviewPrompt("", 4, "Add a feature flag"), "task #4")
	assert.Contains(t, ReviewPrompt("20260301-x", 4, "x"), "task #4", "too short to be a prompt")
}

func TestHideWorktreeGit(t *testing.T) {
	log := zap.NewNop()

	t.Run("external gitdir is hidden and restored", func(t *testing.T) {
		dir := t.TempDir()
		content := "gitdir: /srv/project/.git/worktrees/task\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte(content), 0o644))

		restore := hideWorktreeGit(dir, log)
		assert.NoFileExists(t, filepath.Join(dir, ".git"))
		assert.FileExists(t, filepath.Join(dir, hiddenGitFile))

		restore()
		data, err := os.ReadFile(filepath.Join(dir, ".git"))
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
		assert.NoFileExists(t, filepath.Join(dir, hiddenGitFile))
	})

	t.Run("gitdir inside the worktree is left alone", func(t *testing.T) {
		dir := t.TempDir()
		gitdir := filepath.Join(dir, "nested", "gitdir")
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: "+gitdir), 0o644))
		hideWorktreeGit(dir, log)()
		assert.FileExists(t, filepath.Join(dir, ".git"))
		assert.NoFileExists(t, filepath.Join(dir, hiddenGitFile))
	})

	t.Run("regular git directory is left alone", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
		hideWorktreeGit(dir, log)()
		assert.DirExists(t, filepath.Join(dir, ".git"))
	})
}
