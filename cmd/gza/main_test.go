package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/internal/db"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFindProjectDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	_, err := findProjectDir(nested)
	assert.ErrorContains(t, err, "not a gza project")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "gza.toml"), []byte("project_name = \"x\"\n"), 0o644))
	got, err := findProjectDir(nested)
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(dir)
	gotResolved, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotResolved)
}

func TestEnsureIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	require.NoError(t, os.WriteFile(path, []byte("node_modules/"), 0o644))

	require.NoError(t, ensureIgnored(dir, ".gza/"))
	require.NoError(t, ensureIgnored(dir, ".gza/"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "node_modules/\n.gza/\n", string(data))
}

func TestInitAddShow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())

	out, err := execute(t, "-C", dir, "init", "--name", "widgets")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized gza")
	assert.FileExists(t, filepath.Join(dir, "gza.toml"))
	assert.FileExists(t, filepath.Join(dir, ".gza", "gza.db"))

	_, err = execute(t, "-C", dir, "init")
	assert.ErrorContains(t, err, "already initialized")

	out, err = execute(t, "-C", dir, "add", "--type", "plan", "--group", "parser", "Plan the parser rewrite")
	require.NoError(t, err)
	assert.Contains(t, out, "Added task #1")

	out, err = execute(t, "-C", dir, "add", "--type", "implement", "--depends-on", "1", "--based-on", "1", "Implement the parser rewrite")
	require.NoError(t, err)
	assert.Contains(t, out, "Added task #2")

	out, err = execute(t, "-C", dir, "show", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Implement the parser rewrite")
	assert.Contains(t, out, "Blocked by #1 (pending)")

	out, err = execute(t, "-C", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending: 2")
	assert.Contains(t, out, "(blocked by #1)")

	out, err = execute(t, "-C", dir, "groups")
	require.NoError(t, err)
	assert.Contains(t, out, "parser")
	assert.Contains(t, out, "1 pending")
}

func TestAddValidation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "-C", dir, "init")
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad type", []string{"add", "--type", "bogus", "A valid prompt here"}, "unknown task type"},
		{"same branch without source", []string{"add", "--same-branch", "A valid prompt here"}, "--same-branch needs"},
		{"missing spec", []string{"add", "--spec", "docs/none.md", "A valid prompt here"}, "spec file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"-C", dir}, tt.args...)...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestImportDryRun(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "-C", dir, "init")
	require.NoError(t, err)

	file := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`tasks:
  - key: plan
    type: plan
    prompt: Plan the parser rewrite
  - type: implement
    prompt: Implement the parser rewrite
    depends_on: plan
`), 0o644))

	out, err := execute(t, "-C", dir, "import", "--dry-run", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Would import 2 tasks")

	out, err = execute(t, "-C", dir, "history", "--limit", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks")
}

func TestParseID(t *testing.T) {
	id, err := parseID("#12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	for _, bad := range []string{"0", "-3", "abc", ""} {
		_, err := parseID(bad)
		assert.Error(t, err, bad)
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
}

func TestWorktreePruneAll(t *testing.T) {
	dir := t.TempDir()
	wtDir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Widgets\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "Initial commit")

	_, err := execute(t, "-C", dir, "init", "--name", "widgets")
	require.NoError(t, err)
	f, err := os.OpenFile(filepath.Join(dir, "gza.toml"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "worktree_dir = %q\n", wtDir)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	path := filepath.Join(wtDir, "widgets", "20260101-running")
	runGit(t, dir, "worktree", "add", "-b", "widgets/running", path)
	store, err := db.Open(filepath.Join(dir, ".gza", "gza.db"))
	require.NoError(t, err)
	require.NoError(t, store.RecordWorktree(context.Background(), "20260101-running", path, "widgets/running"))
	require.NoError(t, store.Close())

	out, err := execute(t, "-C", dir, "worktree", "prune", "--all", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed")
	assert.NoDirExists(t, path)

	out, err = execute(t, "-C", dir, "worktree", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "20260101-running")
	assert.Contains(t, out, "removed")
}
