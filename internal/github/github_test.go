package github

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGH writes a gh stand-in that logs its arguments and answers `pr view`
func fakeGH(t *testing.T, prView string, prViewExit int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$@" >> "` + logPath + `"
if [ "$1" = "pr" ] && [ "$2" = "view" ]; then
  printf '%s' "` + prView + `"
  exit ` + strconv.Itoa(prViewExit) + `
fi
exit 0
`
	bin := filepath.Join(dir, "gh")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, logPath
}

func TestPRNumber(t *testing.T) {
	ctx := context.Background()

	bin, logPath := fakeGH(t, "42", 0)
	n, err := New(t.TempDir(), WithBinary(bin)).PRNumber(ctx, "widgets/20260301-login")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	calls, _ := os.ReadFile(logPath)
	assert.Equal(t, "pr view widgets/20260301-login --json number -q .number\n", string(calls))

	bin, _ = fakeGH(t, "", 1)
	n, err = New(t.TempDir(), WithBinary(bin)).PRNumber(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = New(t.TempDir(), WithBinary(filepath.Join(t.TempDir(), "missing"))).PRNumber(ctx, "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestComment(t *testing.T) {
	bin, logPath := fakeGH(t, "", 0)
	cli := New(t.TempDir(), WithBinary(bin))
	require.NoError(t, cli.Comment(context.Background(), 7, "looks good"))
	assert.True(t, cli.Available(context.Background()))

	calls, _ := os.ReadFile(logPath)
	assert.Equal(t, "pr comment 7 --body looks good\nauth status\n", string(calls))
}

func TestReviewComment(t *testing.T) {
	got := ReviewComment(9, 4, "\nAll fine.\n\n**Verdict: APPROVED**\n")
	assert.Equal(t, "## Automated Code Review\n\n**Review Task**: #9\n**Implementation Task**: #4\n\n---\n\nAll fine.\n\n**Verdict: APPROVED**\n\n---\n\n*Generated by `gza review` task*", got)
}
