// Package github talks to GitHub through the authenticated gh CLI
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrUnavailable means gh is missing or not authenticated
var ErrUnavailable = errors.New("gh CLI unavailable or not authenticated")

// CLI wraps the gh binary
type CLI struct {
	binary string
	dir    string
	logger *zap.Logger
}

// Option configures a CLI
type Option func(*CLI)

// WithBinary overrides the gh executable
func WithBinary(path string) Option {
	return func(c *CLI) { c.binary = path }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *CLI) { c.logger = l }
}

// New creates a CLI running gh inside repoDir
func New(repoDir string, opts ...Option) *CLI {
	c := &CLI{binary: "gh", dir: repoDir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return "", ErrUnavailable
		}
		return "", fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Available reports whether gh is installed and logged in
func (c *CLI) Available(ctx context.Context) bool {
	_, err := c.run(ctx, "auth", "status")
	return err == nil
}

// PRNumber returns the open pull request number for branch, or 0 when
// there is none
func (c *CLI) PRNumber(ctx context.Context, branch string) (int, error) {
	out, err := c.run(ctx, "pr", "view", branch, "--json", "number", "-q", ".number")
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return 0, err
		}
		// gh exits nonzero when no PR exists for the branch
		c.logger.Debug("no pull request for branch", zap.String("branch", branch), zap.Error(err))
		return 0, nil
	}
	if out == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing PR number %q: %w", out, err)
	}
	return n, nil
}

// Comment adds a comment to pull request number
func (c *CLI) Comment(ctx context.Context, number int, body string) error {
	_, err := c.run(ctx, "pr", "comment", strconv.Itoa(number), "--body", body)
	return err
}

// ReviewComment formats review output for posting on the implementation's PR
func ReviewComment(reviewID, implID int64, content string) string {
	return fmt.Sprintf("## Automated Code Review\n\n**Review Task**: #%d\n**Implementation Task**: #%d\n\n---\n\n%s\n\n---\n\n*Generated by `gza review` task*",
		reviewID, implID, strings.TrimSpace(content))
}
