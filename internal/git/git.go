// Package git wraps the git CLI for worktree, branch and diff operations
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cloud-shuttle/gza/pkg/types"
	"go.uber.org/zap"
)

// GitError reports a failed git subprocess
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s failed: %s", strings.Join(e.Args, " "), msg)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// IsGitError reports whether err wraps a *GitError
func IsGitError(err error) bool {
	var ge *GitError
	return errors.As(err, &ge)
}

// Repo runs git commands in one working directory
type Repo struct {
	dir    string
	logger *zap.Logger
}

// NewRepo returns a Repo rooted at dir
func NewRepo(dir string, logger *zap.Logger) *Repo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repo{dir: dir, logger: logger}
}

// Dir returns the working directory
func (r *Repo) Dir() string {
	return r.dir
}

// At returns a Repo for another directory sharing this logger, e.g. a worktree
func (r *Repo) At(dir string) *Repo {
	return &Repo{dir: dir, logger: r.logger}
}

func (r *Repo) exec(ctx context.Context, stdin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("git", zap.Strings("args", args), zap.String("dir", r.dir))
	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(), &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), stderr.String(), nil
}

// Run executes git and returns stdout, failing on a nonzero exit
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	out, _, err := r.exec(ctx, "", args...)
	return out, err
}

// RunInput is Run with stdin supplied
func (r *Repo) RunInput(ctx context.Context, stdin string, args ...string) (string, error) {
	out, _, err := r.exec(ctx, stdin, args...)
	return out, err
}

// try runs git and reports success instead of an error
func (r *Repo) try(ctx context.Context, args ...string) (string, bool) {
	out, _, err := r.exec(ctx, "", args...)
	return out, err == nil
}

// CurrentBranch returns the checked-out branch name
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// DefaultBranch detects the default branch: origin/HEAD, then main or
// master if present locally, else "master".
func (r *Repo) DefaultBranch(ctx context.Context) string {
	if out, ok := r.try(ctx, "symbolic-ref", "refs/remotes/origin/HEAD"); ok {
		return strings.TrimPrefix(strings.TrimSpace(out), "refs/remotes/origin/")
	}
	for _, b := range []string{"main", "master"} {
		if r.BranchExists(ctx, b) {
			return b
		}
	}
	return "master"
}

// BranchExists reports whether a local branch exists
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, ok := r.try(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return ok
}

// RefExists reports whether ref resolves to a commit
func (r *Repo) RefExists(ctx context.Context, ref string) bool {
	_, ok := r.try(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return ok
}

// Fetch fetches refs from a remote
func (r *Repo) Fetch(ctx context.Context, remote string, refs ...string) error {
	_, err := r.Run(ctx, append([]string{"fetch", remote}, refs...)...)
	return err
}

// CountCommitsAhead counts commits on branch not reachable from base; 0 on error
func (r *Repo) CountCommitsAhead(ctx context.Context, branch, base string) int {
	out, ok := r.try(ctx, "rev-list", "--count", base+".."+branch)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0
	}
	return n
}

// HasChanges reports staged, unstaged or untracked changes under path
func (r *Repo) HasChanges(ctx context.Context, path string) bool {
	if _, ok := r.try(ctx, "diff", "--cached", "--quiet", "--", path); !ok {
		return true
	}
	if _, ok := r.try(ctx, "diff", "--quiet", "--", path); !ok {
		return true
	}
	out, _ := r.try(ctx, "ls-files", "--others", "--exclude-standard", "--", path)
	return strings.TrimSpace(out) != ""
}

// AddAll stages every change including deletions and untracked files
func (r *Repo) AddAll(ctx context.Context) error {
	_, err := r.Run(ctx, "add", "-A")
	return err
}

// Commit records staged changes
func (r *Repo) Commit(ctx context.Context, message string, noVerify bool) error {
	args := []string{"commit"}
	if noVerify {
		args = append(args, "--no-verify")
	}
	_, err := r.Run(ctx, append(args, "-m", message)...)
	return err
}

// HeadSubject returns the subject line of HEAD, or "" without commits
func (r *Repo) HeadSubject(ctx context.Context) string {
	out, _ := r.try(ctx, "log", "-1", "--pretty=%s")
	return strings.TrimSpace(out)
}

// RecentSubjects returns up to n commit subjects, newest first
func (r *Repo) RecentSubjects(ctx context.Context, n int) []string {
	out, ok := r.try(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=%s")
	if !ok || strings.TrimSpace(out) == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(out, "\n"), "\n")
}

// ResetSoft moves HEAD back n commits keeping their changes staged
func (r *Repo) ResetSoft(ctx context.Context, n int) error {
	_, err := r.Run(ctx, "reset", "--soft", fmt.Sprintf("HEAD~%d", n))
	return err
}

// DiffCached returns the staged diff in binary-safe form
func (r *Repo) DiffCached(ctx context.Context) (string, error) {
	return r.Run(ctx, "diff", "--cached", "--binary")
}

// ApplyIndex applies a patch to both the index and the working tree
func (r *Repo) ApplyIndex(ctx context.Context, patch string) error {
	_, err := r.RunInput(ctx, patch, "apply", "--index", "--binary")
	return err
}

// DiffNumstat returns `git diff --numstat` for a revision range
func (r *Repo) DiffNumstat(ctx context.Context, revRange string) (string, error) {
	out, err := r.Run(ctx, "diff", "--numstat", revRange)
	return strings.TrimSpace(out), err
}

// DiffStat returns `git diff --stat` for a revision range
func (r *Repo) DiffStat(ctx context.Context, revRange string) (string, error) {
	out, err := r.Run(ctx, "diff", "--stat", revRange)
	return strings.TrimSpace(out), err
}

// Diff returns the full diff for a revision range
func (r *Repo) Diff(ctx context.Context, revRange string) (string, error) {
	out, err := r.Run(ctx, "diff", revRange)
	return strings.TrimSpace(out), err
}

// DiffFiles returns a diff limited to files with the given context width
func (r *Repo) DiffFiles(ctx context.Context, revRange string, unified int, files []string) (string, error) {
	args := []string{"diff", fmt.Sprintf("--unified=%d", unified), revRange, "--"}
	out, err := r.Run(ctx, append(args, files...)...)
	return strings.TrimSpace(out), err
}

// DiffStats computes numstat totals for a revision range
func (r *Repo) DiffStats(ctx context.Context, revRange string) (types.DiffStats, error) {
	out, err := r.DiffNumstat(ctx, revRange)
	if err != nil {
		return types.DiffStats{}, err
	}
	return ParseDiffNumstat(out), nil
}

// ParseDiffNumstat totals `git diff --numstat` output. Binary files are skipped.
func ParseDiffNumstat(numstat string) types.DiffStats {
	var d types.DiffStats
	for _, line := range strings.Split(numstat, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 || parts[0] == "-" {
			continue
		}
		added, err1 := strconv.Atoi(parts[0])
		removed, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		d.LinesAdded += added
		d.LinesRemoved += removed
		d.FilesChanged++
	}
	return d
}

// ChangedFiles lists paths from `git diff --numstat` output in order, binary files included
func ChangedFiles(numstat string) []string {
	var files []string
	for _, line := range strings.Split(numstat, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		if p := strings.TrimSpace(parts[2]); p != "" {
			files = append(files, p)
		}
	}
	return files
}

// WorktreeEntry is one record of `git worktree list --porcelain`
type WorktreeEntry struct {
	Path     string
	Head     string
	Branch   string // refs/heads/... or empty when detached
	Detached bool
}

// WorktreeList parses the porcelain worktree listing
func (r *Repo) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := r.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur *WorktreeEntry
	flush := func() {
		if cur != nil {
			entries = append(entries, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch ")
		case line == "detached":
			cur.Detached = true
		}
	}
	flush()
	return entries
}

// IsMerged reports whether merging branch into `into` would be a no-op.
// Squash merges and rebases count as merged. A deleted branch counts as merged.
func (r *Repo) IsMerged(ctx context.Context, branch, into string) bool {
	if !r.BranchExists(ctx, branch) {
		return true
	}
	merged, ok := r.try(ctx, "merge-tree", "--write-tree", into, branch)
	if !ok {
		return false
	}
	target, ok := r.try(ctx, "rev-parse", into+"^{tree}")
	if !ok {
		return false
	}
	return firstLine(merged) == strings.TrimSpace(target)
}

// CanMerge reports whether branch merges into `into` without conflicts
func (r *Repo) CanMerge(ctx context.Context, branch, into string) bool {
	if !r.BranchExists(ctx, branch) {
		return false
	}
	_, ok := r.try(ctx, "merge-tree", "--write-tree", into, branch)
	return ok
}

// Merge merges branch into the checked-out branch. Squash merges are
// committed with message.
func (r *Repo) Merge(ctx context.Context, branch string, squash bool, message string) error {
	if squash {
		if message == "" {
			return errors.New("squash merge requires a commit message")
		}
		if _, err := r.Run(ctx, "merge", "--squash", branch); err != nil {
			return err
		}
		return r.Commit(ctx, message, false)
	}
	_, err := r.Run(ctx, "merge", "--no-ff", branch, "-m", message)
	return err
}

// MergeAbort abandons an in-progress merge
func (r *Repo) MergeAbort(ctx context.Context) error {
	_, err := r.Run(ctx, "merge", "--abort")
	return err
}

// DeleteBranch deletes a local branch
func (r *Repo) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := r.Run(ctx, "branch", flag, branch)
	return err
}

// Checkout switches the working tree to ref
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "checkout", ref)
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
