package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cloud-shuttle/gza/pkg/types"
	"go.uber.org/zap"
)

// WIP commit subjects. Anything starting with WIPPrefix is squashed on finalize.
const (
	WIPPrefix      = "WIP:"
	wipInterrupted = "WIP: gza task interrupted"
	wipRestored    = "WIP: restored from diff"
	maxWIPScan     = 10
)

// ErrBranchMissing is returned when resuming on a branch that no longer exists
var ErrBranchMissing = errors.New("branch no longer exists")

// Mode selects how Acquire prepares a worktree
type Mode int

const (
	// ModeNewBranch creates a fresh branch off the freshest default ref
	ModeNewBranch Mode = iota
	// ModeSingleBranch force-recreates one long-lived shared branch
	ModeSingleBranch
	// ModeExistingBranch checks out a branch that already exists (resume, same-branch)
	ModeExistingBranch
	// ModeDetached creates a branch-less worktree at BaseRef
	ModeDetached
)

func (m Mode) String() string {
	switch m {
	case ModeNewBranch:
		return "new-branch"
	case ModeSingleBranch:
		return "single-branch"
	case ModeExistingBranch:
		return "existing-branch"
	case ModeDetached:
		return "detached"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// AcquireRequest describes the worktree a task needs
type AcquireRequest struct {
	Slug    string
	Type    types.TaskType
	Mode    Mode
	Branch  string // unused for ModeDetached
	BaseRef string // ModeDetached only; empty means origin/default falling back to local
}

// Worktree is an acquired per-task checkout
type Worktree struct {
	Path    string
	Branch  string
	BaseRef string
	Repo    *Repo
}

// Detached reports whether the worktree has no branch
func (w *Worktree) Detached() bool {
	return w.Branch == ""
}

// WorktreeManager creates and manages per-task git worktrees
type WorktreeManager struct {
	repo        *Repo
	projectDir  string // Main checkout; WIP backups live under it
	worktreeDir string // Where worktrees are created
	logger      *zap.Logger

	// Serializes worktree registration changes across workers; concurrent
	// `git worktree add/remove` on one repository race on its admin files.
	mu sync.Mutex
}

// NewWorktreeManager creates a new worktree manager
func NewWorktreeManager(repo *Repo, worktreeDir string, logger *zap.Logger) *WorktreeManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorktreeManager{
		repo:        repo,
		projectDir:  repo.Dir(),
		worktreeDir: worktreeDir,
		logger:      logger,
	}
}

// Repo returns the main repository
func (wm *WorktreeManager) Repo() *Repo {
	return wm.repo
}

// Path returns where the worktree for slug and type lives.
// Non-code tasks get a type suffix so they never collide with a code worktree.
func (wm *WorktreeManager) Path(slug string, t types.TaskType) string {
	if t.ProducesCode() {
		return filepath.Join(wm.worktreeDir, slug)
	}
	return filepath.Join(wm.worktreeDir, slug+"-"+string(t))
}

// WIPPath returns the backup diff file for slug
func (wm *WorktreeManager) WIPPath(slug string) string {
	return filepath.Join(wm.projectDir, ".gza", "wip", slug+".diff")
}

// Acquire prepares a worktree for a task. Conflicting state (a stale
// directory at the target path, or the branch checked out elsewhere) is
// force-removed first.
func (wm *WorktreeManager) Acquire(ctx context.Context, req AcquireRequest) (*Worktree, error) {
	if req.Slug == "" {
		return nil, errors.New("acquiring worktree: empty task slug")
	}
	if req.Mode != ModeDetached && req.Branch == "" {
		return nil, fmt.Errorf("acquiring worktree in %s mode: empty branch", req.Mode)
	}
	if err := os.MkdirAll(wm.worktreeDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree directory: %w", err)
	}

	path := wm.Path(req.Slug, req.Type)
	log := wm.logger.With(zap.String("task_id", req.Slug), zap.String("path", path), zap.Stringer("mode", req.Mode))

	wm.mu.Lock()
	defer wm.mu.Unlock()

	wt := &Worktree{Path: path, Repo: wm.repo.At(path)}
	switch req.Mode {
	case ModeDetached:
		base := req.BaseRef
		if base == "" {
			base = wm.detachedBase(ctx)
		}
		wm.cleanUpPath(ctx, path)
		if _, err := wm.repo.Run(ctx, "worktree", "add", "--detach", path, base); err != nil {
			return nil, fmt.Errorf("creating detached worktree: %w", err)
		}
		wt.BaseRef = base

	case ModeExistingBranch:
		if !wm.repo.BranchExists(ctx, req.Branch) {
			return nil, fmt.Errorf("%w: %s", ErrBranchMissing, req.Branch)
		}
		if err := wm.cleanUpBranch(ctx, req.Branch); err != nil {
			return nil, err
		}
		wm.cleanUpPath(ctx, path)
		if _, err := wm.repo.Run(ctx, "worktree", "add", path, req.Branch); err != nil {
			return nil, fmt.Errorf("checking out %s in worktree: %w", req.Branch, err)
		}
		wt.Branch = req.Branch

	case ModeSingleBranch, ModeNewBranch:
		if err := wm.cleanUpBranch(ctx, req.Branch); err != nil {
			return nil, err
		}
		if req.Mode == ModeSingleBranch && wm.repo.BranchExists(ctx, req.Branch) {
			if err := wm.repo.DeleteBranch(ctx, req.Branch, true); err != nil {
				log.Warn("could not delete shared branch", zap.Error(err))
			}
		}
		base := wm.freshestBase(ctx)
		wm.cleanUpPath(ctx, path)
		if _, err := wm.repo.Run(ctx, "worktree", "add", "-b", req.Branch, path, base); err != nil {
			return nil, fmt.Errorf("creating worktree: %w", err)
		}
		wt.Branch = req.Branch
		wt.BaseRef = base

	default:
		return nil, fmt.Errorf("unknown worktree mode %s", req.Mode)
	}

	log.Info("worktree ready", zap.String("branch", wt.Branch), zap.String("base", wt.BaseRef))
	return wt, nil
}

// BaseRef returns the ref new branches are created from: origin/<default>
// only when it is strictly ahead of the local default branch. Ties and
// divergence prefer local so unpushed work is included.
func (wm *WorktreeManager) BaseRef(ctx context.Context) string {
	return wm.freshestBase(ctx)
}

func (wm *WorktreeManager) freshestBase(ctx context.Context) string {
	local := wm.repo.DefaultBranch(ctx)
	origin := "origin/" + local
	if !wm.repo.RefExists(ctx, origin) {
		return local
	}
	localAhead := wm.repo.CountCommitsAhead(ctx, local, origin)
	originAhead := wm.repo.CountCommitsAhead(ctx, origin, local)
	if originAhead > 0 && localAhead == 0 {
		return origin
	}
	return local
}

func (wm *WorktreeManager) detachedBase(ctx context.Context) string {
	local := wm.repo.DefaultBranch(ctx)
	if origin := "origin/" + local; wm.repo.RefExists(ctx, origin) {
		return origin
	}
	return local
}

// cleanUpPath removes any worktree registration and directory at path
func (wm *WorktreeManager) cleanUpPath(ctx context.Context, path string) {
	_, _ = wm.repo.try(ctx, "worktree", "remove", "--force", path)
	if _, err := os.Stat(path); err == nil {
		_ = os.RemoveAll(path)
	}
	_, _ = wm.repo.try(ctx, "worktree", "prune")
}

// cleanUpBranch removes the worktree, if any, that has branch checked out
func (wm *WorktreeManager) cleanUpBranch(ctx context.Context, branch string) error {
	entries, err := wm.repo.WorktreeList(ctx)
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}
	for _, e := range entries {
		if e.Branch != "refs/heads/"+branch && e.Branch != branch {
			continue
		}
		if samePath(e.Path, wm.projectDir) {
			return fmt.Errorf("branch %s is checked out in the main working tree", branch)
		}
		wm.logger.Info("removing worktree holding branch", zap.String("branch", branch), zap.String("path", e.Path))
		wm.cleanUpPath(ctx, e.Path)
	}
	return nil
}

// Resume re-attaches to an existing branch and restores saved work in
// progress. wipIDs lists slugs whose backup diff may hold the work, in
// priority order (an original task's slug before its successor's).
func (wm *WorktreeManager) Resume(ctx context.Context, slug, branch string, wipIDs []string) (*Worktree, RestoreResult, error) {
	wt, err := wm.Acquire(ctx, AcquireRequest{Slug: slug, Type: types.TaskTypeTask, Mode: ModeExistingBranch, Branch: branch})
	if err != nil {
		return nil, RestoreNone, err
	}
	res, err := wm.RestoreWIP(ctx, wt, slug, wipIDs)
	if err != nil {
		// Restoring is best effort; the branch itself is usable
		wm.logger.Warn("could not restore WIP", zap.String("task_id", slug), zap.Error(err))
	}
	return wt, res, nil
}

// RestoreResult describes how WIP was recovered on resume
type RestoreResult int

const (
	RestoreNone RestoreResult = iota
	RestoreFromCommit
	RestoreFromDiff
)

func (r RestoreResult) String() string {
	switch r {
	case RestoreFromCommit:
		return "wip-commit"
	case RestoreFromDiff:
		return "wip-diff"
	}
	return "none"
}

// SaveWIP stages everything, writes the staged diff to the slug's backup
// file and then attempts a no-verify WIP commit. The backup is written
// before the commit so it survives a failing commit.
func (wm *WorktreeManager) SaveWIP(ctx context.Context, wt *Worktree, slug string) (bool, error) {
	if wt == nil || !wt.Repo.HasChanges(ctx, ".") {
		return false, nil
	}
	if err := wt.Repo.AddAll(ctx); err != nil {
		return false, fmt.Errorf("staging WIP: %w", err)
	}
	diff, err := wt.Repo.DiffCached(ctx)
	if err != nil {
		return false, fmt.Errorf("reading staged WIP: %w", err)
	}

	log := wm.logger.With(zap.String("task_id", slug))
	if slug != "" && diff != "" {
		path := wm.WIPPath(slug)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false, fmt.Errorf("creating WIP directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(diff), 0o644); err != nil {
			return false, fmt.Errorf("writing WIP backup: %w", err)
		}
		log.Info("saved WIP diff", zap.String("path", path))
	}

	if err := wt.Repo.Commit(ctx, fmt.Sprintf("%s\n\nTask ID: %s", wipInterrupted, slug), true); err != nil {
		// The diff backup still holds the work
		log.Warn("could not create WIP commit", zap.Error(err))
		return true, nil
	}
	log.Info("saved WIP commit", zap.String("branch", wt.Branch))
	return true, nil
}

// RestoreWIP continues from a WIP commit at the branch tip if there is one,
// otherwise applies the first non-empty backup diff among wipIDs and commits it.
func (wm *WorktreeManager) RestoreWIP(ctx context.Context, wt *Worktree, slug string, wipIDs []string) (RestoreResult, error) {
	if strings.HasPrefix(wt.Repo.HeadSubject(ctx), WIPPrefix) {
		wm.logger.Info("found WIP commit on branch", zap.String("task_id", slug))
		return RestoreFromCommit, nil
	}

	for _, id := range wipIDs {
		if id == "" {
			continue
		}
		data, err := os.ReadFile(wm.WIPPath(id))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if err := wt.Repo.ApplyIndex(ctx, string(data)); err != nil {
			return RestoreNone, fmt.Errorf("applying WIP diff %s: %w", id, err)
		}
		if err := wt.Repo.Commit(ctx, fmt.Sprintf("%s\n\nTask ID: %s", wipRestored, slug), true); err != nil {
			return RestoreNone, fmt.Errorf("committing restored WIP: %w", err)
		}
		wm.logger.Info("restored WIP from diff", zap.String("task_id", slug), zap.String("source", id))
		return RestoreFromDiff, nil
	}
	return RestoreNone, nil
}

// SquashWIP soft-resets the contiguous run of WIP commits at the branch tip,
// leaving their changes staged. Returns how many commits were squashed.
func (wm *WorktreeManager) SquashWIP(ctx context.Context, wt *Worktree) (int, error) {
	n := 0
	for _, subject := range wt.Repo.RecentSubjects(ctx, maxWIPScan) {
		if !strings.HasPrefix(subject, WIPPrefix) {
			break
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := wt.Repo.ResetSoft(ctx, n); err != nil {
		return 0, fmt.Errorf("squashing %d WIP commits: %w", n, err)
	}
	wm.logger.Info("squashed WIP commits", zap.Int("count", n), zap.String("branch", wt.Branch))
	return n, nil
}

// Finalize squashes WIP commits and records everything in one commit.
// It returns false when there was nothing to commit.
func (wm *WorktreeManager) Finalize(ctx context.Context, wt *Worktree, message string) (bool, error) {
	hadWIP, err := wm.SquashWIP(ctx, wt)
	if err != nil {
		wm.logger.Warn("WIP commits left in place", zap.Error(err))
	}
	if hadWIP == 0 && !wt.Repo.HasChanges(ctx, ".") {
		return false, nil
	}
	if err := wt.Repo.AddAll(ctx); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}
	if err := wt.Repo.Commit(ctx, message, false); err != nil {
		return false, fmt.Errorf("committing: %w", err)
	}
	return true, nil
}

// CommitMessage builds the final commit message for a task. reviewID is
// set for improve tasks addressing a review.
func CommitMessage(prompt, slug string, reviewID *int64) string {
	subject := prompt
	if r := []rune(subject); len(r) > 50 {
		subject = string(r[:50])
	}
	subject = strings.ReplaceAll(subject, "\n", " ")
	msg := fmt.Sprintf("Gza: %s\n\nTask ID: %s", subject, slug)
	if reviewID != nil {
		msg += fmt.Sprintf("\nGza-Review: #%d", *reviewID)
	}
	return msg
}

// Remove removes a worktree. A worktree that is already gone is not an error.
func (wm *WorktreeManager) Remove(ctx context.Context, path string, force bool) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, stderr, err := wm.repo.exec(ctx, "", append(args, path)...)
	if err != nil {
		if strings.Contains(stderr, "is not a working tree") ||
			strings.Contains(stderr, "Not a worktree") ||
			strings.Contains(strings.ToLower(stderr), "no such file or directory") {
			_, _ = wm.repo.try(ctx, "worktree", "prune")
			return nil
		}
		return fmt.Errorf("removing worktree: %w", err)
	}
	return nil
}

// Cleanup removes every registered worktree under the worktree directory
// and returns their paths. Safe to call repeatedly.
func (wm *WorktreeManager) Cleanup(ctx context.Context) ([]string, error) {
	entries, err := wm.repo.WorktreeList(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if !wm.owns(e.Path) {
			continue
		}
		if err := wm.Remove(ctx, e.Path, true); err != nil {
			wm.logger.Warn("failed to remove worktree", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		removed = append(removed, e.Path)
	}
	return removed, nil
}

// PruneOrphaned deletes directories under the worktree directory that git
// no longer has registered
func (wm *WorktreeManager) PruneOrphaned(ctx context.Context) ([]string, error) {
	entries, err := wm.repo.WorktreeList(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	registered := make(map[string]bool, len(entries))
	for _, e := range entries {
		registered[canonical(e.Path)] = true
	}

	dirs, err := os.ReadDir(wm.worktreeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading worktree directory: %w", err)
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()

	var pruned []string
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		p := filepath.Join(wm.worktreeDir, d.Name())
		if registered[canonical(p)] {
			continue
		}
		if err := os.RemoveAll(p); err == nil {
			pruned = append(pruned, p)
		}
	}
	_, _ = wm.repo.try(ctx, "worktree", "prune")
	return pruned, nil
}

func (wm *WorktreeManager) owns(path string) bool {
	dir := canonical(wm.worktreeDir)
	p := canonical(path)
	return strings.HasPrefix(p, dir+string(filepath.Separator))
}

// canonical resolves symlinks so /tmp and /private/tmp compare equal on macOS
func canonical(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return filepath.Clean(r)
	}
	return filepath.Clean(p)
}

func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}
