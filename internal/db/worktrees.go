package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Worktree statuses
const (
	WorktreeActive  = "active"
	WorktreeRemoved = "removed"
)

// WorktreeInfo represents a tracked worktree with its task metadata
type WorktreeInfo struct {
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Status     string    `json:"status"`
	TaskStatus string    `json:"task_status,omitempty"`
	TaskPrompt string    `json:"task_prompt,omitempty"`
}

// RecordWorktree records an acquired worktree, replacing any earlier record for the slug
func (s *Store) RecordWorktree(ctx context.Context, slug, path, branch string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO worktrees (task_id, path, branch, created_at, last_used_at, status)
		VALUES (?, ?, ?, ?, ?, 'active')
		ON CONFLICT(task_id) DO UPDATE SET
			path = excluded.path, branch = excluded.branch,
			last_used_at = excluded.last_used_at, status = 'active'
	`, slug, path, branch, now, now)
	if err != nil {
		return fmt.Errorf("recording worktree: %w", err)
	}
	return nil
}

// UpdateWorktreeStatus updates the status of a worktree
func (s *Store) UpdateWorktreeStatus(ctx context.Context, slug, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE worktrees SET status = ?, last_used_at = ? WHERE task_id = ?
	`, status, time.Now().Unix(), slug)
	if err != nil {
		return fmt.Errorf("updating worktree status: %w", err)
	}
	return nil
}

// ListWorktrees returns tracked worktrees, newest first. With activeOnly,
// removed entries are skipped.
func (s *Store) ListWorktrees(ctx context.Context, activeOnly bool) ([]*WorktreeInfo, error) {
	q := `
		SELECT w.task_id, w.path, COALESCE(w.branch, ''), w.created_at, w.last_used_at, w.status,
		       COALESCE(t.status, ''), COALESCE(t.prompt, '')
		FROM worktrees w
		LEFT JOIN tasks t ON t.task_id = w.task_id`
	if activeOnly {
		q += ` WHERE w.status != 'removed'`
	}
	q += ` ORDER BY w.created_at DESC`

	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying worktrees: %w", err)
	}
	defer rows.Close()

	var out []*WorktreeInfo
	for rows.Next() {
		var w WorktreeInfo
		var created, used int64
		if err := rows.Scan(&w.TaskID, &w.Path, &w.Branch, &created, &used, &w.Status, &w.TaskStatus, &w.TaskPrompt); err != nil {
			return nil, fmt.Errorf("scanning worktree: %w", err)
		}
		w.CreatedAt = time.Unix(created, 0)
		w.LastUsedAt = time.Unix(used, 0)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// OrphanedWorktrees returns directories under worktreeDir that no active record claims
func (s *Store) OrphanedWorktrees(ctx context.Context, worktreeDir string) ([]string, error) {
	active, err := s.ListWorktrees(ctx, true)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(active))
	for _, w := range active {
		known[filepath.Clean(w.Path)] = true
	}

	entries, err := os.ReadDir(worktreeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading worktree directory: %w", err)
	}

	var orphaned []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(worktreeDir, e.Name())
		if !known[filepath.Clean(p)] {
			orphaned = append(orphaned, p)
		}
	}
	return orphaned, nil
}
