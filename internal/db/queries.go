package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/gza/pkg/types"
)

// HistoryFilter narrows History results. Zero values mean no filter;
// Limit <= 0 returns everything.
type HistoryFilter struct {
	Status types.TaskStatus
	Type   types.TaskType
	Limit  int
}

// Stats summarizes the whole task table
type Stats struct {
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Pending           int     `json:"pending"`
	InProgress        int     `json:"in_progress"`
	Unmerged          int     `json:"unmerged"`
	Blocked           int     `json:"blocked"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalDuration     float64 `json:"total_duration_seconds"`
	TotalTurns        int     `json:"total_turns"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
}

// GroupCounts maps a status to the number of tasks in that status
type GroupCounts map[types.TaskStatus]int

func prefixed(columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = "t." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*types.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	return scanTasks(rows)
}

// Pending returns pending tasks oldest first, blocked ones included
func (s *Store) Pending(ctx context.Context, limit int) ([]*types.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending' ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		return s.queryTasks(ctx, q+` LIMIT ?`, limit)
	}
	return s.queryTasks(ctx, q)
}

// InProgress returns tasks currently claimed by a worker
func (s *Store) InProgress(ctx context.Context) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'in_progress' ORDER BY started_at ASC`)
}

// History returns finished tasks, most recently completed first
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]*types.Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	} else {
		where = append(where, "status IN ('completed', 'failed', 'unmerged')")
	}
	if f.Type != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(f.Type))
	}

	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY completed_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, q, args...)
}

// Unmerged returns tasks whose branch carries work not yet merged
func (s *Store) Unmerged(ctx context.Context) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE merge_status = 'unmerged' ORDER BY completed_at DESC`)
}

// SetMergeStatus records the merge state of a task's branch
func (s *Store) SetMergeStatus(ctx context.Context, id int64, ms types.MergeStatus) error {
	var v any
	if ms != types.MergeStatusNone {
		v = string(ms)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET merge_status = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("setting merge status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return nil
}

// All returns every task, newest first
func (s *Store) All(ctx context.Context) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
}

// ReviewsFor returns review tasks that depend on id, newest first.
// Reviews completed before the last ClearReviewState on id are skipped.
func (s *Store) ReviewsFor(ctx context.Context, id int64) ([]*types.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed(taskColumns)+` FROM tasks t
		JOIN tasks impl ON impl.id = t.depends_on
		WHERE t.task_type = 'review' AND t.depends_on = ?
		  AND (impl.review_cleared_at IS NULL OR t.completed_at IS NULL OR t.completed_at > impl.review_cleared_at)
		ORDER BY t.created_at DESC, t.id DESC
	`, id)
}

// ClearReviewState marks existing reviews of id as stale, as after an
// improve task has addressed them.
func (s *Store) ClearReviewState(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tasks SET review_cleared_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("clearing review state: %w", err)
	}
	return nil
}

// UpdateDiffStats writes only the diff stat columns
func (s *Store) UpdateDiffStats(ctx context.Context, id int64, d *types.DiffStats) error {
	var files, added, removed any
	if d != nil {
		files, added, removed = d.FilesChanged, d.LinesAdded, d.LinesRemoved
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET diff_files_changed = ?, diff_lines_added = ?, diff_lines_removed = ?
		WHERE id = ?
	`, files, added, removed, id)
	if err != nil {
		return fmt.Errorf("updating diff stats: %w", err)
	}
	return nil
}

// Stats aggregates counts and totals over all tasks
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'in_progress' THEN 1 END),
			COUNT(CASE WHEN status = 'unmerged' THEN 1 END),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(duration_seconds), 0),
			COALESCE(SUM(num_turns_reported), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM tasks
	`).Scan(&st.Completed, &st.Failed, &st.Pending, &st.InProgress, &st.Unmerged,
		&st.TotalCostUSD, &st.TotalDuration, &st.TotalTurns,
		&st.TotalInputTokens, &st.TotalOutputTokens)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}

	st.Blocked, err = s.CountBlocked(ctx)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Search returns tasks whose prompt contains term, newest first
func (s *Store) Search(ctx context.Context, term string) ([]*types.Task, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE prompt LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC
	`, "%"+escaped+"%")
}

// Groups returns per-status task counts for every named group
func (s *Store) Groups(ctx context.Context) (map[string]GroupCounts, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_group, status, COUNT(*) FROM tasks
		WHERE task_group IS NOT NULL
		GROUP BY task_group, status
	`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]GroupCounts)
	for rows.Next() {
		var name, status string
		var count int
		if err := rows.Scan(&name, &status, &count); err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		if groups[name] == nil {
			groups[name] = make(GroupCounts)
		}
		groups[name][types.TaskStatus(status)] = count
	}
	return groups, rows.Err()
}

// ByGroup returns the tasks of one group in creation order
func (s *Store) ByGroup(ctx context.Context, group string) ([]*types.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_group = ? ORDER BY created_at ASC, id ASC`, group)
}
