package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cloud-shuttle/gza/pkg/types"
	"go.uber.org/zap"
)

// readyCondition selects pending tasks whose dependency, if any, has completed
const readyCondition = `t.status = 'pending' AND (
	t.depends_on IS NULL OR EXISTS (
		SELECT 1 FROM tasks d WHERE d.id = t.depends_on AND d.status = 'completed'
	))`

// Outcome carries the fields recorded with a terminal transition.
// Nil pointers leave the stored value untouched.
type Outcome struct {
	Branch        *string
	LogFile       *string
	ReportFile    *string
	OutputContent *string
	SessionID     *string
	HasCommits    bool
	Stats         types.Stats
	Diff          *types.DiffStats
}

// ClaimNextPending atomically moves the oldest ready task to in_progress.
//
// The select and update run on one pinned connection inside BEGIN IMMEDIATE,
// so the write lock is held from the read onward and two workers can never
// claim the same row. Returns (nil, nil) when no task is eligible. Any error
// mid-transaction rolls back and is reported as no task available.
func (s *Store) ClaimNextPending(ctx context.Context) (*types.Task, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	id, err := s.claimOn(ctx, conn)
	if err != nil {
		s.logger.Warn("claim failed, rolled back", zap.Error(err))
		return nil, nil
	}
	if id == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *Store) claimOn(ctx context.Context, conn *sql.Conn) (id int64, err error) {
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return 0, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() {
		if err != nil || id == 0 {
			// Rollback must not observe a cancelled ctx or the lock leaks
			conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	err = conn.QueryRowContext(ctx, `
		SELECT t.id FROM tasks t
		WHERE `+readyCondition+`
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("selecting ready task: %w", err)
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', started_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().Unix(), id)
	if err != nil {
		return 0, fmt.Errorf("claiming task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, fmt.Errorf("task %d changed during claim", id)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return 0, fmt.Errorf("committing claim: %w", err)
	}
	return id, nil
}

// NextPending returns the task ClaimNextPending would pick, without claiming it
func (s *Store) NextPending(ctx context.Context) (*types.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+prefixed(taskColumns)+` FROM tasks t
		WHERE `+readyCondition+`
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("querying next pending: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

// MarkInProgress moves a specific pending task to in_progress, as used by `run <id>`
func (s *Store) MarkInProgress(ctx context.Context, id int64) (*types.Task, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', started_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("marking task %d in progress: %w", id, err)
	}
	if err := s.checkTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ReleaseClaim returns an in_progress task to pending, undoing a claim
// whose run never started
func (s *Store) ReleaseClaim(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', started_at = NULL
		WHERE id = ? AND status = 'in_progress'
	`, id)
	if err != nil {
		return fmt.Errorf("releasing task %d: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkCompleted records a successful run. A run that produced commits starts
// out with merge_status unmerged.
func (s *Store) MarkCompleted(ctx context.Context, id int64, out Outcome) error {
	var mergeStatus any
	if out.HasCommits {
		mergeStatus = string(types.MergeStatusUnmerged)
	}
	return s.markTerminal(ctx, id, types.TaskStatusCompleted, nil, mergeStatus, out)
}

// MarkFailed records a failed run; an empty reason is stored as UNKNOWN
func (s *Store) MarkFailed(ctx context.Context, id int64, reason types.FailureReason, out Outcome) error {
	if _, ok := types.ParseFailureReason(string(reason)); !ok {
		reason = types.FailureUnknown
	}
	return s.markTerminal(ctx, id, types.TaskStatusFailed, string(reason), nil, out)
}

// MarkUnmerged records a run whose work finished but could not be merged back
func (s *Store) MarkUnmerged(ctx context.Context, id int64, out Outcome) error {
	return s.markTerminal(ctx, id, types.TaskStatusUnmerged, nil, nil, out)
}

func (s *Store) markTerminal(ctx context.Context, id int64, status types.TaskStatus, reason, mergeStatus any, out Outcome) error {
	var files, added, removed any
	if out.Diff != nil {
		files, added, removed = out.Diff.FilesChanged, out.Diff.LinesAdded, out.Diff.LinesRemoved
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			completed_at = ?,
			failure_reason = ?,
			merge_status = COALESCE(?, merge_status),
			has_commits = ?,
			branch = COALESCE(?, branch),
			log_file = COALESCE(?, log_file),
			report_file = COALESCE(?, report_file),
			output_content = COALESCE(?, output_content),
			session_id = COALESCE(?, session_id),
			duration_seconds = COALESCE(?, duration_seconds),
			num_turns_reported = COALESCE(?, num_turns_reported),
			num_turns_computed = COALESCE(?, num_turns_computed),
			cost_usd = COALESCE(?, cost_usd),
			input_tokens = COALESCE(?, input_tokens),
			output_tokens = COALESCE(?, output_tokens),
			diff_files_changed = COALESCE(?, diff_files_changed),
			diff_lines_added = COALESCE(?, diff_lines_added),
			diff_lines_removed = COALESCE(?, diff_lines_removed)
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, string(status), time.Now().Unix(), reason, mergeStatus, boolInt(out.HasCommits),
		nullable(out.Branch), nullable(out.LogFile), nullable(out.ReportFile),
		nullable(out.OutputContent), nullable(out.SessionID),
		nullable(out.Stats.DurationSeconds), nullable(out.Stats.NumTurnsReported),
		nullable(out.Stats.NumTurnsComputed), nullable(out.Stats.CostUSD),
		nullable(out.Stats.InputTokens), nullable(out.Stats.OutputTokens),
		files, added, removed, id)
	if err != nil {
		return fmt.Errorf("marking task %d %s: %w", id, status, err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition distinguishes a missing task from a refused transition
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, id, t.Status)
}

// IsBlocked reports whether t waits on a dependency that has not completed,
// along with the dependency's id and status.
func (s *Store) IsBlocked(ctx context.Context, t *types.Task) (bool, *int64, types.TaskStatus, error) {
	if t.DependsOn == nil {
		return false, nil, "", nil
	}
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, *t.DependsOn).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		// A dangling dependency can never complete
		return true, t.DependsOn, "", nil
	}
	if err != nil {
		return false, nil, "", fmt.Errorf("reading dependency status: %w", err)
	}
	st := types.TaskStatus(status)
	return st != types.TaskStatusCompleted, t.DependsOn, st, nil
}

// CountBlocked counts pending tasks waiting on an incomplete dependency
func (s *Store) CountBlocked(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks t
		WHERE t.status = 'pending' AND t.depends_on IS NOT NULL AND NOT EXISTS (
			SELECT 1 FROM tasks d WHERE d.id = t.depends_on AND d.status = 'completed'
		)
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting blocked tasks: %w", err)
	}
	return n, nil
}
