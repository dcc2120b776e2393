package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/gza/pkg/types"
)

// NewTask holds the caller-supplied fields of a task being added
type NewTask struct {
	Prompt        string
	Type          types.TaskType
	BasedOn       *int64
	DependsOn     *int64
	Group         *string
	Spec          *string
	TypeHint      *string
	CreateReview  bool
	SameBranch    bool
	SkipLearnings bool
	Model         *string
	Provider      *string

	// Branch and SessionID are set on successors that continue a failed
	// task's branch and agent session
	Branch    *string
	SessionID *string
}

const taskColumns = `id, prompt, status, task_type, task_id, task_type_hint,
	based_on, depends_on, task_group, spec, create_review, same_branch, skip_learnings,
	branch, log_file, report_file, output_content, session_id, pr_number, model, provider,
	has_commits, merge_status, failure_reason,
	duration_seconds, num_turns_reported, num_turns_computed, cost_usd, input_tokens, output_tokens,
	diff_files_changed, diff_lines_added, diff_lines_removed,
	created_at, started_at, completed_at`

// ValidatePrompt checks the prompt length bounds
func ValidatePrompt(prompt string) error {
	n := len([]rune(strings.TrimSpace(prompt)))
	if n < MinPromptLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidPrompt, MinPromptLength)
	}
	if n > MaxPromptLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrInvalidPrompt, MaxPromptLength)
	}
	return nil
}

// Add inserts a new pending task
func (s *Store) Add(ctx context.Context, nt NewTask) (*types.Task, error) {
	if err := ValidatePrompt(nt.Prompt); err != nil {
		return nil, err
	}
	if nt.Type == "" {
		nt.Type = types.TaskTypeTask
	}
	if _, err := types.ParseTaskType(string(nt.Type)); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (prompt, status, task_type, task_type_hint, based_on, depends_on,
		                   task_group, spec, create_review, same_branch, skip_learnings,
		                   model, provider, branch, session_id, created_at)
		VALUES (?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nt.Prompt, string(nt.Type), nullable(nt.TypeHint), nullable(nt.BasedOn), nullable(nt.DependsOn),
		nullable(nt.Group), nullable(nt.Spec), boolInt(nt.CreateReview), boolInt(nt.SameBranch),
		boolInt(nt.SkipLearnings), nullable(nt.Model), nullable(nt.Provider),
		nullable(nt.Branch), nullable(nt.SessionID), now)
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading task id: %w", err)
	}
	return s.Get(ctx, id)
}

// Get retrieves a task by numeric id
func (s *Store) Get(ctx context.Context, id int64) (*types.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return t, err
}

// GetByTaskID retrieves a task by its slug
func (s *Store) GetByTaskID(ctx context.Context, slug string) (*types.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, slug)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, slug)
	}
	return t, err
}

// Update writes the mutable fields of t back to the database. Status, its
// timestamps and the failure reason are left alone: those only change
// through a claim or the Mark* transitions.
func (s *Store) Update(ctx context.Context, t *types.Task) error {
	var mergeStatus any
	if t.MergeStatus != types.MergeStatusNone {
		mergeStatus = string(t.MergeStatus)
	}
	var files, added, removed any
	if t.Diff != nil {
		files, added, removed = t.Diff.FilesChanged, t.Diff.LinesAdded, t.Diff.LinesRemoved
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET
			prompt = ?, task_type = ?, task_id = ?, task_type_hint = ?,
			based_on = ?, depends_on = ?, task_group = ?, spec = ?,
			create_review = ?, same_branch = ?, skip_learnings = ?,
			branch = ?, log_file = ?, report_file = ?, output_content = ?, session_id = ?,
			pr_number = ?, model = ?, provider = ?,
			has_commits = ?, merge_status = ?,
			duration_seconds = ?, num_turns_reported = ?, num_turns_computed = ?, cost_usd = ?,
			input_tokens = ?, output_tokens = ?,
			diff_files_changed = ?, diff_lines_added = ?, diff_lines_removed = ?
		WHERE id = ?
	`, t.Prompt, string(t.Type), nullable(t.TaskID), nullable(t.TypeHint),
		nullable(t.BasedOn), nullable(t.DependsOn), nullable(t.Group), nullable(t.Spec),
		boolInt(t.CreateReview), boolInt(t.SameBranch), boolInt(t.SkipLearnings),
		nullable(t.Branch), nullable(t.LogFile), nullable(t.ReportFile), nullable(t.OutputContent), nullable(t.SessionID),
		nullable(t.PRNumber), nullable(t.Model), nullable(t.Provider),
		nullableBool(t.HasCommits), mergeStatus,
		nullable(t.Stats.DurationSeconds), nullable(t.Stats.NumTurnsReported), nullable(t.Stats.NumTurnsComputed),
		nullable(t.Stats.CostUSD), nullable(t.Stats.InputTokens), nullable(t.Stats.OutputTokens),
		files, added, removed,
		t.ID)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, t.ID)
	}
	return nil
}

// SetTaskID assigns a slug to a task that has none. It touches no other
// column, so it is safe while another process may be claiming the row.
func (s *Store) SetTaskID(ctx context.Context, id int64, slug string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET task_id = ? WHERE id = ? AND task_id IS NULL`, slug, id)
	if err != nil {
		return fmt.Errorf("setting slug of task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %d already has a slug", ErrInvalidTransition, id)
	}
	return nil
}

// SetPRNumber caches the pull request number of a task's branch
func (s *Store) SetPRNumber(ctx context.Context, id int64, number int) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET pr_number = ? WHERE id = ?`, number, id)
	if err != nil {
		return fmt.Errorf("setting PR number of task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return nil
}

// Delete removes a task. Dependents keep their dangling reference cleared.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET depends_on = NULL WHERE depends_on = ?`, id); err != nil {
		return fmt.Errorf("clearing dependents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET based_on = NULL WHERE based_on = ?`, id); err != nil {
		return fmt.Errorf("clearing lineage: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*types.Task, error) {
	var (
		t                                        types.Task
		status, taskType                         string
		taskID, typeHint, group, spec            sql.NullString
		branch, logFile, reportFile, output, sid sql.NullString
		model, provider, mergeStatus, reason     sql.NullString
		basedOn, dependsOn                       sql.NullInt64
		createReview, sameBranch, skipLearnings  sql.NullInt64
		prNumber, hasCommits                     sql.NullInt64
		duration, cost                           sql.NullFloat64
		turnsReported, turnsComputed             sql.NullInt64
		inTokens, outTokens                      sql.NullInt64
		files, added, removed                    sql.NullInt64
		createdAt, startedAt, completedAt        sql.NullInt64
	)

	err := r.Scan(&t.ID, &t.Prompt, &status, &taskType, &taskID, &typeHint,
		&basedOn, &dependsOn, &group, &spec, &createReview, &sameBranch, &skipLearnings,
		&branch, &logFile, &reportFile, &output, &sid, &prNumber, &model, &provider,
		&hasCommits, &mergeStatus, &reason,
		&duration, &turnsReported, &turnsComputed, &cost, &inTokens, &outTokens,
		&files, &added, &removed,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = types.TaskStatus(status)
	t.Type = types.TaskType(taskType)
	t.TaskID = strPtr(taskID)
	t.TypeHint = strPtr(typeHint)
	t.BasedOn = int64Ptr(basedOn)
	t.DependsOn = int64Ptr(dependsOn)
	t.Group = strPtr(group)
	t.Spec = strPtr(spec)
	t.CreateReview = createReview.Valid && createReview.Int64 != 0
	t.SameBranch = sameBranch.Valid && sameBranch.Int64 != 0
	t.SkipLearnings = skipLearnings.Valid && skipLearnings.Int64 != 0
	t.Branch = strPtr(branch)
	t.LogFile = strPtr(logFile)
	t.ReportFile = strPtr(reportFile)
	t.OutputContent = strPtr(output)
	t.SessionID = strPtr(sid)
	t.PRNumber = intPtr(prNumber)
	t.Model = strPtr(model)
	t.Provider = strPtr(provider)
	if hasCommits.Valid {
		t.HasCommits = types.Ptr(hasCommits.Int64 != 0)
	}
	if mergeStatus.Valid {
		t.MergeStatus = types.MergeStatus(mergeStatus.String)
	}
	if reason.Valid {
		fr, _ := types.ParseFailureReason(reason.String)
		t.FailureReason = &fr
	}
	if duration.Valid {
		t.Stats.DurationSeconds = types.Ptr(duration.Float64)
	}
	if cost.Valid {
		t.Stats.CostUSD = types.Ptr(cost.Float64)
	}
	t.Stats.NumTurnsReported = intPtr(turnsReported)
	t.Stats.NumTurnsComputed = intPtr(turnsComputed)
	t.Stats.InputTokens = intPtr(inTokens)
	t.Stats.OutputTokens = intPtr(outTokens)
	if files.Valid || added.Valid || removed.Valid {
		t.Diff = &types.DiffStats{
			FilesChanged: int(files.Int64),
			LinesAdded:   int(added.Int64),
			LinesRemoved: int(removed.Int64),
		}
	}
	t.CreatedAt = time.Unix(createdAt.Int64, 0)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	defer rows.Close()
	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableBool(p *bool) any {
	if p == nil {
		return nil
	}
	return boolInt(*p)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	v := time.Unix(n.Int64, 0)
	return &v
}
