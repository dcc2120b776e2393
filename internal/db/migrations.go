package db

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// migration is one forward step of the schema. Statements must be safe to
// re-apply: an ALTER that hits an existing column is skipped.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			task_type TEXT NOT NULL DEFAULT 'task',
			task_id TEXT,
			branch TEXT,
			log_file TEXT,
			report_file TEXT,
			based_on INTEGER REFERENCES tasks(id),
			has_commits INTEGER,
			duration_seconds REAL,
			cost_usd REAL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_task_id ON tasks(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
	}},
	{2, []string{
		`ALTER TABLE tasks ADD COLUMN task_group TEXT`,
		`ALTER TABLE tasks ADD COLUMN depends_on INTEGER REFERENCES tasks(id)`,
		`ALTER TABLE tasks ADD COLUMN spec TEXT`,
		`ALTER TABLE tasks ADD COLUMN create_review INTEGER DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(task_group)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_depends_on ON tasks(depends_on)`,
	}},
	{3, []string{
		`ALTER TABLE tasks ADD COLUMN same_branch INTEGER DEFAULT 0`,
	}},
	{4, []string{
		`ALTER TABLE tasks ADD COLUMN task_type_hint TEXT`,
		`ALTER TABLE tasks ADD COLUMN output_content TEXT`,
	}},
	{5, []string{
		`ALTER TABLE tasks ADD COLUMN session_id TEXT`,
	}},
	{6, []string{
		`ALTER TABLE tasks ADD COLUMN pr_number INTEGER`,
	}},
	{7, []string{
		`ALTER TABLE tasks ADD COLUMN model TEXT`,
		`ALTER TABLE tasks ADD COLUMN provider TEXT`,
	}},
	{8, []string{
		`ALTER TABLE tasks ADD COLUMN num_turns_reported INTEGER`,
		`ALTER TABLE tasks ADD COLUMN num_turns_computed INTEGER`,
	}},
	{9, []string{
		`ALTER TABLE tasks ADD COLUMN input_tokens INTEGER`,
		`ALTER TABLE tasks ADD COLUMN output_tokens INTEGER`,
	}},
	{10, []string{
		`ALTER TABLE tasks ADD COLUMN merge_status TEXT`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_merge_status ON tasks(merge_status)`,
		// Branches that already had commits before merge tracking existed
		`UPDATE tasks SET merge_status = 'unmerged'
		 WHERE status = 'completed' AND has_commits = 1 AND merge_status IS NULL`,
	}},
	{11, []string{
		`ALTER TABLE tasks ADD COLUMN failure_reason TEXT`,
		`UPDATE tasks SET failure_reason = 'UNKNOWN' WHERE status = 'failed' AND failure_reason IS NULL`,
	}},
	{12, []string{
		`ALTER TABLE tasks ADD COLUMN skip_learnings INTEGER DEFAULT 0`,
	}},
	{13, []string{
		`ALTER TABLE tasks ADD COLUMN diff_files_changed INTEGER`,
		`ALTER TABLE tasks ADD COLUMN diff_lines_added INTEGER`,
		`ALTER TABLE tasks ADD COLUMN diff_lines_removed INTEGER`,
		`ALTER TABLE tasks ADD COLUMN review_cleared_at INTEGER`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			task_id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			branch TEXT,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status)`,
	}},
}

// LatestSchemaVersion is the version a freshly migrated database reports
var LatestSchemaVersion = migrations[len(migrations)-1].version

// SchemaVersion returns the highest applied migration, or 0 for an empty database
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// Migrate applies every migration newer than the recorded schema version.
// It is safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				if isAlreadyApplied(err) {
					continue
				}
				return fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if _, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		s.logger.Debug("applied schema migration", zap.Int("version", m.version))
	}
	return nil
}

func isAlreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists")
}
