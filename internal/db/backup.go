package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// BackupHourly writes a snapshot of the database to dir as gza-YYYYMMDDHH.db
// unless one for the current hour already exists. It returns the backup path
// and whether a new snapshot was written.
func (s *Store) BackupHourly(ctx context.Context, dir string, now time.Time) (string, bool, error) {
	path := filepath.Join(dir, fmt.Sprintf("gza-%s.db", now.Format("2006010215")))
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("creating backup directory: %w", err)
	}

	// VACUUM INTO takes a consistent snapshot while other connections write
	if _, err := s.DB.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", false, fmt.Errorf("backing up database: %w", err)
	}
	s.logger.Debug("database backed up", zap.String("path", path))
	return path, true, nil
}
