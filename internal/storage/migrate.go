package storage

import (
	"fmt"
	"sync"
)

// schemaVersion is the schema the current code expects. The database
// records its own version in PRAGMA user_version so migrations apply
// exactly once per database file.
const schemaVersion = 2

// migrateMu serializes the one-time init+migration sequence across
// goroutines. Every other operation relies on SQLite's own locking.
var migrateMu sync.Mutex

type migration struct {
	version int
	apply   func(s *Storage) error
}

var migrations = []migration{
	{version: 1, apply: migrateV1},
	{version: 2, apply: migrateV2},
}

// migrate applies pending migrations in order. Each step is
// idempotent (IF NOT EXISTS everywhere) so a crash between applying a
// step and bumping user_version is harmless.
func (s *Storage) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	var current int
	if err := s.db.Raw("PRAGMA user_version").Scan(&current).Error; err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(s); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.version, err)
		}
		// PRAGMA does not accept bound parameters.
		if err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)).Error; err != nil {
			return fmt.Errorf("failed to bump schema version to %d: %w", m.version, err)
		}
	}
	return nil
}

// migrateV1 creates the base task table and its lookup indexes.
func migrateV1(s *Storage) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			original_filename TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL,
			progress INTEGER DEFAULT 0,
			message TEXT,
			file_hash TEXT,
			result_path TEXT,
			s3_url TEXT,
			downloaded INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_downloaded ON tasks(downloaded)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_file_hash ON tasks(file_hash)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds the claim columns, the partial indexes backing
// ClaimNext and the reaper, and rewrites the legacy "pending" status.
func migrateV2(s *Storage) error {
	for _, col := range []struct{ name, ddl string }{
		{"worker_id", `ALTER TABLE tasks ADD COLUMN worker_id TEXT`},
		{"processing_started", `ALTER TABLE tasks ADD COLUMN processing_started REAL`},
	} {
		has, err := s.hasColumn("tasks", col.name)
		if err != nil {
			return err
		}
		if !has {
			if err := s.db.Exec(col.ddl).Error; err != nil {
				return err
			}
		}
	}

	stmts := []string{
		// Hot path of ClaimNext: the queue head scan.
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue_head
			ON tasks(status, created_at) WHERE status = 'queued'`,
		// Reaper scan over in-flight claims.
		`CREATE INDEX IF NOT EXISTS idx_tasks_inflight
			ON tasks(status, processing_started) WHERE status = 'processing'`,
		`UPDATE tasks SET status = 'queued' WHERE status = 'pending'`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) hasColumn(table, column string) (bool, error) {
	var count int
	err := s.db.Raw(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count).Error
	return count > 0, err
}
