package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by lookups when no task matches.
var ErrNotFound = errors.New("task not found")

// ErrDuplicateID is returned by CreateTask when the id already exists.
var ErrDuplicateID = errors.New("duplicate task id")

const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

// updatableColumns is the whitelist for UpdateTask. Field names that
// are not listed here are silently dropped, so callers can never
// smuggle a column name into the statement.
var updatableColumns = map[string]struct{}{
	"status":             {},
	"message":            {},
	"progress":           {},
	"result_path":        {},
	"s3_url":             {},
	"downloaded":         {},
	"worker_id":          {},
	"processing_started": {},
	"file_hash":          {},
}

// Storage handles all database operations using SQLite
type Storage struct {
	db *gorm.DB
}

// Open initializes the SQLite database at path. The pragmas are part
// of the DSN so every pooled connection gets WAL mode, a 10 s busy
// timeout and synchronous=NORMAL, and the schema migrations run once.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// Init ensures the schema exists and is at the current version.
// Safe to call more than once.
func (s *Storage) Init() error {
	return s.migrate()
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// Now returns the wall clock as fractional Unix seconds, the unit all
// task timestamps use.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// isBusy recognizes the transient SQLite contention error class.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

// withRetry runs op, retrying on lock contention with exponential
// backoff (100ms, 200ms) before surfacing the error.
func (s *Storage) withRetry(op func() error) error {
	backoff := busyBackoff
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = op()
		if !isBusy(err) {
			return err
		}
		if attempt < busyRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// CreateTask inserts a new task in the queued state.
func (s *Storage) CreateTask(task *Task) error {
	now := Now()
	task.Status = StatusQueued
	task.CreatedAt = now
	task.UpdatedAt = now
	task.WorkerID = nil
	task.ProcessingStarted = nil

	return s.withRetry(func() error {
		err := s.db.Create(task).Error
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, task.ID)
		}
		return err
	})
}

// GetTask retrieves a snapshot of a task by id.
func (s *Storage) GetTask(id string) (*Task, error) {
	var task Task
	err := s.db.First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTaskByHash returns the most recent completed task with a matching
// content hash, or ErrNotFound. The artifact may have been cleaned up
// since; callers must stat result_path and treat a missing file as a
// cache miss.
func (s *Storage) GetTaskByHash(hash string) (*Task, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	var task Task
	err := s.db.
		Where("file_hash = ? AND status = ?", hash, StatusCompleted).
		Order("created_at desc").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies a whitelisted partial update and bumps
// updated_at. Unknown field names are dropped, all values are bound
// parameters. The update is a single committed transaction.
func (s *Storage) UpdateTask(id string, fields map[string]interface{}) error {
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		if _, ok := updatableColumns[k]; ok {
			updates[k] = v
		}
	}
	updates["updated_at"] = Now()

	return s.withRetry(func() error {
		res := s.db.Model(&Task{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const claimSQL = `
UPDATE tasks
SET status = ?, worker_id = ?, processing_started = ?, updated_at = ?
WHERE id = (
    SELECT id FROM tasks
    WHERE status = ?
    ORDER BY created_at ASC, id ASC
    LIMIT 1
)
RETURNING *`

// ClaimNext atomically claims the oldest queued task for workerID and
// returns the updated record, or (nil, nil) when the queue is empty.
// The claim is a single UPDATE against the queue head, so two
// concurrent claimants racing for the same task can never both win:
// the loser's subselect no longer matches and it either claims the
// next task or gets nothing.
func (s *Storage) ClaimNext(workerID string) (*Task, error) {
	var task Task
	now := Now()
	err := s.withRetry(func() error {
		task = Task{}
		return s.db.Raw(claimSQL,
			StatusProcessing, workerID, now, now,
			StatusQueued,
		).Scan(&task).Error
	})
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

// ReleaseStale returns every processing task whose claim is older than
// timeout to the queue, clearing the worker fields and the stale
// attempt's progress. A zero timeout
// releases all currently processing tasks. Returns the number of rows
// affected.
func (s *Storage) ReleaseStale(timeout time.Duration) (int64, error) {
	cutoff := Now() - timeout.Seconds()
	var affected int64
	err := s.withRetry(func() error {
		res := s.db.Model(&Task{}).
			Where("status = ? AND processing_started IS NOT NULL AND processing_started < ?",
				StatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":             StatusQueued,
				"progress":           0,
				"worker_id":          nil,
				"processing_started": nil,
				"message":            fmt.Sprintf("requeued: claim exceeded %s timeout", timeout),
				"updated_at":         Now(),
			})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// ResetStartup fails every task left in processing by a previous
// process instance. Called once before workers start; anything still
// claimed at that point is an orphan.
func (s *Storage) ResetStartup() (int64, error) {
	var affected int64
	err := s.withRetry(func() error {
		res := s.db.Model(&Task{}).
			Where("status = ?", StatusProcessing).
			Updates(map[string]interface{}{
				"status":             StatusFailed,
				"worker_id":          nil,
				"processing_started": nil,
				"progress":           0,
				"message":            "server restarted while task was processing",
				"updated_at":         Now(),
			})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// DeleteTask removes a task row.
func (s *Storage) DeleteTask(id string) error {
	return s.withRetry(func() error {
		return s.db.Delete(&Task{}, "id = ?", id).Error
	})
}

// ListPending returns tasks that have not failed and have not been
// downloaded yet, newest first.
func (s *Storage) ListPending() ([]Task, error) {
	var tasks []Task
	err := s.db.
		Where("status != ? AND downloaded = ?", StatusFailed, false).
		Order("created_at desc").
		Find(&tasks).Error
	return tasks, err
}

// CleanupOlderThan deletes every task older than the cutoff and
// returns (id, result_path) pairs so the caller can unlink artifacts.
func (s *Storage) CleanupOlderThan(days int) ([]CleanupEntry, error) {
	cutoff := Now() - float64(days)*24*3600

	var entries []CleanupEntry
	err := s.withRetry(func() error {
		entries = entries[:0]
		return s.db.Transaction(func(tx *gorm.DB) error {
			var old []Task
			if err := tx.Select("id", "result_path").
				Where("created_at < ?", cutoff).
				Find(&old).Error; err != nil {
				return err
			}
			for _, t := range old {
				entries = append(entries, CleanupEntry{ID: t.ID, ResultPath: t.ResultPath})
			}
			return tx.Where("created_at < ?", cutoff).Delete(&Task{}).Error
		})
	})
	return entries, err
}

const statsSQL = `
SELECT
    COUNT(*)                                                                  AS total,
    IFNULL(SUM(CASE WHEN status = 'queued'     THEN 1 ELSE 0 END), 0)         AS queued,
    IFNULL(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0)         AS processing,
    IFNULL(SUM(CASE WHEN status = 'completed'  THEN 1 ELSE 0 END), 0)         AS completed,
    IFNULL(SUM(CASE WHEN status = 'failed'     THEN 1 ELSE 0 END), 0)         AS failed,
    COUNT(DISTINCT CASE WHEN status = 'processing' THEN worker_id END)        AS active_workers,
    IFNULL(SUM(CASE WHEN status = 'completed' AND updated_at > ? THEN 1 ELSE 0 END), 0) AS completed_last_hour,
    IFNULL(AVG(CASE WHEN status = 'completed' AND updated_at > ?
               THEN updated_at - created_at END), 0)                  AS avg_duration_seconds
FROM tasks`

// Stats returns a consistent aggregate snapshot of the queue.
func (s *Storage) Stats() (*QueueStats, error) {
	hourAgo := Now() - 3600
	var stats QueueStats
	err := s.db.Raw(statsSQL, hourAgo, hourAgo).Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
