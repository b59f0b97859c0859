// Package engine is the durable task queue core: the enqueue service,
// the workers that drain the queue, and the supervising pool with its
// stale-claim reaper. All cross-worker communication goes through the
// task store; workers never share in-memory task state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"papermill/internal/config"
	"papermill/internal/convert"
	"papermill/internal/files"
	"papermill/internal/metrics"
	"papermill/internal/storage"
)

// ErrNotReady is returned by GetResult while a task has not completed.
var ErrNotReady = errors.New("task not completed yet")

// ErrBadArchive is returned when a ZIP upload does not contain exactly
// one supported document at its root.
var ErrBadArchive = errors.New("archive must contain exactly one supported document at its root")

// Result is what GetResult hands to the download adapter.
type Result struct {
	LocalPath string
	URL       string
}

// Service is the core consumed by the HTTP adapter: enqueue, status,
// result and cleanup. Workers are driven separately by the Pool.
type Service struct {
	store   *storage.Storage
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	cleanups sync.WaitGroup
}

func NewService(store *storage.Storage, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, cfg: cfg, logger: logger, metrics: m}
}

// EnqueueTask streams an upload to the staging area, hashing while
// writing and enforcing the size ceiling, consults the content-hash
// cache, unwraps single-document ZIP archives, and inserts a queued
// task on a cache miss. On a cache hit the existing completed task is
// returned and no row is created.
func (s *Service) EnqueueTask(ctx context.Context, filename string, src io.Reader) (*storage.Task, error) {
	ext := files.Ext(filename)
	if ext != "zip" && !convert.IsSupported(ext) {
		return nil, fmt.Errorf("%w: .%s", convert.ErrUnsupportedFormat, ext)
	}

	taskID := uuid.NewString()
	taskDir := filepath.Join(s.cfg.UploadDir, taskID)
	safeName := files.SanitizeFilename(filename)
	stagedPath := filepath.Join(taskDir, safeName)

	size, hash, err := files.WriteLimited(stagedPath, src, s.cfg.MaxFileSize)
	if err != nil {
		os.RemoveAll(taskDir)
		return nil, err
	}
	s.logger.Info("upload staged", "task", taskID, "bytes", size, "hash", hash[:8])

	if cached := s.cacheLookup(hash); cached != nil {
		s.logger.Info("cache hit at enqueue", "task", cached.ID, "hash", hash[:8])
		s.metrics.CacheHits.Inc()
		os.RemoveAll(taskDir)
		return cached, nil
	}

	originalFilename := filename
	if ext == "zip" {
		originalFilename, hash, err = s.unwrapArchive(taskDir, stagedPath)
		if err != nil {
			os.RemoveAll(taskDir)
			return nil, err
		}
		if cached := s.cacheLookup(hash); cached != nil {
			s.logger.Info("cache hit for unwrapped document", "task", cached.ID, "hash", hash[:8])
			s.metrics.CacheHits.Inc()
			os.RemoveAll(taskDir)
			return cached, nil
		}
	}

	task := &storage.Task{
		ID:               taskID,
		OriginalFilename: originalFilename,
		Message:          "file accepted and queued",
		FileHash:         hash,
	}
	if err := s.store.CreateTask(task); err != nil {
		os.RemoveAll(taskDir)
		return nil, err
	}
	s.metrics.TasksEnqueued.Inc()
	return task, nil
}

// cacheLookup returns a completed task for hash whose artifact still
// exists on disk, or nil. The cache is a query pattern over the
// store, not a separate structure; cleanup may have removed the
// artifact since, so the file is stat'ed every time.
func (s *Service) cacheLookup(hash string) *storage.Task {
	cached, err := s.store.GetTaskByHash(hash)
	if err != nil {
		return nil
	}
	if cached.ResultPath == "" {
		return nil
	}
	if _, err := os.Stat(cached.ResultPath); err != nil {
		return nil
	}
	return cached
}

// unwrapArchive replaces a single-document ZIP with the document it
// contains. Zero or multiple root-level documents reject the upload.
func (s *Service) unwrapArchive(taskDir, zipPath string) (string, string, error) {
	docs, err := files.ArchiveDocuments(zipPath, convert.IsSupported)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	if len(docs) != 1 {
		return "", "", fmt.Errorf("%w: found %d", ErrBadArchive, len(docs))
	}

	docName := filepath.Base(docs[0])
	destPath := filepath.Join(taskDir, files.SanitizeFilename(docName))
	_, hash, err := files.ExtractArchiveFile(zipPath, docs[0], destPath)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	os.Remove(zipPath)

	s.logger.Info("unwrapped archive", "document", docName)
	return docName, hash, nil
}

// GetTask returns a task snapshot or storage.ErrNotFound.
func (s *Service) GetTask(id string) (*storage.Task, error) {
	return s.store.GetTask(id)
}

// GetResult returns the artifact location for a completed task.
func (s *Service) GetResult(id string) (*Result, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status != storage.StatusCompleted {
		return nil, ErrNotReady
	}
	return &Result{LocalPath: task.ResultPath, URL: task.S3URL}, nil
}

// ListPending returns tasks not yet downloaded, newest first.
func (s *Service) ListPending() ([]storage.Task, error) {
	return s.store.ListPending()
}

// Stats returns the queue aggregate snapshot.
func (s *Service) Stats() (*storage.QueueStats, error) {
	return s.store.Stats()
}

// FinishDownload marks the task downloaded and, after a short grace
// period for the response to flush, removes its files and row. The
// deferred removal is tracked so Wait can drain it before the store
// closes.
func (s *Service) FinishDownload(id string) {
	if err := s.store.UpdateTask(id, map[string]interface{}{"downloaded": true}); err != nil {
		s.logger.Error("failed to mark task downloaded", "task", id, "error", err)
		return
	}

	s.cleanups.Add(1)
	go func() {
		defer s.cleanups.Done()
		time.Sleep(2 * time.Second)
		if err := files.CleanupTaskFiles(id, s.cfg.UploadDir, s.cfg.ResultsDir); err != nil {
			s.logger.Error("failed to remove task files", "task", id, "error", err)
		}
		if err := s.store.DeleteTask(id); err != nil {
			s.logger.Error("failed to delete task row", "task", id, "error", err)
			return
		}
		s.logger.Info("cleaned up downloaded task", "task", id)
	}()
}

// Wait blocks until all pending download cleanups have run. Called at
// shutdown, after the HTTP server stops accepting requests and before
// the store closes.
func (s *Service) Wait() {
	s.cleanups.Wait()
}

// CleanupOldTasks removes tasks older than the retention cutoff along
// with their artifacts, returning the number of rows deleted.
func (s *Service) CleanupOldTasks() (int, error) {
	entries, err := s.store.CleanupOlderThan(s.cfg.CleanupDays)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.ResultPath != "" {
			os.Remove(e.ResultPath)
		}
		files.CleanupTaskFiles(e.ID, s.cfg.UploadDir, s.cfg.ResultsDir)
	}
	if len(entries) > 0 {
		s.logger.Info("retention cleanup", "removed", len(entries), "cutoff_days", s.cfg.CleanupDays)
	}
	return len(entries), nil
}
