package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"papermill/internal/config"
	"papermill/internal/convert"
	"papermill/internal/files"
	"papermill/internal/metrics"
	"papermill/internal/publish"
	"papermill/internal/storage"
)

// Worker is a long-lived agent that claims one task at a time and
// runs it end to end: cache check, convert, package, publish, persist.
// A worker holds at most one claim; every error after a successful
// claim must end in a persisted terminal state before the worker goes
// back to idle.
type Worker struct {
	id        string
	store     *storage.Storage
	cfg       config.Config
	dispatch  *convert.Dispatcher
	publisher publish.ResultPublisher // nil when publishing is disabled
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewWorker(id string, store *storage.Storage, cfg config.Config, dispatch *convert.Dispatcher, pub publish.ResultPublisher, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		id:        id,
		store:     store,
		cfg:       cfg,
		dispatch:  dispatch,
		publisher: pub,
		metrics:   m,
		logger:    logger.With("worker", id),
	}
}

// Run drains the queue until ctx is cancelled. An empty queue is
// polled at the configured interval; the worker never busy-spins.
// A claim taken just as cancellation lands is returned to the queue
// so a sibling (or the next process) can pick it up.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		default:
		}

		task, err := w.store.ClaimNext(w.id)
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		if task == nil {
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		if ctx.Err() != nil {
			// Shutting down: hand the claim back untouched.
			w.release(task.ID)
			w.logger.Info("worker stopped, claim released", "task", task.ID)
			return
		}

		w.process(ctx, task)
	}
}

// sleep waits one poll interval; returns false when ctx ended first.
func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// release returns a claimed task to the queue, clearing the worker
// fields.
func (w *Worker) release(taskID string) {
	err := w.store.UpdateTask(taskID, map[string]interface{}{
		"status":             storage.StatusQueued,
		"progress":           0,
		"worker_id":          nil,
		"processing_started": nil,
		"message":            "released on worker shutdown",
	})
	if err != nil {
		w.logger.Error("failed to release claim", "task", taskID, "error", err)
	}
}

// process runs one claimed task to a terminal state or back to the
// queue. An engine run that already started is never killed by
// shutdown (the converters detach their subprocess contexts and
// enforce their own wall-clock timeouts); a step aborted because the
// pool is stopping returns the claim to the queue instead of failing
// the task.
func (w *Worker) process(ctx context.Context, task *storage.Task) {
	w.logger.Info("processing task", "task", task.ID, "filename", task.OriginalFilename)
	started := time.Now()

	// A sibling may have completed identical content between this
	// task's enqueue and its claim.
	if task.FileHash != "" && w.completeFromCache(task) {
		return
	}

	inputPath := filepath.Join(w.cfg.UploadDir, task.ID, files.SanitizeFilename(task.OriginalFilename))
	if _, err := os.Stat(inputPath); err != nil {
		w.fail(task.ID, fmt.Errorf("input file missing: %w", err))
		return
	}

	// Older enqueue paths may not have hashed the upload.
	if task.FileHash == "" {
		hash, err := files.HashFile(inputPath)
		if err != nil {
			w.fail(task.ID, fmt.Errorf("hashing input: %w", err))
			return
		}
		task.FileHash = hash
		if err := w.store.UpdateTask(task.ID, map[string]interface{}{"file_hash": hash}); err != nil {
			w.fail(task.ID, err)
			return
		}
	}

	resultDir := filepath.Join(w.cfg.ResultsDir, task.ID)
	if err := os.MkdirAll(resultDir, 0755); err != nil {
		w.fail(task.ID, err)
		return
	}

	converter, err := w.dispatch.For(files.Ext(task.OriginalFilename))
	if err != nil {
		w.fail(task.ID, err)
		return
	}

	if err := w.progress(task.ID, 30, "conversion started"); err != nil {
		w.fail(task.ID, err)
		return
	}

	markdownPath, imagesDir, err := converter.Convert(ctx, inputPath, resultDir)
	if err != nil {
		// A conversion aborted by shutdown is not a task failure; hand
		// the claim back so the next process picks the task up.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			w.release(task.ID)
			w.logger.Info("shutdown during conversion, claim released", "task", task.ID)
			return
		}
		w.fail(task.ID, err)
		return
	}

	if err := w.progress(task.ID, 70, "packaging result"); err != nil {
		w.fail(task.ID, err)
		return
	}

	zipPath := filepath.Join(resultDir, files.ResultZipName(task.OriginalFilename))
	zipPath, err = files.CreateResultZip(markdownPath, imagesDir, zipPath)
	if err != nil {
		w.fail(task.ID, err)
		return
	}

	// Publish failure is non-fatal; the local artifact stays
	// authoritative.
	s3URL := ""
	message := "conversion completed"
	if w.publisher != nil {
		// The artifact exists at this point; a shutdown must not abort
		// the upload halfway through.
		url, pubErr := w.publisher.Publish(context.WithoutCancel(ctx), zipPath, task.OriginalFilename, task.ID)
		if pubErr != nil {
			w.logger.Warn("publish failed, keeping local result", "task", task.ID, "error", pubErr)
			message = "conversion completed (publish failed)"
		} else if url != "" {
			s3URL = url
		}
	}

	err = w.store.UpdateTask(task.ID, map[string]interface{}{
		"status":             storage.StatusCompleted,
		"progress":           100,
		"result_path":        zipPath,
		"s3_url":             s3URL,
		"message":            message,
		"worker_id":          nil,
		"processing_started": nil,
	})
	if err != nil {
		// The artifact exists but the success never committed; a
		// half-done row must not leak out of the worker.
		os.Remove(zipPath)
		w.fail(task.ID, err)
		return
	}

	w.metrics.TasksCompleted.Inc()
	w.metrics.ConvertSeconds.Observe(time.Since(started).Seconds())
	w.logger.Info("task completed", "task", task.ID, "duration", time.Since(started))
}

// completeFromCache finishes the claim against a cached artifact.
// Returns false on a miss (including a stale hit whose file is gone).
func (w *Worker) completeFromCache(task *storage.Task) bool {
	cached, err := w.store.GetTaskByHash(task.FileHash)
	if err != nil || cached.ID == task.ID || cached.ResultPath == "" {
		return false
	}
	if _, err := os.Stat(cached.ResultPath); err != nil {
		return false
	}

	err = w.store.UpdateTask(task.ID, map[string]interface{}{
		"status":             storage.StatusCompleted,
		"progress":           100,
		"result_path":        cached.ResultPath,
		"s3_url":             cached.S3URL,
		"message":            "used cached result",
		"worker_id":          nil,
		"processing_started": nil,
	})
	if err != nil {
		w.fail(task.ID, err)
		return true
	}
	w.metrics.CacheHits.Inc()
	w.metrics.TasksCompleted.Inc()
	w.logger.Info("used cached result", "task", task.ID, "source", cached.ID)
	return true
}

// progress persists a coarse milestone. Milestones only move forward
// within a task (30, 70, 100).
func (w *Worker) progress(taskID string, pct int, msg string) error {
	return w.store.UpdateTask(taskID, map[string]interface{}{
		"progress": pct,
		"message":  msg,
	})
}

// fail records a terminal failure and removes any partial artifact.
func (w *Worker) fail(taskID string, cause error) {
	w.logger.Error("task failed", "task", taskID, "error", cause)

	zipGlob := filepath.Join(w.cfg.ResultsDir, taskID, "*_result.zip")
	if matches, err := filepath.Glob(zipGlob); err == nil {
		for _, m := range matches {
			os.Remove(m)
		}
	}

	err := w.store.UpdateTask(taskID, map[string]interface{}{
		"status":             storage.StatusFailed,
		"progress":           0,
		"message":            cause.Error(),
		"worker_id":          nil,
		"processing_started": nil,
	})
	if err != nil {
		w.logger.Error("failed to persist failure", "task", taskID, "error", err)
	}
	w.metrics.TasksFailed.Inc()
}
