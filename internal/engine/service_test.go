package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"papermill/internal/config"
	"papermill/internal/convert"
	"papermill/internal/files"
	"papermill/internal/metrics"
	"papermill/internal/storage"
)

type testEnv struct {
	store   *storage.Storage
	cfg     config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default(t.TempDir())
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StaleCheckInterval = 25 * time.Millisecond
	require.NoError(t, cfg.EnsureDirs())

	store, err := storage.Open(cfg.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testEnv{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		service: NewService(store, cfg, logger, m),
	}
}

func (e *testEnv) enqueue(t *testing.T, filename, content string) *storage.Task {
	t.Helper()
	task, err := e.service.EnqueueTask(context.Background(), filename, strings.NewReader(content))
	require.NoError(t, err)
	return task
}

// completeWithArtifact drives a task to completed with a real file on
// disk behind result_path.
func (e *testEnv) completeWithArtifact(t *testing.T, task *storage.Task) string {
	t.Helper()
	dir := filepath.Join(e.cfg.ResultsDir, task.ID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	artifact := filepath.Join(dir, files.ResultZipName(task.OriginalFilename))
	require.NoError(t, os.WriteFile(artifact, []byte("zip-bytes"), 0644))

	require.NoError(t, e.store.UpdateTask(task.ID, map[string]interface{}{
		"status":      storage.StatusCompleted,
		"progress":    100,
		"result_path": artifact,
		"message":     "conversion completed",
	}))
	return artifact
}

func buildUploadZip(t *testing.T, entries map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestEnqueueTask(t *testing.T) {
	env := newTestEnv(t)

	task := env.enqueue(t, "report.pdf", "pdf bytes")
	require.Equal(t, storage.StatusQueued, task.Status)
	require.Equal(t, "report.pdf", task.OriginalFilename)
	require.NotEmpty(t, task.FileHash)

	staged := filepath.Join(env.cfg.UploadDir, task.ID, "report.pdf")
	_, err := os.Stat(staged)
	require.NoError(t, err)

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, "file accepted and queued", got.Message)
}

func TestEnqueueTaskUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.EnqueueTask(context.Background(), "notes.txt", strings.NewReader("x"))
	require.ErrorIs(t, err, convert.ErrUnsupportedFormat)
}

func TestEnqueueTaskTooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.service.cfg.MaxFileSize = 4

	_, err := env.service.EnqueueTask(context.Background(), "big.pdf", strings.NewReader("five!"))
	require.ErrorIs(t, err, files.ErrTooLarge)

	// The staging directory must not survive a rejected upload.
	entries, err := os.ReadDir(env.cfg.UploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEnqueueTaskCacheHit(t *testing.T) {
	env := newTestEnv(t)

	first := env.enqueue(t, "report.pdf", "identical bytes")
	env.completeWithArtifact(t, first)

	second, err := env.service.EnqueueTask(context.Background(), "renamed.pdf", strings.NewReader("identical bytes"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, storage.StatusCompleted, second.Status)

	// No new row, no leftover staging directory.
	stats, err := env.store.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Total)

	entries, err := os.ReadDir(env.cfg.UploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1) // only the first task's staging dir
}

func TestEnqueueTaskCacheMissWhenArtifactGone(t *testing.T) {
	env := newTestEnv(t)

	first := env.enqueue(t, "report.pdf", "identical bytes")
	artifact := env.completeWithArtifact(t, first)
	require.NoError(t, os.Remove(artifact))

	second, err := env.service.EnqueueTask(context.Background(), "report.pdf", strings.NewReader("identical bytes"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, storage.StatusQueued, second.Status)
}

func TestEnqueueTaskUnwrapsArchive(t *testing.T) {
	env := newTestEnv(t)

	upload := buildUploadZip(t, map[string]string{
		"inner.docx": "doc body",
		"readme.txt": "ignored",
	})
	task, err := env.service.EnqueueTask(context.Background(), "bundle.zip", upload)
	require.NoError(t, err)
	require.Equal(t, "inner.docx", task.OriginalFilename)

	// The document replaces the archive in the staging directory.
	taskDir := filepath.Join(env.cfg.UploadDir, task.ID)
	_, err = os.Stat(filepath.Join(taskDir, "inner.docx"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(taskDir, "bundle.zip"))
	require.True(t, os.IsNotExist(err))
}

func TestEnqueueTaskRejectsBadArchives(t *testing.T) {
	env := newTestEnv(t)

	empty := buildUploadZip(t, map[string]string{"readme.txt": "no documents"})
	_, err := env.service.EnqueueTask(context.Background(), "empty.zip", empty)
	require.ErrorIs(t, err, ErrBadArchive)

	double := buildUploadZip(t, map[string]string{
		"a.docx": "one",
		"b.pdf":  "two",
	})
	_, err = env.service.EnqueueTask(context.Background(), "double.zip", double)
	require.ErrorIs(t, err, ErrBadArchive)

	garbage := strings.NewReader("not a zip at all")
	_, err = env.service.EnqueueTask(context.Background(), "garbage.zip", garbage)
	require.ErrorIs(t, err, ErrBadArchive)
}

func TestGetResult(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.GetResult("missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	task := env.enqueue(t, "report.pdf", "bytes")
	_, err = env.service.GetResult(task.ID)
	require.ErrorIs(t, err, ErrNotReady)

	artifact := env.completeWithArtifact(t, task)
	result, err := env.service.GetResult(task.ID)
	require.NoError(t, err)
	require.Equal(t, artifact, result.LocalPath)
	require.Empty(t, result.URL)
}

func TestFinishDownload(t *testing.T) {
	env := newTestEnv(t)

	task := env.enqueue(t, "report.pdf", "bytes")
	env.completeWithArtifact(t, task)

	env.service.FinishDownload(task.ID)

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.True(t, got.Downloaded)

	// Wait drains the deferred cleanup; afterwards the row and files
	// are gone.
	env.service.Wait()
	_, err = env.store.GetTask(task.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = os.Stat(filepath.Join(env.cfg.UploadDir, task.ID))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.cfg.ResultsDir, task.ID))
	require.True(t, os.IsNotExist(err))
}

func TestCleanupOldTasks(t *testing.T) {
	env := newTestEnv(t)
	env.service.cfg.CleanupDays = 0 // everything already created is past the cutoff

	task := env.enqueue(t, "report.pdf", "bytes")
	artifact := env.completeWithArtifact(t, task)

	removed, err := env.service.CleanupOldTasks()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = env.store.GetTask(task.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(artifact)
	require.True(t, os.IsNotExist(err))
}
