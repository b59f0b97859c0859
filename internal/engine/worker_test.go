package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papermill/internal/convert"
	"papermill/internal/publish"
	"papermill/internal/storage"
)

// fakeConverter writes a canned document.md, or fails on demand.
type fakeConverter struct {
	calls atomic.Int64
	err   error
	delay time.Duration
}

func (f *fakeConverter) Convert(ctx context.Context, inputPath, outputDir string) (string, string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return "", "", f.err
	}
	mdPath := filepath.Join(outputDir, "document.md")
	if err := os.WriteFile(mdPath, []byte("# converted\n"), 0644); err != nil {
		return "", "", err
	}
	return mdPath, "", nil
}

// fakePublisher records uploads and hands back a canned URL.
type fakePublisher struct {
	url   string
	err   error
	calls atomic.Int64
}

func (f *fakePublisher) Publish(ctx context.Context, artifactPath, originalFilename, taskID string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func newTestWorker(env *testEnv, fc *fakeConverter, pub *fakePublisher) *Worker {
	dispatch := convert.NewDispatcher(fc, fc)
	// A typed nil pointer must not end up inside the interface; the
	// worker treats a nil publisher as "publishing disabled".
	var p publish.ResultPublisher
	if pub != nil {
		p = pub
	}
	return NewWorker("worker_1", env.store, env.cfg, dispatch, p, env.metrics, env.logger)
}

func claim(t *testing.T, env *testEnv, workerID string) *storage.Task {
	t.Helper()
	task, err := env.store.ClaimNext(workerID)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestWorkerProcessCompletes(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{}
	w := newTestWorker(env, fc, nil)

	task := env.enqueue(t, "report.pdf", "pdf bytes")
	claimed := claim(t, env, "worker_1")
	require.Equal(t, task.ID, claimed.ID)

	w.process(context.Background(), claimed)

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, "conversion completed", got.Message)
	require.Nil(t, got.WorkerID)
	require.Nil(t, got.ProcessingStarted)
	require.Empty(t, got.S3URL)

	require.Equal(t, filepath.Base(got.ResultPath), "report_pdf_result.zip")
	_, err = os.Stat(got.ResultPath)
	require.NoError(t, err)
	require.Equal(t, int64(1), fc.calls.Load())
}

func TestWorkerProcessFailure(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{err: errors.New("engine exploded")}
	w := newTestWorker(env, fc, nil)

	task := env.enqueue(t, "report.pdf", "pdf bytes")
	w.process(context.Background(), claim(t, env, "worker_1"))

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, got.Status)
	require.Equal(t, 0, got.Progress)
	require.Contains(t, got.Message, "engine exploded")
	require.Nil(t, got.WorkerID)
	require.Nil(t, got.ProcessingStarted)

	// No partial artifact may survive a failure.
	matches, err := filepath.Glob(filepath.Join(env.cfg.ResultsDir, task.ID, "*_result.zip"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestWorkerProcessMissingInput(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{}
	w := newTestWorker(env, fc, nil)

	task := env.enqueue(t, "report.pdf", "pdf bytes")
	require.NoError(t, os.RemoveAll(filepath.Join(env.cfg.UploadDir, task.ID)))

	w.process(context.Background(), claim(t, env, "worker_1"))

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, got.Status)
	require.Contains(t, got.Message, "input file missing")
	require.Equal(t, int64(0), fc.calls.Load())
}

func TestWorkerUsesCachedResult(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{}
	w := newTestWorker(env, fc, nil)

	cached := env.enqueue(t, "report.pdf", "identical bytes")
	artifact := env.completeWithArtifact(t, cached)

	// Same content, new row. Bypass the enqueue-time cache by creating
	// the row directly, as if the sibling completed after enqueue.
	dup := &storage.Task{
		ID:               "dup-task",
		OriginalFilename: "renamed.pdf",
		FileHash:         cached.FileHash,
	}
	require.NoError(t, env.store.CreateTask(dup))

	w.process(context.Background(), claim(t, env, "worker_1"))

	got, err := env.store.GetTask("dup-task")
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, got.Status)
	require.Equal(t, "used cached result", got.Message)
	require.Equal(t, artifact, got.ResultPath)
	require.Equal(t, int64(0), fc.calls.Load())
}

func TestWorkerCacheMissWhenArtifactGone(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{}
	w := newTestWorker(env, fc, nil)

	cached := env.enqueue(t, "report.pdf", "identical bytes")
	artifact := env.completeWithArtifact(t, cached)
	require.NoError(t, os.Remove(artifact))

	dup := env.enqueue(t, "renamed.pdf", "identical bytes")
	w.process(context.Background(), claim(t, env, "worker_1"))

	got, err := env.store.GetTask(dup.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, got.Status)
	require.Equal(t, "conversion completed", got.Message)
	require.Equal(t, int64(1), fc.calls.Load())
}

func TestWorkerPublishesResult(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{}
	pub := &fakePublisher{url: "https://cdn.example.com/results/report_pdf_result.zip"}
	w := newTestWorker(env, fc, pub)

	task := env.enqueue(t, "report.pdf", "pdf bytes")
	w.process(context.Background(), claim(t, env, "worker_1"))

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, got.Status)
	require.Equal(t, pub.url, got.S3URL)
	require.Equal(t, int64(1), pub.calls.Load())
}

func TestWorkerPublishFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{}
	pub := &fakePublisher{err: errors.New("bucket unreachable")}
	w := newTestWorker(env, fc, pub)

	task := env.enqueue(t, "report.pdf", "pdf bytes")
	w.process(context.Background(), claim(t, env, "worker_1"))

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, got.Status)
	require.Equal(t, "conversion completed (publish failed)", got.Message)
	require.Empty(t, got.S3URL)
	_, err = os.Stat(got.ResultPath)
	require.NoError(t, err)
}

func TestWorkerRelease(t *testing.T) {
	env := newTestEnv(t)
	w := newTestWorker(env, &fakeConverter{}, nil)

	task := env.enqueue(t, "report.pdf", "pdf bytes")
	claim(t, env, "worker_1")

	w.release(task.ID)

	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusQueued, got.Status)
	require.Nil(t, got.WorkerID)
	require.Nil(t, got.ProcessingStarted)
}

func TestWorkerShutdownReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{delay: 5 * time.Second}
	w := newTestWorker(env, fc, nil)

	task := env.enqueue(t, "report.pdf", "pdf bytes")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(task.ID)
		return err == nil && got.Status == storage.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	// Cancellation mid-conversion must never fail the task; the claim
	// goes back to the queue for the next process.
	got, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusQueued, got.Status)
	require.Equal(t, 0, got.Progress)
	require.Nil(t, got.WorkerID)
	require.Nil(t, got.ProcessingStarted)

	// And it is claimable again.
	reclaimed, err := env.store.ClaimNext("worker_2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, task.ID, reclaimed.ID)
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	env := newTestEnv(t)
	fc := &fakeConverter{}
	w := newTestWorker(env, fc, nil)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = env.enqueue(t, "report.pdf", string(rune('a'+i))+" unique bytes").ID
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			got, err := env.store.GetTask(id)
			if err != nil || got.Status != storage.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
