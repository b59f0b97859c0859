package convert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// officeSafeWarnings are stderr lines a headless office suite prints
// on successful conversions.
var officeSafeWarnings = []string{
	"failed to launch javaldx",
}

// BridgeConverter handles the two-stage formats (doc, docx, odt, rtf,
// xls): the office suite rasterizes to PDF, then the direct engine
// turns the PDF into markdown. The suite uses a shared per-user
// profile and tolerates only a couple of concurrent instances, so the
// office stage runs under a process-wide weighted semaphore owned by
// this converter and shared across all workers. The semaphore is
// released as soon as the office stage finishes, letting the markdown
// stage run concurrently across workers.
type BridgeConverter struct {
	officeBin string
	direct    *MarkerConverter
	sem       *semaphore.Weighted
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBridgeConverter builds the bridge engine. officeBin defaults to
// "libreoffice"; concurrency is the office-stage cap (typically 2).
func NewBridgeConverter(officeBin string, direct *MarkerConverter, concurrency int64, timeout time.Duration, logger *slog.Logger) *BridgeConverter {
	if officeBin == "" {
		officeBin = "libreoffice"
	}
	return &BridgeConverter{
		officeBin: officeBin,
		direct:    direct,
		sem:       semaphore.NewWeighted(concurrency),
		timeout:   timeout,
		logger:    logger,
	}
}

// OfficeSemaphore exposes the shared semaphore for instrumentation.
func (b *BridgeConverter) OfficeSemaphore() *semaphore.Weighted {
	return b.sem
}

// Convert converts via the intermediate PDF.
func (b *BridgeConverter) Convert(ctx context.Context, inputPath, outputDir string) (string, string, error) {
	tempDir, err := os.MkdirTemp("", "office-*")
	if err != nil {
		return "", "", err
	}
	defer os.RemoveAll(tempDir)

	pdfPath, err := b.toPDF(ctx, inputPath, tempDir)
	if err != nil {
		return "", "", err
	}

	return b.direct.Convert(ctx, pdfPath, outputDir)
}

// toPDF runs the office suite under the semaphore. The acquire is
// context-aware so a shutting-down pool never queues up new office
// work, and the release is deferred so a panic in the critical
// section cannot leak a slot. Once the slot is held the subprocess
// context is detached from caller cancellation: killing the suite
// mid-conversion risks corrupting its shared profile, so a started
// run finishes or hits its own timeout.
func (b *BridgeConverter) toPDF(ctx context.Context, inputPath, outDir string) (string, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer b.sem.Release(1)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.officeBin,
		"--headless", "--convert-to", "pdf",
		"--outdir", outDir, inputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	b.logger.Info("running office stage", "input", inputPath)
	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w: office stage after %s", ErrTimeout, b.timeout)
	}
	if runErr != nil {
		return "", fmt.Errorf("%w: office stage: %s", ErrFailed, strings.TrimSpace(stderr.String()))
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" && !isOfficeSafe(msg) {
		b.logger.Warn("office stderr (non-critical)", "output", msg)
	}

	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	pdfPath := filepath.Join(outDir, stem+".pdf")
	if _, err := os.Stat(pdfPath); err != nil {
		return "", fmt.Errorf("%w: office stage produced no PDF at %s", ErrFailed, pdfPath)
	}
	return pdfPath, nil
}

func isOfficeSafe(msg string) bool {
	lower := strings.ToLower(msg)
	for _, w := range officeSafeWarnings {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
