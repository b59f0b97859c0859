// Package convert dispatches documents to an external conversion
// engine by file extension and governs access to the scarce
// office-suite engine with a process-wide semaphore.
package convert

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedFormat is returned when no engine handles the
// extension. Surfaced to the enqueue caller before a task exists; if
// an unsupported file slips into the queue anyway the worker fails
// the task with it.
var ErrUnsupportedFormat = errors.New("unsupported format")

// ErrTimeout marks a conversion killed by its wall-clock limit.
var ErrTimeout = errors.New("conversion timed out")

// ErrFailed marks a non-zero engine exit after filtering known-safe
// stderr warnings.
var ErrFailed = errors.New("conversion failed")

// Converter turns an input document into a markdown file plus an
// optional images directory under outputDir.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputDir string) (markdownPath, imagesDir string, err error)
}

// markerFormats are handled natively by the direct engine.
var markerFormats = map[string]struct{}{
	"pdf": {}, "epub": {}, "pptx": {}, "xlsx": {},
}

// bridgeFormats need the office suite to emit a PDF first.
var bridgeFormats = map[string]struct{}{
	"doc": {}, "docx": {}, "odt": {}, "rtf": {}, "xls": {},
}

// IsSupported reports whether ext (lowercase, no dot) maps to an
// engine. "zip" is accepted only at enqueue, where it is unwrapped
// before dispatch, so it is deliberately not listed here.
func IsSupported(ext string) bool {
	if _, ok := markerFormats[ext]; ok {
		return true
	}
	_, ok := bridgeFormats[ext]
	return ok
}

// SupportedFormats returns every accepted upload extension, sorted.
// Includes "zip" because the enqueue path unwraps single-document
// archives.
func SupportedFormats() []string {
	out := make([]string, 0, len(markerFormats)+len(bridgeFormats)+1)
	for ext := range markerFormats {
		out = append(out, ext)
	}
	for ext := range bridgeFormats {
		out = append(out, ext)
	}
	out = append(out, "zip")
	sort.Strings(out)
	return out
}

// Dispatcher is the static extension → engine table. Both engines are
// constructed once at startup and shared by all workers.
type Dispatcher struct {
	direct Converter
	bridge Converter
}

func NewDispatcher(direct, bridge Converter) *Dispatcher {
	return &Dispatcher{direct: direct, bridge: bridge}
}

// For returns the engine for ext or ErrUnsupportedFormat.
func (d *Dispatcher) For(ext string) (Converter, error) {
	if _, ok := markerFormats[ext]; ok {
		return d.direct, nil
	}
	if _, ok := bridgeFormats[ext]; ok {
		return d.bridge, nil
	}
	return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
}
