package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// knownSafeWarnings are stderr lines the marker engine emits on
// perfectly good runs (epub/XML parser noise). They are stripped
// before deciding whether stderr content is worth reporting.
var knownSafeWarnings = []string{
	"UserWarning: In the future version we will turn default option ignore_ncx",
	"ebooklib/epub.py",
	"FutureWarning: This search incorrectly ignores the root element",
}

// MarkerConverter runs the marker_single CLI as a child process per
// invocation. It handles the formats the markdown engine understands
// natively: pdf, epub, pptx, xlsx.
type MarkerConverter struct {
	bin     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMarkerConverter builds the direct engine. bin defaults to
// "marker_single" when empty.
func NewMarkerConverter(bin string, timeout time.Duration, logger *slog.Logger) *MarkerConverter {
	if bin == "" {
		bin = "marker_single"
	}
	return &MarkerConverter{bin: bin, timeout: timeout, logger: logger}
}

// Convert runs the engine with a hard wall-clock timeout, locates the
// produced markdown, copies any images next to it and rewrites their
// references to ./images/<name>.
func (m *MarkerConverter) Convert(ctx context.Context, inputPath, outputDir string) (string, string, error) {
	tempDir, err := os.MkdirTemp("", "marker-*")
	if err != nil {
		return "", "", err
	}
	defer os.RemoveAll(tempDir)

	// Detached from caller cancellation: an engine run that has started
	// is allowed to finish (or hit its own wall-clock timeout) even
	// while the pool shuts down.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.bin,
		inputPath,
		"--output_dir", tempDir,
		"--output_format", "markdown",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	m.logger.Info("running marker engine", "input", inputPath)
	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return "", "", fmt.Errorf("%w: after %s", ErrTimeout, m.timeout)
	}
	if runErr != nil {
		real := filterKnownWarnings(stderr.String())
		msg := strings.Join(real, "\n")
		if msg == "" {
			msg = runErr.Error()
		}
		return "", "", fmt.Errorf("%w: %s", ErrFailed, msg)
	}
	// Non-zero exit is the only failure signal; stderr alone is not.
	if real := filterKnownWarnings(stderr.String()); len(real) > 0 {
		m.logger.Warn("marker stderr (non-critical)", "output", strings.Join(real, "\n"))
	}

	mdPath, err := findMarkdown(tempDir, inputPath)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrFailed, err)
	}

	return assembleOutput(tempDir, mdPath, outputDir)
}

// filterKnownWarnings drops allow-listed warning lines and blanks,
// returning only lines that look like real errors.
func filterKnownWarnings(stderr string) []string {
	var real []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		safe := false
		for _, w := range knownSafeWarnings {
			if strings.Contains(line, w) {
				safe = true
				break
			}
		}
		if !safe {
			real = append(real, line)
		}
	}
	return real
}

// findMarkdown locates the engine's markdown output: next to the temp
// root, inside a directory named after the input, or anywhere below
// as a last resort.
func findMarkdown(tempDir, inputPath string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))

	candidates := []string{
		filepath.Join(tempDir, stem+".md"),
		filepath.Join(tempDir, stem, stem+".md"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	var found string
	err := filepath.WalkDir(tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".md") {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", errors.New("engine produced no markdown output")
	}
	return found, nil
}

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {},
}

// assembleOutput writes the final document.md into outputDir and
// copies engine-produced images into outputDir/images, rewriting
// references. Returns "" for imagesDir when there were no images.
func assembleOutput(tempDir, mdPath, outputDir string) (string, string, error) {
	raw, err := os.ReadFile(mdPath)
	if err != nil {
		return "", "", err
	}
	text := string(raw)

	imagesDir := filepath.Join(outputDir, "images")
	var copied int
	err = filepath.WalkDir(tempDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		if copied == 0 {
			if err := os.MkdirAll(imagesDir, 0755); err != nil {
				return err
			}
		}
		name := d.Name()
		if err := copyFile(path, filepath.Join(imagesDir, name)); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(tempDir, path)
		if relErr == nil {
			text = strings.ReplaceAll(text, filepath.ToSlash(rel), "./images/"+name)
		}
		text = strings.ReplaceAll(text, "]("+name+")", "](./images/"+name+")")
		copied++
		return nil
	})
	if err != nil {
		return "", "", err
	}

	outPath := filepath.Join(outputDir, "document.md")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(outPath, []byte(text), 0644); err != nil {
		return "", "", err
	}

	if copied == 0 {
		return outPath, "", nil
	}
	return outPath, imagesDir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
