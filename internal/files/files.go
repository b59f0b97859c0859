// Package files holds the filesystem helpers shared by the enqueue
// path and the workers: filename sanitization, streaming SHA-256,
// result-ZIP packaging and single-document archive unwrapping.
package files

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooLarge is returned by WriteLimited when the input exceeds the
// configured size ceiling.
var ErrTooLarge = errors.New("file exceeds size limit")

// ErrPackaging wraps ZIP creation failures.
var ErrPackaging = errors.New("packaging failed")

const maxStemLength = 100

// SanitizeFilename strips directory components, keeps only
// [A-Za-z0-9._-] in the stem (others become '_'), preserves the
// extension and caps the stem at 100 characters. An empty stem
// becomes "document".
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	clean := b.String()
	if clean == "" || clean == "." || clean == ".." {
		clean = "document"
	}
	if len(clean) > maxStemLength {
		clean = clean[:maxStemLength]
	}

	var extB strings.Builder
	for _, r := range ext {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			extB.WriteRune(r)
		default:
			extB.WriteRune('_')
		}
	}
	return clean + extB.String()
}

// Ext returns the lowercase extension without the leading dot.
func Ext(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// ResultZipName derives the artifact name for an input file:
// "<stem>_<ext>_result.zip", or "<stem>_result.zip" when the input
// has no extension. The stem goes through the same sanitization as
// the staged upload so artifact names obey the filename policy too.
func ResultZipName(originalFilename string) string {
	base := SanitizeFilename(originalFilename)
	ext := Ext(base)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if ext == "" {
		return fmt.Sprintf("%s_result.zip", stem)
	}
	return fmt.Sprintf("%s_%s_result.zip", stem, ext)
}

// HashFile computes the SHA-256 of a file in streaming fashion.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteLimited streams r into a new file at path, hashing as it goes.
// If the input exceeds limit bytes the partial file is removed and
// ErrTooLarge returned. Returns the byte count and hex SHA-256.
func WriteLimited(path string, r io.Reader, limit int64) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, "", err
	}

	h := sha256.New()
	// Read one byte past the limit so an exactly-limit-sized file passes.
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, "", err
	}
	if n > limit {
		os.Remove(path)
		return 0, "", fmt.Errorf("%w: max %d bytes", ErrTooLarge, limit)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// CreateResultZip packages the markdown file (as document.md) and, if
// present, the images directory into a deflated ZIP at outputPath.
func CreateResultZip(markdownPath, imagesDir, outputPath string) (string, error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	if err := addZipFile(zw, markdownPath, "document.md"); err != nil {
		zw.Close()
		os.Remove(outputPath)
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}

	if imagesDir != "" {
		if _, statErr := os.Stat(imagesDir); statErr == nil {
			root := filepath.Dir(imagesDir)
			walkErr := filepath.Walk(imagesDir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return err
				}
				rel, err := filepath.Rel(root, path)
				if err != nil {
					return err
				}
				return addZipFile(zw, path, filepath.ToSlash(rel))
			})
			if walkErr != nil {
				zw.Close()
				os.Remove(outputPath)
				return "", fmt.Errorf("%w: %v", ErrPackaging, walkErr)
			}
		}
	}

	if err := zw.Close(); err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	return outputPath, nil
}

func addZipFile(zw *zip.Writer, path, arcname string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: arcname, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// ArchiveDocuments lists the supported documents at the root of a ZIP
// archive. Entries in subdirectories and macOS resource forks are
// ignored; nested archives are never treated as documents.
func ArchiveDocuments(zipPath string, supported func(ext string) bool) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var docs []string
	for _, f := range zr.File {
		name := f.Name
		if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/") {
			continue
		}
		ext := Ext(name)
		if ext == "zip" || !supported(ext) {
			continue
		}
		docs = append(docs, name)
	}
	return docs, nil
}

// ExtractArchiveFile streams one archive entry to destPath and
// returns its size and hex SHA-256.
func ExtractArchiveFile(zipPath, name, destPath string) (int64, string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, "", err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, "", err
		}
		defer rc.Close()

		out, err := os.Create(destPath)
		if err != nil {
			return 0, "", err
		}
		h := sha256.New()
		n, err := io.Copy(io.MultiWriter(out, h), rc)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(destPath)
			return 0, "", err
		}
		return n, hex.EncodeToString(h.Sum(nil)), nil
	}
	return 0, "", fmt.Errorf("entry %q not found in %s", name, zipPath)
}

// CleanupTaskFiles removes a task's upload and result directories.
// Best effort; the first error is returned after both attempts.
func CleanupTaskFiles(taskID, uploadDir, resultsDir string) error {
	var firstErr error
	for _, dir := range []string{
		filepath.Join(uploadDir, taskID),
		filepath.Join(resultsDir, taskID),
	} {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
