// Package storage presents the logical byte stream of a torrent's payload
// as one file or a tree of files, per spec §4.8 and §6.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorent/gorent/metainfo"
)

// ErrUnsafePath is returned at write time for any file whose relative
// path carries an absolute prefix or a ".." component, per spec §6.
var ErrUnsafePath = errors.New("storage: unsafe file path")

// Writer maps a torrent's file list onto a root directory on disk. It
// defers all writes until the full payload is available, per spec §4.8 —
// this release performs no resume and holds pieces in memory until every
// one is VERIFIED.
type Writer struct {
	root  string
	files []metainfo.File
}

// New builds a Writer rooted at downloadsDir, one level above the
// torrent's own name (single-file: downloadsDir/name; multi-file:
// downloadsDir/name/...).
func New(downloadsDir string, files []metainfo.File) (*Writer, error) {
	for _, f := range files {
		if err := validatePath(f.Path); err != nil {
			return nil, err
		}
	}
	return &Writer{root: downloadsDir, files: files}, nil
}

// validatePath rejects absolute paths and ".." segments.
func validatePath(relPath string) error {
	if filepath.IsAbs(relPath) {
		return fmt.Errorf("%w: %q is absolute", ErrUnsafePath, relPath)
	}
	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q contains ..", ErrUnsafePath, relPath)
		}
	}
	return nil
}

// WriteAll writes every file's byte range, pulling bytes from payload
// (the full concatenated stream of all VERIFIED pieces). payload must
// cover the full range the file list describes.
func (w *Writer) WriteAll(payload []byte) error {
	for _, f := range w.files {
		full := filepath.Join(w.root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("storage: creating directory for %q: %w", full, err)
		}
		end := f.Offset + f.Length
		if end > int64(len(payload)) {
			return fmt.Errorf("storage: payload too short for file %q: need %d bytes, have %d", f.Path, end, len(payload))
		}
		if err := os.WriteFile(full, payload[f.Offset:end], 0o644); err != nil {
			return fmt.Errorf("storage: writing %q: %w", full, err)
		}
	}
	return nil
}
