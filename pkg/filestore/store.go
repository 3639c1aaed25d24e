/**
 * @description
 * This package stores boleto PDFs. Uploads are first written to a staging directory and only
 * renamed into their permanent location once fully written, so a crash never leaves a
 * partially-written file at a path referenced by a database row.
 *
 * @dependencies
 * - github.com/spf13/afero: Filesystem abstraction (OS in production, memory in tests).
 */
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const stagingDir = ".staging"

var (
	ErrFileExists   = errors.New("destination file already exists")
	ErrFileTooLarge = errors.New("file exceeds the size limit")
	ErrInvalidPath  = errors.New("path escapes the storage root")
)

// Store places files under a single root directory.
type Store struct {
	fs   afero.Fs
	root string
}

// New prepares root and its staging directory on fs.
func New(fs afero.Fs, root string) (*Store, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." {
		return nil, errors.New("storage root is required")
	}
	if err := fs.MkdirAll(filepath.Join(root, stagingDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directories: %w", err)
	}
	return &Store{fs: fs, root: root}, nil
}

// NewOS is New on the host filesystem.
func NewOS(root string) (*Store, error) {
	return New(afero.NewOsFs(), root)
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// RelativePath is the permanent location of a slip's PDF, relative to the root.
func RelativePath(campusID uuid.UUID, number string) string {
	return filepath.Join(campusID.String(), number+".pdf")
}

// Stage copies r into a new staging file and returns its path. At most maxBytes are accepted
// when maxBytes is positive; larger inputs are discarded with ErrFileTooLarge.
func (s *Store) Stage(r io.Reader, maxBytes int64) (string, error) {
	f, err := afero.TempFile(s.fs, filepath.Join(s.root, stagingDir), "upload-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	stagedPath := f.Name()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	written, copyErr := io.Copy(f, src)
	if copyErr == nil {
		copyErr = f.Sync()
	}
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = s.fs.Remove(stagedPath)
		return "", fmt.Errorf("failed to write staging file: %w", copyErr)
	case closeErr != nil:
		_ = s.fs.Remove(stagedPath)
		return "", fmt.Errorf("failed to close staging file: %w", closeErr)
	case maxBytes > 0 && written > maxBytes:
		_ = s.fs.Remove(stagedPath)
		return "", ErrFileTooLarge
	}
	return stagedPath, nil
}

// Promote renames a staged file to relPath under the root and returns relPath.
// An existing destination is never overwritten.
func (s *Store) Promote(stagedPath, relPath string) (string, error) {
	dest, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	exists, err := afero.Exists(s.fs, dest)
	if err != nil {
		return "", fmt.Errorf("failed to check destination: %w", err)
	}
	if exists {
		return "", ErrFileExists
	}
	if err := s.fs.Rename(stagedPath, dest); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return filepath.ToSlash(relPath), nil
}

// Discard removes a staged file. Missing files are not an error.
func (s *Store) Discard(stagedPath string) error {
	if stagedPath == "" {
		return nil
	}
	if err := s.fs.Remove(stagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Open opens a permanent file by its relative path.
func (s *Store) Open(relPath string) (afero.File, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(full)
}

// SweepStaging removes staged files last modified before cutoff and returns how many were removed.
func (s *Store) SweepStaging(cutoff time.Time) (int, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.root, stagingDir))
	if err != nil {
		return 0, fmt.Errorf("failed to list staging directory: %w", err)
	}
	removed := 0
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !entry.ModTime().Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.root, stagingDir, entry.Name())); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

func (s *Store) resolve(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	if clean == stagingDir || strings.HasPrefix(clean, stagingDir+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.root, clean), nil
}
