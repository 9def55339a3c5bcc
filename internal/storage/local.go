package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Local serves file:// URIs. It is meant for development and tests; presigned
// links are plain file URLs.
type Local struct{}

var _ Backend = Local{}

// Get implements Backend.
func (Local) Get(_ context.Context, _, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound("", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Put implements Backend. Missing parent directories are created.
func (Local) Put(_ context.Context, _, path string, data []byte) error {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// PresignGet implements Backend.
func (Local) PresignGet(_ context.Context, _, path string, _ time.Duration) (string, error) {
	return "file://" + filepath.ToSlash(filepath.Clean(path)), nil
}
