// Package filestore manages per-tenant artifact directories (uploads,
// generated documents) kept outside the databases.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for paths that would escape the store root.
var ErrUnsafePath = errors.New("filestore: path outside store root")

// Store removes tenant artifact directories.
type Store interface {
	DeleteDirectory(ctx context.Context, path string) error
}

// Local keeps tenant directories on local disk under Root.
type Local struct {
	Root string
}

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create tenants dir: %w", err)
	}
	return &Local{Root: abs}, nil
}

// TenantDir returns the artifact directory of tenantID, relative to Root.
func TenantDir(tenantID string) string {
	return tenantID
}

// EnsureDirectory creates path under Root.
func (l *Local) EnsureDirectory(_ context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

// DeleteDirectory removes path and everything below it. A missing path is
// not an error.
func (l *Local) DeleteDirectory(_ context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// resolve maps path to an absolute path strictly below Root.
func (l *Local) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" || filepath.IsAbs(path) {
		return "", ErrUnsafePath
	}
	full := filepath.Join(l.Root, path)
	rel, err := filepath.Rel(l.Root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return full, nil
}

var _ Store = (*Local)(nil)
