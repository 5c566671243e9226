package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mediaflow/internal/fileutil"
	"mediaflow/internal/stage"
)

// FS stores blobs under a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("artifact directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) path(ref string) (string, error) {
	if _, err := ParseRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(ref)), nil
}

// Put writes the blob through a temp file and rename so readers never see a
// partial result.
func (s *FS) Put(_ context.Context, key stage.Key, data []byte) (string, error) {
	ref := Ref(key)
	target, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if _, err := fileutil.WriteAtomic(target, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return ref, nil
}

// Get reads the blob behind ref.
func (s *FS) Get(_ context.Context, ref string) ([]byte, error) {
	target, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether the blob for key is present.
func (s *FS) Exists(_ context.Context, key stage.Key) (string, bool, error) {
	ref := Ref(key)
	target, err := s.path(ref)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return ref, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat artifact: %w", err)
	}
	return ref, info.Mode().IsRegular(), nil
}

// Root returns the storage directory.
func (s *FS) Root() string {
	return s.root
}
