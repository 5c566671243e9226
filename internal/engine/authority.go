package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Authority is the dispatch authority: an exclusive file lock that elects the
// one engine process allowed to dispatch and sweep.
type Authority struct {
	path string
	lock *flock.Flock
}

// NewAuthority prepares the lock at path without acquiring it.
func NewAuthority(path string) *Authority {
	return &Authority{path: path, lock: flock.New(path)}
}

// TryAcquire attempts to take the lock without blocking.
func (a *Authority) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := a.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire dispatch authority %s: %w", a.path, err)
	}
	return ok, nil
}

// Held reports whether this process holds the lock.
func (a *Authority) Held() bool {
	return a.lock.Locked()
}

// Release gives up the lock.
func (a *Authority) Release() error {
	if !a.lock.Locked() {
		return nil
	}
	return a.lock.Unlock()
}

// Path returns the lock file location.
func (a *Authority) Path() string {
	return a.path
}
