// Package platform holds OS-specific helpers.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const storeLockFilename = "store.lock"

// ErrStoreLocked means another process already owns the state directory.
var ErrStoreLocked = errors.New("state directory is locked by another process")

// ErrStoreLockUnsupported means the platform has no lock backend.
var ErrStoreLockUnsupported = errors.New("state directory lock unsupported")

// StoreLock is an exclusive claim on a state directory. The OS drops it when the
// owning process exits.
type StoreLock interface {
	Release() error
}

// AcquireStoreLock claims dir for the calling process. The persisted stores have no
// cross-process coordination, so only one process may open them at a time.
func AcquireStoreLock(dir string) (StoreLock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	return acquireStoreLock(filepath.Join(dir, storeLockFilename))
}
