//go:build windows

package platform

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

type windowsStoreLock struct {
	file *os.File
}

func acquireStoreLock(path string) (StoreLock, error) {
	// #nosec G304 -- path is built from the resolved app state directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open store lock file: %w", err)
	}

	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err := windows.LockFileEx(windows.Handle(file.Fd()), flags, 0, 1, 0, &windows.Overlapped{}); err != nil {
		_ = file.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrStoreLocked
		}

		return nil, fmt.Errorf("acquire store file lock: %w", err)
	}

	return &windowsStoreLock{file: file}, nil
}

func (l *windowsStoreLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, &windows.Overlapped{})
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock store file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close store lock file: %w", closeErr)
	}

	return nil
}
