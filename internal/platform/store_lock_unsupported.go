//go:build !unix && !windows

package platform

import (
	"fmt"
	"runtime"
)

func acquireStoreLock(_ string) (StoreLock, error) {
	return nil, fmt.Errorf("%w on %s", ErrStoreLockUnsupported, runtime.GOOS)
}
