//go:build windows

package fsstore

import (
	"context"
	"fmt"
	"os"
)

// Windows has no flock; exclusive create of the lock file approximates
// the same single-writer guard.

func withLockFile(ctx context.Context, lockPath string, fn func() error) error {
	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, defaultFilePerm)
		if err == nil {
			defer func() {
				_ = file.Close()
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("%w: open %s: %v", ErrLockUnavailable, lockPath, err)
		}
		if waitErr := waitForLockRetry(ctx, lockPath); waitErr != nil {
			return waitErr
		}
	}
}

func holdLockFile(lockPath string) (func(), error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, defaultFilePerm)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s is held", ErrLockUnavailable, lockPath)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrLockUnavailable, lockPath, err)
	}
	release := func() {
		_ = file.Close()
		_ = os.Remove(lockPath)
	}
	return release, nil
}
