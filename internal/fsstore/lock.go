package fsstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockKeyMaxLen = 120
	lockRetryWait = 25 * time.Millisecond
)

func BuildLockPath(lockRoot string, lockKey string) (string, error) {
	lockRoot, err := normalizePath(lockRoot)
	if err != nil {
		return "", err
	}
	lockKey, err = validateLockKey(lockKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(lockRoot, lockKey+".lck"), nil
}

// WithLock runs fn while holding an exclusive flock on lockPath,
// retrying until the lock is acquired or ctx expires.
func WithLock(ctx context.Context, lockPath string, fn func() error) error {
	normalized, err := normalizePath(lockPath)
	if err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := EnsureDir(filepath.Dir(normalized)); err != nil {
		return err
	}
	return withLockFile(ctx, normalized, fn)
}

// Hold acquires an exclusive flock on lockPath without blocking and
// keeps it until release is called. Used to guard a single-writer
// process (serve holds it; verify-device refuses to start while held).
func Hold(lockPath string) (release func(), err error) {
	normalized, err := normalizePath(lockPath)
	if err != nil {
		return nil, err
	}
	if err := EnsureDir(filepath.Dir(normalized)); err != nil {
		return nil, err
	}
	return holdLockFile(normalized)
}

func validateLockKey(lockKey string) (string, error) {
	lockKey = strings.TrimSpace(lockKey)
	if lockKey == "" {
		return "", fmt.Errorf("%w: empty lock key", ErrInvalidPath)
	}
	if len(lockKey) > lockKeyMaxLen {
		return "", fmt.Errorf("%w: lock key too long", ErrInvalidPath)
	}
	if strings.ToLower(lockKey) != lockKey {
		return "", fmt.Errorf("%w: lock key must be lowercase", ErrInvalidPath)
	}
	if strings.HasPrefix(lockKey, ".") || strings.HasSuffix(lockKey, ".") {
		return "", fmt.Errorf("%w: lock key cannot start or end with dot", ErrInvalidPath)
	}
	for _, r := range lockKey {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return "", fmt.Errorf("%w: invalid lock key character %q", ErrInvalidPath, r)
	}
	return lockKey, nil
}

func waitForLockRetry(ctx context.Context, lockPath string) error {
	timer := time.NewTimer(lockRetryWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, ctx.Err())
	case <-timer.C:
		return nil
	}
}
