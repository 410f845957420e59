package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath       = errors.New("fsstore: invalid path")
	ErrLockTimeout       = errors.New("fsstore: lock timeout")
	ErrLockUnavailable   = errors.New("fsstore: lock unavailable")
	ErrEncodeFailed      = errors.New("fsstore: encode failed")
	ErrDecodeFailed      = errors.New("fsstore: decode failed")
	ErrAtomicWriteFailed = errors.New("fsstore: atomic write failed")
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Clean(path), nil
}

func EnsureDir(path string) error {
	normalized, err := normalizePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(normalized, defaultDirPerm); err != nil {
		return fmt.Errorf("fsstore ensure dir %s: %w", normalized, err)
	}
	return nil
}

// ReadJSON reads and decodes path into out. A missing or empty file is
// not an error; the bool reports whether a snapshot was found.
func ReadJSON(path string, out any) (bool, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(normalized)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read json %s: %w", normalized, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, normalized, err)
	}
	return true, nil
}

// WriteJSONAtomic writes v to path through a same-directory temp file
// with fsync before rename, so a crash never leaves a torn snapshot.
func WriteJSONAtomic(path string, v any) error {
	normalized, err := normalizePath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, normalized, err)
	}
	data = append(data, '\n')
	return writeAtomic(normalized, data)
}

func writeAtomic(path string, content []byte) error {
	parentDir := filepath.Dir(path)
	if err := EnsureDir(parentDir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(parentDir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	defer cleanup()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("%w: write temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		return fmt.Errorf("%w: chmod temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}

	// Best effort directory sync for durability; ignore failures.
	if dirFD, err := os.Open(parentDir); err == nil {
		_ = dirFD.Sync()
		_ = dirFD.Close()
	}
	return nil
}
