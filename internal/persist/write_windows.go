// SPDX-License-Identifier: MIT

//go:build windows

package persist

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile replaces path with data using temp file + rename.
// Windows doesn't support atomic rename with fsync like Unix; this is
// best-effort atomic.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".skipwatch-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file for %s: %w", ErrPersist, path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPersist, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file for %s: %w", ErrPersist, path, err)
	}
	tmp = nil // prevent double close in defer

	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ErrPersist, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrPersist, path, err)
	}
	return nil
}
