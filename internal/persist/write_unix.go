// SPDX-License-Identifier: MIT

//go:build !windows

package persist

import (
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/skipwatch/skipwatch/internal/log"
)

// WriteFile atomically replaces path with data. renameio handles temp file
// creation, fsync, atomic rename and cleanup on error, so a power failure
// never leaves a half-written file behind.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(mode))
	if err != nil {
		return fmt.Errorf("%w: create pending file %s: %w", ErrPersist, path, err)
	}
	defer func() {
		// Cleanup is a no-op once the file has been committed.
		if err := pending.Cleanup(); err != nil {
			logger := log.WithComponent("persist")
			logger.Debug().Err(err).Str("path", path).Msg("cleanup pending file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPersist, path, err)
	}

	// CloseAtomicallyReplace: fsync + rename (durable + atomic)
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: replace %s: %w", ErrPersist, path, err)
	}
	return nil
}
