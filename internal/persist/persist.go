// SPDX-License-Identifier: MIT

// Package persist writes store files atomically. Every persistent artifact
// goes through WriteFile: write-to-temp then rename-in-place, never
// truncate-in-place, so a crash mid-write leaves the previous file intact.
package persist

import "errors"

// ErrPersist marks storage write failures. Callers match it with errors.Is
// and keep their in-memory state; the next mutation retries the write.
var ErrPersist = errors.New("persist")
