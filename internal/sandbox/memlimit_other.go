//go:build !linux

package sandbox

import "runtime/debug"

// limitMemory only sets the collector's soft target; there is no address space cap here.
func limitMemory(limit int64) error {
	if limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	return nil
}
