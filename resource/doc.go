// Package resource governs the memory and IO budgets shared by raw-vector
// stores.
//
//   - Memory: resident chunks, pending flush buffers, the disk-store cache
//     and source arenas reserve bytes before allocating.
//   - Background slots: cap how many fields dump or flush at once.
//   - IO: a token bucket throttles flush and dump writes so background
//     persistence does not starve foreground reads.
//
// Reserve fails fast with ErrMemoryLimitExceeded; AcquireMemory blocks
// until memory is released or ctx ends.
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:   1 << 30,
//	    IOLimitBytesPerSec: 64 << 20,
//	})
//	if err := rc.Reserve(chunkBytes); err != nil {
//	    return err
//	}
//	defer rc.ReleaseMemory(chunkBytes)
//
// All methods are safe for concurrent use and a nil *Controller is a valid
// unlimited controller.
package resource
