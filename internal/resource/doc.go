// Package resource governs shared resources of a store.
//
//   - Memory: heap-backed segments reserve their capacity (non-blocking, fail-fast)
//   - Concurrency: background compactions hold a worker slot
//   - IO: compaction copies and backup uploads pass a token bucket
//
// Usage:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:   1 << 30,
//	    IOLimitBytesPerSec: 64 << 20,
//	})
//
//	if err := rc.AcquireMemory(segmentBytes); err != nil {
//	    // ErrMemoryLimitExceeded
//	}
//	defer rc.ReleaseMemory(segmentBytes)
//
//	r := resource.NewRateLimitedReader(ctx, file, rc)
//
// All methods are safe for concurrent use, and a nil *Controller turns
// them into no-ops.
package resource
