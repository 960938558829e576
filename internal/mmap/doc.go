// Package mmap provides memory-mapped file access.
//
// # Overview
//
// Mapped segments and the segment metadata table are read and written
// through a shared mapping of their backing file. Writes land in the page
// cache immediately and become durable after [Mapping.Sync].
//
// # Usage
//
//	m, err := mmap.OpenRW("segs/3.seg", 64<<20)
//	if err != nil { ... }
//	defer m.Close()
//
//	copy(m.Bytes()[off:], record)
//	err = m.Sync()
//
//	// Views into a fixed part of the mapping
//	region, _ := m.Region(offset, size)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2), msync(2) and madvise(2)
//   - Windows: CreateFileMapping/MapViewOfFile and FlushViewOfFile (advice is a no-op)
//
// # Thread Safety
//
// Close is idempotent and protected by atomic operations. Callers must
// ensure no goroutine touches Bytes() after Close returns.
package mmap
