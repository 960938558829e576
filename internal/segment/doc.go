// Package segment implements the append-only segment heap.
//
// A segment is a fixed-capacity file holding raw record bytes. Records are
// appended to the single current segment; every other segment is read-only.
// The Manager allocates segments, tracks live bytes per segment, selects
// low-load segments for compaction and recycles freed ids.
//
// # Backings
//
//   - Memory: a heap buffer mirrored to its file on Force
//   - Channel: positional reads and writes on the file
//   - Mapped: a shared read-write mapping of the file
//
// # Layout
//
//	segs/<id>.seg      [appendPos:8][records...] padded to capacity
//	segs/segment.meta  double-buffered LIVE/FREE and load table
//
// The header of a segment file holds the append position as of the last
// Force. Recovery may move it forward, never backward.
package segment
