// Package dataarray stores variable-length records by integer index.
//
// Record bytes are appended to the segment heap (package segment) and the
// packed address of each record is kept in a recoverable array (package
// array). Overwrites leave dead bytes behind; compaction relocates the live
// records of sparsely loaded segments into the current segment and frees
// the emptied segments for reuse.
//
// Relocation does not change what a reader observes, so it is recorded at
// the current high water mark and never advances the water marks.
package dataarray
