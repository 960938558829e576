// Package array implements a recoverable array of fixed-width integers.
//
// The array lives in memory and in a single file under its directory.
// Mutations are recorded by a redo log (package redo) and reach the file at
// merge checkpoints. The file header carries two water marks:
//
//   - hwm: the SCN announced before the last element write started.
//   - lwm: the SCN up to which elements in the file are durable.
//
// A header with lwm < hwm means the last checkpoint was interrupted, and
// recovery replays redo entries above lwm.
//
// Arrays are either static, covering [start, start+count), or dynamic,
// starting at 0 and growing in whole units as indexes beyond the current
// length are set. Growth is tracked by a linear hashing state so that
// callers hashing keys into the array can address buckets without a full
// rehash.
package array
