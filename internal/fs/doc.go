// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with streaming and positional read/write, sync and truncate
//   - [FileSystem]: filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test utility that injects write, sync, close, truncate and rename failures
//
// Production code uses fs.Default:
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
//
// Tests inject [FaultyFS] to simulate a crash between two writes:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".arr", fs.Fault{FailAfterBytes: 64})
//
// Filesystem calls take no context.Context. Local syscalls are not
// interruptible; remote storage goes through package blobstore instead.
package fs
