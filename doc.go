// Package segkv is an embedded store that maps integer indexes to byte
// records.
//
// Records are appended to fixed-size segment files. A recoverable array
// holds one packed 64-bit address per index: the segment id, the offset
// inside the segment and the record length. Address updates go through a
// redo log and are checkpointed into the array file, so a store reopens
// to a consistent state after a crash.
//
// # Quick Start
//
//	s, err := segkv.Open("./data", segkv.WithSegmentSizeMB(64))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close()
//
//	_ = s.Set(ctx, 42, []byte("hello"), scn)
//	rec, _ := s.Get(42)
//
// # Change numbers and water marks
//
// Every Set and Delete carries an SCN chosen by the caller, typically the
// position of the change in an upstream log. HWMark is the highest SCN
// applied. LWMark is the highest SCN checkpointed into the array file.
// Persist makes everything up to HWMark survive a crash; Sync also
// checkpoints it, raising LWMark to HWMark.
//
// # Index ranges
//
// By default the index range grows by linear hashing as higher indexes are
// written. WithStaticRange fixes the range instead.
//
// # Compaction
//
// Overwrites and deletes leave dead bytes in sealed segments. Compact (or
// WithCompactionInterval) copies the live records of sparse segments to the
// current segment and recycles the freed segment ids.
//
// # Caching
//
// WithCacheSize keeps decoded records in a sharded LRU keyed by address.
// Cached bytes count against the memory limit of WithResourceLimits.
//
// # Backups
//
// Backup copies a checkpoint to any blobstore.BlobStore: a local directory,
// S3 (blobstore/s3) or MinIO (blobstore/minio). Restore writes the current
// backup into an empty directory.
package segkv
