// Package blobstore abstracts the object stores that hold store backups.
//
// A backup is a set of immutable blobs plus a small CURRENT blob naming the
// latest complete backup. Implementations must be safe for concurrent use.
//
// Built-in implementations:
//
//   - LocalStore: a directory on the local file system; reads are mmapped.
//   - MemoryStore: in memory, for tests.
//   - s3.Store and s3.DDBCommitStore: Amazon S3, optionally with DynamoDB
//     conditional writes guarding CURRENT.
//   - minio.Store: MinIO and other S3-compatible services.
package blobstore
