// Package s3 stores backups in Amazon S3.
//
//	store, err := s3.New(ctx, "my-bucket", s3.WithPrefix("segkv/prod"), s3.WithRegion("eu-central-1"))
//
// Uploads stream through the SDK upload manager with CRC32C checksums.
// DDBCommitStore adds a DynamoDB table that orders CURRENT commits, so two
// writers cannot silently overwrite each other's backup pointer.
package s3
