// Package minio stores backups on MinIO or another S3-compatible server
// through the minio-go client.
//
//	store, err := minio.Dial(ctx, minio.Config{
//		Endpoint:  "localhost:9000",
//		AccessKey: "minioadmin",
//		SecretKey: "minioadmin",
//		Bucket:    "segkv",
//		Prefix:    "backups",
//	})
package minio
