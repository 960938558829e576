package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/blobstore"
)

func TestStore_OpenNotFound(t *testing.T) {
	ctx := context.Background()
	client := new(MockS3Client)
	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "backups/missing"
	})).Return(nil, &types.NotFound{})

	store := NewStore(client, "bucket", WithPrefix("/backups/"))
	_, err := store.Open(ctx, "missing")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	client.AssertExpectations(t)
}

func TestStore_ReadAt(t *testing.T) {
	ctx := context.Background()
	data := []byte("0123456789")

	client := new(MockS3Client)
	client.On("HeadObject", mock.Anything, mock.Anything).
		Return(&s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil)
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=2-5"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[2:6]))}, nil).Once()
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=8-9"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[8:]))}, nil).Once()

	store := NewStore(client, "bucket")
	b, err := store.Open(ctx, "blob")
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, int64(10), b.Size())

	buf := make([]byte, 4)
	n, err := b.ReadAt(ctx, buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(buf[:n]))

	n, err = b.ReadAt(ctx, buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = b.ReadAt(ctx, buf, 10)
	assert.ErrorIs(t, err, io.EOF)

	client.AssertExpectations(t)
}

func TestStore_PutSendsChecksum(t *testing.T) {
	ctx := context.Background()
	client := new(MockS3Client)
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "p/CURRENT" &&
			aws.ToString(in.ChecksumCRC32C) == computeCRC32C([]byte("manifest-1")) &&
			aws.ToInt64(in.ContentLength) == 10
	})).Return(&s3.PutObjectOutput{}, nil)

	store := NewStore(client, "bucket", WithPrefix("p"))
	require.NoError(t, store.Put(ctx, "CURRENT", []byte("manifest-1")))
	client.AssertExpectations(t)
}

func TestStore_CreateUploads(t *testing.T) {
	ctx := context.Background()
	var got []byte

	client := new(MockS3Client)
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "segments/0.seg"
	})).Run(func(args mock.Arguments) {
		in := args.Get(1).(*s3.PutObjectInput)
		got, _ = io.ReadAll(in.Body)
	}).Return(&s3.PutObjectOutput{}, nil)

	store := NewStore(client, "bucket")
	w, err := store.Create(ctx, "segments/0.seg")
	require.NoError(t, err)

	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	assert.Equal(t, "hello world", string(got))
	client.AssertExpectations(t)
}

func TestStore_CreateReportsUploadFailure(t *testing.T) {
	ctx := context.Background()

	client := new(MockS3Client)
	client.On("PutObject", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		_, _ = io.ReadAll(args.Get(1).(*s3.PutObjectInput).Body)
	}).Return(nil, errors.New("boom"))

	store := NewStore(client, "bucket")
	w, err := store.Create(ctx, "x")
	require.NoError(t, err)
	_, _ = w.Write([]byte("data"))
	require.ErrorContains(t, w.Close(), "boom")
	require.ErrorContains(t, w.Close(), "boom")
}

func TestStore_CreateAbort(t *testing.T) {
	ctx := context.Background()
	client := new(MockS3Client)

	store := NewStore(client, "bucket")
	w, err := store.Create(ctx, "segments/1.seg")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	require.NoError(t, w.Abort(ctx))
	assert.ErrorIs(t, w.Abort(ctx), blobstore.ErrClosed)
	assert.ErrorIs(t, w.Close(), blobstore.ErrClosed)
	client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
}

func TestStore_DeleteMissing(t *testing.T) {
	client := new(MockS3Client)
	client.On("DeleteObject", mock.Anything, mock.Anything).Return(nil, &types.NoSuchKey{})

	store := NewStore(client, "bucket")
	require.NoError(t, store.Delete(context.Background(), "gone"))
}

func TestStore_ListPaginates(t *testing.T) {
	ctx := context.Background()
	client := new(MockS3Client)
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "root/b1/" && in.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		Contents:              []types.Object{{Key: aws.String("root/b1/a")}},
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("next"),
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "next"
	})).Return(&s3.ListObjectsV2Output{
		Contents:    []types.Object{{Key: aws.String("root/b1/b")}},
		IsTruncated: aws.Bool(false),
	}, nil).Once()

	store := NewStore(client, "bucket", WithPrefix("root"))
	names, err := store.List(ctx, "b1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1/a", "b1/b"}, names)
	client.AssertExpectations(t)
}
