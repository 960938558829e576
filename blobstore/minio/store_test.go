package minio

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/blobstore"
)

// dial connects to the server named by SEGKV_MINIO_ENDPOINT and skips the
// test when it is unset or unreachable.
func dial(t *testing.T) *Store {
	t.Helper()
	endpoint := os.Getenv("SEGKV_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("SEGKV_MINIO_ENDPOINT not set")
	}
	access := os.Getenv("SEGKV_MINIO_ACCESS_KEY")
	if access == "" {
		access = "minioadmin"
	}
	secret := os.Getenv("SEGKV_MINIO_SECRET_KEY")
	if secret == "" {
		secret = "minioadmin"
	}

	store, err := Dial(context.Background(), Config{
		Endpoint:     endpoint,
		AccessKey:    access,
		SecretKey:    secret,
		Bucket:       "segkv-test",
		Prefix:       "t-" + uuid.NewString(),
		CreateBucket: true,
	})
	if err != nil {
		t.Skipf("minio unavailable: %v", err)
	}
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	store := dial(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/CURRENT", []byte("manifest")))

	w, err := store.Create(ctx, "a/segments/0.seg")
	require.NoError(t, err)
	_, err = w.Write([]byte("segment bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	names, err := store.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/CURRENT", "a/segments/0.seg"}, names)

	b, err := store.Open(ctx, "a/segments/0.seg")
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, 5)
	n, err := b.ReadAt(ctx, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(buf[:n]))

	_, err = b.ReadAt(ctx, buf, 10)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, store.Delete(ctx, "a/CURRENT"))
	require.NoError(t, store.Delete(ctx, "a/CURRENT"))
	_, err = store.Open(ctx, "a/CURRENT")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
