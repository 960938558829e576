package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Open(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "backups/a/MANIFEST", []byte("manifest")))

	w, err := s.Create(ctx, "backups/a/segs/0.seg")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("segment"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)

	aborted, err := s.Create(ctx, "backups/a/segs/1.seg")
	require.NoError(t, err)
	_, err = aborted.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, aborted.Abort(ctx))
	assert.ErrorIs(t, aborted.Close(), ErrClosed)
	_, err = s.Open(ctx, "backups/a/segs/1.seg")
	require.ErrorIs(t, err, ErrNotFound)

	b, err := s.Open(ctx, "backups/a/segs/0.seg")
	require.NoError(t, err)
	assert.Equal(t, int64(13), b.Size())

	buf := make([]byte, 7)
	n, err := b.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(buf[:n]))

	n, err = b.ReadAt(ctx, make([]byte, 10), 10)
	assert.Equal(t, 3, n)
	assert.True(t, errors.Is(err, io.EOF))

	rc, err := b.ReadRange(ctx, 0, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, rc.Close())
	require.NoError(t, b.Close())

	require.NoError(t, s.Put(ctx, "CURRENT", []byte("a")))
	names, err := s.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/a/MANIFEST", "backups/a/segs/0.seg"}, names)

	data, err := ReadAll(ctx, s, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	require.NoError(t, s.Delete(ctx, "CURRENT"))
	require.NoError(t, s.Delete(ctx, "CURRENT"))
	_, err = s.Open(ctx, "CURRENT")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(t.TempDir()))
}

func TestLocalStoreEmptyBlob(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	require.NoError(t, s.Put(ctx, "empty", nil))

	data, err := ReadAll(ctx, s, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, s := range []BlobStore{NewMemoryStore(), NewLocalStore(t.TempDir())} {
		assert.ErrorIs(t, s.Put(ctx, "x", []byte("y")), context.Canceled)
		_, err := s.Open(ctx, "x")
		assert.ErrorIs(t, err, context.Canceled)
	}
}
