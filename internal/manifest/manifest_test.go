package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/blobstore"
)

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	s := NewStore(bs)

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	m := New()
	m.HWM = 42
	m.Files = []FileInfo{{Path: "indexes/indexes.dat", Size: 128, CRC32C: 7}}
	require.NoError(t, s.Save(ctx, m))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, int64(42), got.HWM)
	assert.Equal(t, m.Files, got.Files)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

func TestStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	s := NewStore(bs)

	old := New()
	require.NoError(t, bs.Put(ctx, FileBlob(old.ID, "segments/0.seg"), []byte("x")))
	require.NoError(t, s.Save(ctx, old))
	cur := New()
	require.NoError(t, s.Save(ctx, cur))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{old.ID, cur.ID}, ids)

	require.Error(t, s.Delete(ctx, cur.ID))
	require.NoError(t, s.Delete(ctx, old.ID))

	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cur.ID}, ids)

	left, err := bs.List(ctx, Dir(old.ID)+"/")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestStore_RejectsNewerVersion(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	s := NewStore(bs)

	m := New()
	m.Version = CurrentVersion + 1
	require.NoError(t, s.Save(ctx, m))

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrIncompatibleVersion)
}
