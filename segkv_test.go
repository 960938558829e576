package segkv

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/internal/segment"
	"github.com/hupe1980/segkv/watermark"
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		withRegistry(segment.NewRegistry()),
		WithSegmentSizeMB(1),
		WithUnitCapacity(64),
	}
	s, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	s := openStore(t, t.TempDir(), WithMetricsCollector(metrics))
	defer s.Close()

	rec, err := s.Get(5)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.Set(ctx, 5, []byte("five"), 1))
	require.NoError(t, s.Set(ctx, 500, []byte("five hundred"), 2))

	rec, err = s.Get(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("five"), rec)
	rec, err = s.Get(500)
	require.NoError(t, err)
	assert.Equal(t, []byte("five hundred"), rec)

	require.NoError(t, s.Delete(ctx, 5, 3))
	rec, err = s.Get(5)
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.Equal(t, int64(3), s.HWMark())
	st := metrics.GetStats()
	assert.Equal(t, int64(2), st.SetCount)
	assert.Equal(t, int64(1), st.DeleteCount)
	assert.Equal(t, int64(4), st.GetCount)
	assert.Equal(t, int64(2), st.GetMisses)
}

func TestStore_ReadCache(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), WithCacheSize(1<<20))
	defer s.Close()

	require.NoError(t, s.Set(ctx, 1, []byte("one"), 1))
	for range 3 {
		rec, err := s.Get(1)
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), rec)
	}
	require.NoError(t, s.Set(ctx, 1, []byte("uno"), 2))
	rec, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), rec)

	st := s.Stats()
	assert.Equal(t, int64(2), st.CacheHits)
	assert.Equal(t, int64(2), st.CacheMisses)
	assert.Equal(t, 2, st.CacheEntries)
}

func TestStore_StaticRange(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), WithStaticRange(100, 10))
	defer s.Close()

	require.NoError(t, s.Set(ctx, 100, []byte("a"), 1))
	require.NoError(t, s.Set(ctx, 109, []byte("b"), 2))

	err := s.Set(ctx, 110, []byte("c"), 3)
	var oor *ErrIndexOutOfRange
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, 110, oor.Index)
	assert.Equal(t, 100, oor.Start)
	assert.Equal(t, 110, oor.End)

	_, err = s.Get(99)
	require.ErrorAs(t, err, &oor)

	st := s.Stats()
	assert.False(t, st.Dynamic)
	assert.Equal(t, 100, st.Start)
	assert.Equal(t, 10, st.Length)
}

func TestStore_RecordTooLarge(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	err := s.Set(context.Background(), 1, make([]byte, 70000), 1)
	var big *ErrRecordTooLarge
	require.ErrorAs(t, err, &big)
	assert.Equal(t, 65535, big.Max)
}

func TestStore_ReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir, WithCompression(CompressionLZ4))
	payload := bytes.Repeat([]byte("segkv "), 1000)
	for i := range 50 {
		require.NoError(t, s.Set(ctx, i, payload, int64(i+1)))
	}
	require.NoError(t, s.Persist())
	require.NoError(t, s.Close())

	s = openStore(t, dir, WithCompression(CompressionLZ4))
	defer s.Close()
	for i := range 50 {
		rec, err := s.Get(i)
		require.NoError(t, err)
		assert.Equal(t, payload, rec, "index %d", i)
	}
	assert.Equal(t, int64(50), s.HWMark())
	assert.Equal(t, int64(50), s.LWMark())
}

func TestStore_SaveHWMark(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), 1, []byte("x"), 4))
	require.NoError(t, s.SaveHWMark(9))
	assert.Equal(t, int64(9), s.HWMark())
	assert.Equal(t, int64(9), s.LWMark())
}

func TestStore_CompactFreesSparseSegments(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), WithCompaction(0.5, 0))
	defer s.Close()

	rec := make([]byte, 60000)
	scn := int64(0)
	// A 1MB segment holds 17 records, so the 18th seals segment 0.
	for i := range 18 {
		scn++
		require.NoError(t, s.Set(ctx, i, rec, scn))
	}
	for i := range 15 {
		scn++
		require.NoError(t, s.Delete(ctx, i, scn))
	}

	st, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Candidates)
	assert.Equal(t, 2, st.Relocated)
	assert.Equal(t, 1, st.Freed)
	assert.Contains(t, s.Stats().Recycled, 0)

	for _, i := range []int{15, 16, 17} {
		got, err := s.Get(i)
		require.NoError(t, err)
		assert.Len(t, got, len(rec))
	}
	assert.Equal(t, scn, s.HWMark())
}

func TestStore_Closed(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(1)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Set(context.Background(), 1, nil, 1), ErrClosed)
	require.ErrorIs(t, s.Sync(), ErrClosed)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set(ctx, 1, []byte("x"), 1))
	require.NoError(t, s.Clear())

	rec, err := s.Get(1)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int64(1), s.HWMark())
}

func TestStore_SourceMarks(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithSourceMarks())
	require.NotNil(t, s.SourceMarks())
	_, err := s.SourceMarks().Advance("db1", watermark.Marks{LWM: 3, HWM: 8})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir, WithSourceMarks())
	defer s.Close()
	m, ok, err := s.SourceMarks().Get("db1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(8), m.HWM)
}
