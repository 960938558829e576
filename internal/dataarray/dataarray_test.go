package dataarray

import (
	"bytes"
	"context"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/internal/array"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/redo"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/internal/segment"
)

// recordSize frames to 60001 bytes, so a 1MiB segment holds 17 records.
const (
	recordSize = 60000
	frameSize  = recordSize + 1
)

// record returns incompressible bytes unique to (index, version).
func record(index, version int) []byte {
	r := rand.New(rand.NewPCG(uint64(index), uint64(version)))
	b := make([]byte, recordSize)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func open(t *testing.T, dir string, opts ...Option) *DataArray {
	t.Helper()
	base := []Option{
		WithRegistry(segment.NewRegistry()),
		WithSegmentOptions(
			segment.WithSegmentSizeMB(1),
			segment.WithPolicy(segment.ThresholdPolicy{CompactFactor: 0.5}),
		),
		WithArrayOptions(array.WithUnitCapacity(64)),
	}
	d, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	return d
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	d := open(t, t.TempDir())
	defer d.Close()

	got, err := d.Get(3)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, d.Set(ctx, 3, []byte("hello"), 1))
	require.NoError(t, d.Set(ctx, 500, []byte("grown"), 2))
	assert.GreaterOrEqual(t, d.Length(), 501)

	got, err = d.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, d.Set(ctx, 3, []byte("world"), 3))
	got, err = d.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	require.NoError(t, d.Delete(ctx, 3, 4))
	got, err = d.Get(3)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Only "grown" is live: one codec byte plus five.
	assert.Equal(t, int64(6), d.Stats().Segments.LiveBytes)
	assert.Equal(t, int64(4), d.HWMark())

	got, err = d.Get(1 << 20)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordTooLarge(t *testing.T) {
	d := open(t, t.TempDir())
	defer d.Close()

	err := d.Set(context.Background(), 0, make([]byte, 70000), 1)
	var tooLarge *ErrRecordTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 65535, tooLarge.Max)
}

func TestCanceledContext(t *testing.T) {
	d := open(t, t.TempDir())
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Set(ctx, 0, []byte("x"), 1), context.Canceled)
}

// fill writes 34 records: segment 0 holds 0..16 and segment 1 holds 17..33.
// Overwriting 0..14 leaves segment 0 with two live records.
func fill(t *testing.T, d *DataArray) {
	t.Helper()
	ctx := context.Background()
	scn := int64(0)
	for i := range 34 {
		scn++
		require.NoError(t, d.Set(ctx, i, record(i, 0), scn))
	}
	for i := range 15 {
		scn++
		require.NoError(t, d.Set(ctx, i, record(i, 1), scn))
	}
}

func expected(i int) []byte {
	if i < 15 {
		return record(i, 1)
	}
	return record(i, 0)
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	d := open(t, dir, WithBatchSize(1), WithController(resource.NewController(resource.Config{})))
	fill(t, d)

	seg0, err := d.Segments().Segment(0)
	require.NoError(t, err)
	assert.Equal(t, int64(2*frameSize), seg0.LoadSize())

	lwm, hwm := d.LWMark(), d.HWMark()
	st, err := d.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Candidates)
	assert.Equal(t, 2, st.Relocated)
	assert.Equal(t, int64(2*frameSize), st.Bytes)
	assert.Equal(t, 1, st.Freed)

	_, err = d.Segments().Segment(0)
	assert.ErrorIs(t, err, segment.ErrSegmentNotFound)
	assert.True(t, slices.Contains(d.Segments().RecycledIDs(), 0))
	assert.Equal(t, hwm, d.HWMark())
	assert.GreaterOrEqual(t, d.LWMark(), lwm)
	assert.LessOrEqual(t, d.LWMark(), d.HWMark())

	for i := range 34 {
		got, err := d.Get(i)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(expected(i), got), "index %d", i)
	}
	require.NoError(t, d.Close())

	d = open(t, dir)
	defer d.Close()
	for i := range 34 {
		got, err := d.Get(i)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(expected(i), got), "index %d after reopen", i)
	}
	assert.Equal(t, int64(34*frameSize), d.Stats().Segments.LiveBytes)
}

func TestCompactRollsOverFullSegment(t *testing.T) {
	ctx := context.Background()
	d := open(t, t.TempDir(), WithBatchSize(1))
	defer d.Close()
	fill(t, d)
	// Segment 2 now holds 15 frames; two more leave no room for relocation.
	require.NoError(t, d.Set(ctx, 34, record(34, 0), 50))
	require.NoError(t, d.Set(ctx, 35, record(35, 0), 51))
	full := d.Segments().Current()
	require.Equal(t, 2, full.ID())

	st, err := d.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Relocated)
	assert.Equal(t, 1, st.Freed)

	for _, i := range []int{15, 16} {
		v, err := d.addrs.Get(i)
		require.NoError(t, err)
		id := d.format.Segment(uint64(v))
		assert.NotEqual(t, 0, id, "index %d", i)
		assert.NotEqual(t, full.ID(), id, "index %d", i)
	}
	for i := range 36 {
		got, err := d.Get(i)
		require.NoError(t, err)
		want := record(i, 0)
		if i < 34 {
			want = expected(i)
		}
		assert.True(t, bytes.Equal(want, got), "index %d", i)
	}
}

func TestBackgroundCompaction(t *testing.T) {
	d := open(t, t.TempDir(), WithCompactionInterval(10*time.Millisecond))
	fill(t, d)

	assert.Eventually(t, func() bool {
		_, err := d.Segments().Segment(0)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Close())
}

func TestBackgroundCompactionSkipsWhenBusy(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 1})
	d := open(t, t.TempDir(), WithController(rc))
	defer d.Close()
	fill(t, d)

	require.NoError(t, rc.AcquireBackground(ctx))
	_, ran, err := d.tryCompact(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	_, err = d.Segments().Segment(0)
	require.NoError(t, err)

	rc.ReleaseBackground()
	st, ran, err := d.tryCompact(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, st.Freed)
	_, err = d.Segments().Segment(0)
	assert.Error(t, err)
}

func TestReopenRebuildsLoads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d := open(t, dir)
	require.NoError(t, d.Set(ctx, 0, []byte("aaaa"), 1))
	require.NoError(t, d.Set(ctx, 1, []byte("bbbbbbbb"), 2))
	require.NoError(t, d.Set(ctx, 0, []byte("cc"), 3))
	require.NoError(t, d.Close())

	d = open(t, dir)
	defer d.Close()
	assert.Equal(t, int64(3+9), d.Stats().Segments.LiveBytes)
	assert.Equal(t, int64(3), d.LWMark())
	assert.Equal(t, int64(3), d.HWMark())
}

func TestCrashAfterPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d := open(t, dir)
	for i := range 10 {
		require.NoError(t, d.Set(ctx, i, []byte{byte(i), 1, 2, 3}, int64(i+1)))
	}
	require.NoError(t, d.Persist())
	// d is abandoned without Close.

	r := open(t, dir)
	defer r.Close()
	for i := range 10 {
		got, err := r.Get(i)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 1, 2, 3}, got)
	}
	assert.Equal(t, int64(10), r.HWMark())
	assert.Equal(t, r.LWMark(), r.HWMark())
}

func TestCrashWithMemorySegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	memOpts := []Option{
		WithSegmentOptions(segment.WithFactory(&segment.MemoryFactory{FS: fs.Default})),
		WithArrayOptions(array.WithRedoOptions(redo.WithMaxEntrySize(2), redo.WithMaxEntries(2))),
	}

	d := open(t, dir, memOpts...)
	for i := range 8 {
		require.NoError(t, d.Set(ctx, i, []byte{byte(i), 'x', 'y', 'z'}, int64(i+1)))
	}
	// Entries were switched and merged on their own; nothing called Persist.
	require.Equal(t, int64(8), d.LWMark())
	// d is abandoned without Close.

	r := open(t, dir, memOpts...)
	defer r.Close()
	assert.Equal(t, int64(8), r.LWMark())
	for i := range 8 {
		got, err := r.Get(i)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 'x', 'y', 'z'}, got, "index %d", i)
	}
}

func TestCompression(t *testing.T) {
	d := open(t, t.TempDir(), WithCompression(compress.Zstd))
	defer d.Close()

	data := bytes.Repeat([]byte("compressible "), 1000)
	require.NoError(t, d.Set(context.Background(), 7, data, 1))
	got, err := d.Get(7)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Less(t, d.Stats().Segments.LiveBytes, int64(len(data)/4))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	d := open(t, t.TempDir())
	defer d.Close()

	require.NoError(t, d.Set(ctx, 1, []byte("x"), 1))
	require.NoError(t, d.Clear())
	got, err := d.Get(1)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, d.Stats().Segments.LiveBytes)

	require.NoError(t, d.Set(ctx, 1, []byte("y"), 2))
	got, err = d.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
}

func TestRecordCache(t *testing.T) {
	d := open(t, t.TempDir(), WithCacheSize(64<<20))
	defer d.Close()
	fill(t, d)

	for i := range 34 {
		got, err := d.Get(i)
		require.NoError(t, err)
		got[0] ^= 0xff
	}
	cs := d.Stats().Cache
	assert.Equal(t, 34, cs.Entries)
	assert.Equal(t, int64(34), cs.Misses)

	st, err := d.Compact(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, st.Freed)
	assert.Equal(t, 32, d.Stats().Cache.Entries, "entries of the freed segment are dropped")

	for i := range 34 {
		got, err := d.Get(i)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(expected(i), got), "index %d", i)
	}
	cs = d.Stats().Cache
	assert.Equal(t, int64(32), cs.Hits)
	assert.Equal(t, 34, cs.Entries)

	require.NoError(t, d.Clear())
	assert.Zero(t, d.Stats().Cache.Entries)
}

func TestCheckpointAllowsReads(t *testing.T) {
	ctx := context.Background()
	d := open(t, t.TempDir())
	defer d.Close()
	require.NoError(t, d.Set(ctx, 1, []byte("one"), 1))

	wrote := make(chan error, 1)
	err := d.Checkpoint(func() error {
		done := make(chan []byte, 1)
		go func() {
			got, _ := d.Get(1)
			done <- got
		}()
		select {
		case got := <-done:
			assert.Equal(t, []byte("one"), got)
		case <-time.After(5 * time.Second):
			t.Error("Get blocked by checkpoint")
		}

		go func() { wrote <- d.Set(ctx, 2, []byte("two"), 2) }()
		select {
		case <-wrote:
			t.Error("Set ran during checkpoint")
		case <-time.After(100 * time.Millisecond):
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-wrote)
	assert.Equal(t, int64(2), d.HWMark())
}
