package array

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/redo"
)

// crash drops the array without checkpointing.
func crash[V redo.Value](a *Array[V]) {
	_ = a.file.Close()
}

func TestStaticArray(t *testing.T) {
	dir := t.TempDir()
	a, err := Open[int64](dir, WithRange(100, 10))
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Dynamic())
	assert.Equal(t, 10, a.Length())
	assert.Equal(t, 100, a.Start())

	require.NoError(t, a.Set(100, 7, 1))
	require.NoError(t, a.Set(109, -9, 2))

	v, err := a.Get(109)
	require.NoError(t, err)
	assert.Equal(t, int64(-9), v)

	_, err = a.Get(99)
	var oor *ErrIndexOutOfRange
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, 99, oor.Index)
	assert.Equal(t, 100, oor.Start)
	assert.Equal(t, 110, oor.End)
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.ErrorIs(t, a.Set(110, 1, 3), ErrOutOfRange)
	assert.ErrorIs(t, a.ExpandCapacity(200), ErrUnsupported)
	assert.Equal(t, int64(2), a.HWMark())
}

func TestStaticRangeMismatch(t *testing.T) {
	dir := t.TempDir()
	a, err := Open[int32](dir, WithRange(0, 8))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = Open[int32](dir, WithRange(0, 9))
	assert.ErrorIs(t, err, ErrIncompatible)

	_, err = Open[int64](dir, WithRange(0, 8))
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestDynamicGrowth(t *testing.T) {
	a, err := Open[int32](t.TempDir(), WithUnitCapacity(16), WithGrowthRate(0.5))
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.Dynamic())
	assert.Equal(t, 16, a.Length())

	// Exponential and linear growth both land on 32.
	require.NoError(t, a.Set(20, 1, 1))
	assert.Equal(t, 32, a.Length())

	// Linear growth wins for a far index.
	require.NoError(t, a.Set(100, 2, 2))
	assert.Equal(t, 112, a.Length())

	// Exponential growth wins for a near index.
	require.NoError(t, a.ExpandCapacity(112))
	assert.Equal(t, 176, a.Length())

	h := a.Hashing()
	assert.Equal(t, 176, h.Capacity())
	assert.Equal(t, 3, h.Level())
	assert.Equal(t, 2*16, h.Split())
	for _, hash := range []uint64{0, 1, 17, 1 << 40, ^uint64(0)} {
		b := a.Bucket(hash)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, a.Length())
	}

	v, err := a.Get(20)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	assert.ErrorIs(t, a.Set(-1, 1, 3), ErrOutOfRange)
}

func TestInvalidUnit(t *testing.T) {
	_, err := Open[int64](t.TempDir(), WithUnitCapacity(12))
	require.Error(t, err)
}

func TestCleanReopen(t *testing.T) {
	dir := t.TempDir()
	a, err := Open[int16](dir, WithUnitCapacity(8))
	require.NoError(t, err)

	for i := range 40 {
		require.NoError(t, a.Set(i, int16(i*3), int64(i+1)))
	}
	require.NoError(t, a.Close())
	assert.Equal(t, a.LWMark(), a.HWMark())
	assert.ErrorIs(t, a.Set(0, 1, 100), ErrClosed)

	b, err := Open[int16](dir, WithUnitCapacity(8))
	require.NoError(t, err)
	defer b.Close()

	assert.Zero(t, b.Recovery().Replayed)
	assert.Equal(t, int64(40), b.LWMark())
	assert.Equal(t, int64(40), b.HWMark())
	for i := range 40 {
		v, err := b.Get(i)
		require.NoError(t, err)
		assert.Equal(t, int16(i*3), v)
	}
}

func TestCrashRecovery(t *testing.T) {
	const k = 25
	redoOpts := WithRedoOptions(redo.WithMaxEntrySize(4), redo.WithMaxEntries(1000))

	t.Run("header never rewritten", func(t *testing.T) {
		dir := t.TempDir()
		a, err := Open[int64](dir, WithRange(0, 64), redoOpts)
		require.NoError(t, err)
		for i := range k {
			require.NoError(t, a.Set(i, int64(1000+i), int64(i+1)))
		}
		require.NoError(t, a.Persist())
		assert.Equal(t, int64(0), a.LWMark())
		crash(a)

		b, err := Open[int64](dir, WithRange(0, 64), redoOpts)
		require.NoError(t, err)
		defer b.Close()

		assert.Equal(t, k, b.Recovery().Records)
		assert.Equal(t, int64(k), b.LWMark())
		assert.Equal(t, int64(k), b.HWMark())
		for i := range k {
			v, err := b.Get(i)
			require.NoError(t, err)
			assert.Equal(t, int64(1000+i), v)
		}
	})

	t.Run("merged state without redo files", func(t *testing.T) {
		dir := t.TempDir()
		a, err := Open[int64](dir, WithRange(0, 64), redoOpts)
		require.NoError(t, err)
		for i := range k {
			require.NoError(t, a.Set(i, int64(i), int64(i+1)))
		}
		require.NoError(t, a.Sync())
		assert.Equal(t, a.LWMark(), a.HWMark())
		crash(a)

		entries, err := os.ReadDir(filepath.Join(dir, redo.DirName))
		require.NoError(t, err)
		assert.Empty(t, entries)

		b, err := Open[int64](dir, WithRange(0, 64), redoOpts)
		require.NoError(t, err)
		defer b.Close()
		assert.Zero(t, b.Recovery().Replayed)
		for i := range k {
			v, err := b.Get(i)
			require.NoError(t, err)
			assert.Equal(t, int64(i), v)
		}
	})

	t.Run("interrupted checkpoint", func(t *testing.T) {
		dir := t.TempDir()
		faulty := fs.NewFaultyFS(nil)
		// Creation header, then the announcing header; the element write fails.
		faulty.AddRule(FileName, fs.Fault{FailAfterBytes: 2 * HeaderSize})

		a, err := Open[int64](dir, WithRange(0, 16), WithFileSystem(faulty), redoOpts)
		require.NoError(t, err)
		for i := range 8 {
			require.NoError(t, a.Set(i, int64(-i), int64(i+1)))
		}
		require.ErrorIs(t, a.Sync(), fs.ErrInjected)
		assert.LessOrEqual(t, a.LWMark(), a.HWMark())
		crash(a)

		b, err := Open[int64](dir, WithRange(0, 16), redoOpts)
		require.NoError(t, err)
		defer b.Close()

		r := b.Recovery()
		assert.False(t, r.Consistent)
		assert.False(t, r.DataLoss)
		assert.Equal(t, b.LWMark(), b.HWMark())
		for i := range 8 {
			v, err := b.Get(i)
			require.NoError(t, err)
			assert.Equal(t, int64(-i), v)
		}
	})
}

func TestSaveHWMarkAndClear(t *testing.T) {
	a, err := Open[int64](t.TempDir(), WithRange(0, 4))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Set(1, 5, 3))
	require.NoError(t, a.SaveHWMark(9))
	assert.Equal(t, int64(9), a.LWMark())
	assert.Equal(t, int64(9), a.HWMark())

	require.NoError(t, a.Clear())
	v, err := a.Get(1)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Equal(t, a.LWMark(), a.HWMark())
}

func TestCompareAndSet(t *testing.T) {
	a, err := Open[int64](t.TempDir(), WithRange(0, 4))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Set(0, 10, 1))
	ok, err := a.CompareAndSet(0, 11, 12, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.CompareAndSet(0, 10, 12, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	v, _ := a.Get(0)
	assert.Equal(t, int64(12), v)
}

func TestConcurrentReaders(t *testing.T) {
	a, err := Open[int64](t.TempDir(), WithUnitCapacity(64))
	require.NoError(t, err)
	defer a.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := range a.Length() {
					_, err := a.Get(i)
					if err != nil && !errors.Is(err, ErrOutOfRange) {
						t.Error(err)
						return
					}
				}
			}
		}()
	}

	for i := range 2000 {
		require.NoError(t, a.Set(i, int64(i), int64(i+1)))
	}
	close(stop)
	wg.Wait()

	v, err := a.Get(1999)
	require.NoError(t, err)
	assert.Equal(t, int64(1999), v)
}
