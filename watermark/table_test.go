package watermark

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTable(t *testing.T, dir string) *Table {
	t.Helper()
	tbl, err := Open(filepath.Join(dir, FileName))
	require.NoError(t, err)
	return tbl
}

func TestTable_SetGetReopen(t *testing.T) {
	dir := t.TempDir()
	tbl := openTable(t, dir)

	_, ok, err := tbl.Get("db1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tbl.Set("db1", Marks{LWM: 10, HWM: 20}))
	require.NoError(t, tbl.Set("db2", Marks{LWM: 5, HWM: 5}))
	require.NoError(t, tbl.Close())

	tbl = openTable(t, dir)
	defer tbl.Close()

	m, ok, err := tbl.Get("db1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Marks{LWM: 10, HWM: 20}, m)

	all, err := tbl.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, tbl.Delete("db2"))
	_, ok, err = tbl.Get("db2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTable_SetRejects(t *testing.T) {
	tbl := openTable(t, t.TempDir())
	defer tbl.Close()

	require.ErrorIs(t, tbl.Set("", Marks{}), ErrEmptySource)
	require.ErrorIs(t, tbl.Set("a", Marks{LWM: 2, HWM: 1}), ErrInverted)
}

func TestTable_AdvanceIsMonotonic(t *testing.T) {
	tbl := openTable(t, t.TempDir())
	defer tbl.Close()

	m, err := tbl.Advance("src", Marks{LWM: 3, HWM: 7})
	require.NoError(t, err)
	assert.Equal(t, Marks{LWM: 3, HWM: 7}, m)

	m, err = tbl.Advance("src", Marks{LWM: 1, HWM: 9})
	require.NoError(t, err)
	assert.Equal(t, Marks{LWM: 3, HWM: 9}, m)

	m, err = tbl.Advance("src", Marks{LWM: 12, HWM: 0})
	require.NoError(t, err)
	assert.Equal(t, Marks{LWM: 12, HWM: 12}, m)

	got, _, err := tbl.Get("src")
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestTable_WriteToCopiesTable(t *testing.T) {
	tbl := openTable(t, t.TempDir())
	require.NoError(t, tbl.Set("src", Marks{LWM: 1, HWM: 2}))

	copyDir := t.TempDir()
	f, err := os.Create(filepath.Join(copyDir, FileName))
	require.NoError(t, err)
	_, err = tbl.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, tbl.Close())

	restored := openTable(t, copyDir)
	defer restored.Close()
	m, ok, err := restored.Get("src")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Marks{LWM: 1, HWM: 2}, m)
}
