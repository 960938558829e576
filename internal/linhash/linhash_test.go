package linhash

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsBadUnit(t *testing.T) {
	for _, u := range []int{0, -4, 3, 100, MaxLevelCapacity << 1} {
		_, err := New(u)
		assert.ErrorIs(t, err, ErrInvalidUnit, "unit=%d", u)
	}
}

func TestReinit_SmallCapacities(t *testing.T) {
	s, err := New(16)
	require.NoError(t, err)

	cases := []struct {
		capacity, level, split, lc int
	}{
		{0, 0, 0, 16},
		{16, 0, 0, 16},
		{32, 0, 0, 16},
		{48, 1, 0, 32},
		{64, 1, 16, 32},
		{80, 2, 0, 64},
		{96, 2, 16, 64},
		{144, 3, 0, 128},
	}
	for _, c := range cases {
		s.Reinit(c.capacity)
		assert.Equal(t, c.level, s.Level(), "capacity=%d", c.capacity)
		assert.Equal(t, c.split, s.Split(), "capacity=%d", c.capacity)
		assert.Equal(t, c.lc, s.LevelCapacity(), "capacity=%d", c.capacity)
		assert.Equal(t, c.capacity, s.Capacity())
	}
}

func TestExpand_AgreesWithReinit(t *testing.T) {
	for _, unit := range []int{1, 64} {
		inc, err := New(unit)
		require.NoError(t, err)
		abs, err := New(unit)
		require.NoError(t, err)

		limit := (1 << 20) / unit
		for n := 1; n <= limit; n++ {
			inc.Expand()
			abs.Reinit(n * unit)
			if inc.Level() != abs.Level() || inc.Split() != abs.Split() || inc.LevelCapacity() != abs.LevelCapacity() {
				t.Fatalf("unit=%d units=%d: incremental (%d,%d,%d) != reinit (%d,%d,%d)",
					unit, n, inc.Level(), inc.Split(), inc.LevelCapacity(),
					abs.Level(), abs.Split(), abs.LevelCapacity())
			}
			require.Less(t, inc.Split(), inc.LevelCapacity())
		}
	}
}

func TestExpand_CapsLevelCapacity(t *testing.T) {
	unit := 1 << 24
	s, err := New(unit)
	require.NoError(t, err)

	for range 200 {
		s.Expand()
		assert.LessOrEqual(t, s.LevelCapacity(), MaxLevelCapacity)
		assert.Less(t, s.Split(), s.LevelCapacity())
	}
	assert.Equal(t, MaxLevelCapacity, s.LevelCapacity())
}

func TestBucket_StaysBelowCapacity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("bucket is within the hashed region", prop.ForAll(
		func(units int, hash uint64) bool {
			s, _ := New(8)
			s.Reinit(units * 8)
			b := s.Bucket(hash)
			return b >= 0 && b < s.LevelCapacity()+s.Split() && (units <= 1 || b < s.Capacity())
		},
		gen.IntRange(0, 4096),
		gen.UInt64(),
	))

	properties.Property("unsplit buckets keep their position", prop.ForAll(
		func(units int, hash uint64) bool {
			s, _ := New(8)
			s.Reinit(units * 8)
			i := int(hash % uint64(s.LevelCapacity()))
			if i < s.Split() {
				return true
			}
			return s.Bucket(hash) == i
		},
		gen.IntRange(0, 4096),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
