package redo

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealed(seq uint64, recs ...Record[int64]) *Entry[int64] {
	return NewSealedEntry(seq, "", recs)
}

func rec(pos int32, v int64, scn int64) Record[int64] {
	return Record[int64]{Pos: pos, Value: v, SCN: scn}
}

func TestPlanRecovery(t *testing.T) {
	a := sealed(0, rec(0, 1, 1), rec(1, 2, 2))
	b := sealed(1, rec(0, 3, 3), rec(2, 4, 4))
	c := sealed(2, rec(3, 5, 5), rec(4, 6, 6))

	t.Run("consistent replays newer entries", func(t *testing.T) {
		p := PlanRecovery(2, 2, []*Entry[int64]{c, a, b})
		assert.True(t, p.Consistent)
		assert.False(t, p.GapUncovered)
		assert.Equal(t, []*Entry[int64]{b, c}, p.Replay)
		assert.Equal(t, []*Entry[int64]{a}, p.Discard)
		assert.Equal(t, int64(6), p.HWM)
		assert.Equal(t, []Record[int64]{rec(0, 3, 3), rec(2, 4, 4), rec(3, 5, 5), rec(4, 6, 6)}, p.Records())
	})

	t.Run("nothing newer", func(t *testing.T) {
		p := PlanRecovery(6, 6, []*Entry[int64]{a, b, c})
		assert.Empty(t, p.Replay)
		assert.Len(t, p.Discard, 3)
		assert.Equal(t, int64(6), p.HWM)
	})

	t.Run("interrupted write covered", func(t *testing.T) {
		p := PlanRecovery(2, 4, []*Entry[int64]{a, b, c})
		assert.False(t, p.Consistent)
		assert.False(t, p.GapUncovered)
		assert.Equal(t, int64(2), p.Floor)
		assert.Equal(t, []*Entry[int64]{b, c}, p.Replay)
		assert.Equal(t, int64(6), p.HWM)
	})

	t.Run("interrupted write uncovered", func(t *testing.T) {
		p := PlanRecovery(2, 4, []*Entry[int64]{a, c})
		assert.True(t, p.GapUncovered)
		assert.Empty(t, p.Replay)
		assert.Len(t, p.Discard, 2)
		assert.Equal(t, int64(4), p.HWM)
	})

	t.Run("no entries", func(t *testing.T) {
		p := PlanRecovery[int64](5, 5, nil)
		assert.True(t, p.Consistent)
		assert.Equal(t, int64(5), p.HWM)

		p = PlanRecovery[int64](3, 5, nil)
		assert.True(t, p.GapUncovered)
	})

	t.Run("partial entry filtered by floor", func(t *testing.T) {
		p := PlanRecovery(3, 3, []*Entry[int64]{b})
		require.Len(t, p.Replay, 1)
		assert.Equal(t, []Record[int64]{rec(2, 4, 4)}, p.Records())
	})
}

func TestMergeLaterWinsOnTies(t *testing.T) {
	first := sealed(0, rec(1, 10, 5))
	second := sealed(1, rec(1, 20, 5))

	merged := Merge([]*Entry[int64]{first, second})
	require.Len(t, merged, 2)
	assert.Equal(t, int64(20), merged[1].Value)

	state := map[int32]int64{}
	for _, r := range merged {
		state[r.Pos] = r.Value
	}
	assert.Equal(t, int64(20), state[1])
}

func TestMergeOrderProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("merge output is SCN ordered", prop.ForAll(
		func(scns []int64) bool {
			var entries []*Entry[int64]
			for i := 0; i < len(scns); i += 3 {
				e := NewEntry[int64](uint64(i), 3)
				for j := i; j < min(i+3, len(scns)); j++ {
					e.Add(int32(j), int64(j), scns[j])
				}
				entries = append(entries, e)
			}
			out := Merge(entries)
			if len(out) != len(scns) {
				return false
			}
			for i := 1; i < len(out); i++ {
				if out[i-1].SCN > out[i].SCN {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 50)),
	))

	properties.TestingRun(t)
}
