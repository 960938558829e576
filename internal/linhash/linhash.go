// Package linhash implements the bookkeeping of linear hashing.
//
// A table grows one unit (a fixed, power-of-two sized sub-array) at a time.
// Buckets below the split point have been rehashed into the next level and
// are addressed with twice the level capacity.
package linhash

import (
	"errors"
	"math/bits"
)

// MaxLevelCapacity bounds the level capacity so that every bucket index fits
// a signed 32-bit integer.
const MaxLevelCapacity = 1 << 30

// ErrInvalidUnit is returned when the unit capacity is not a positive power of two.
var ErrInvalidUnit = errors.New("linhash: unit capacity must be a positive power of two")

// State is the (level, split) position of a linearly hashed table.
type State struct {
	unit          int
	level         int
	split         int
	levelCapacity int
	units         int
}

// New returns a state for an empty table with the given unit capacity.
func New(unitCapacity int) (*State, error) {
	if unitCapacity <= 0 || unitCapacity&(unitCapacity-1) != 0 || unitCapacity > MaxLevelCapacity {
		return nil, ErrInvalidUnit
	}
	s := &State{unit: unitCapacity}
	s.Reinit(0)
	return s, nil
}

// Reinit recomputes the state for a total capacity. It is a pure function of
// capacity and agrees with any sequence of Expand calls reaching it.
func (s *State) Reinit(capacity int) {
	n := capacity / s.unit
	s.units = n
	if n <= 1 {
		s.level, s.split, s.levelCapacity = 0, 0, s.unit
		return
	}

	level := bits.Len(uint(n-1)) - 1
	lc := s.unit << level
	if lc > MaxLevelCapacity {
		s.level = bits.TrailingZeros(uint(MaxLevelCapacity / s.unit))
		s.levelCapacity = MaxLevelCapacity
		s.split = min((n-1)*s.unit-MaxLevelCapacity, MaxLevelCapacity-s.unit)
		if s.split < 0 {
			s.split = 0
		}
		return
	}

	s.level = level
	s.levelCapacity = lc
	s.split = (n - (1 << level) - 1) * s.unit
}

// Expand accounts for one more unit.
func (s *State) Expand() {
	prev := s.units
	s.units++
	if prev <= 1 {
		return
	}
	if s.levelCapacity >= MaxLevelCapacity {
		s.split = min(s.split+s.unit, MaxLevelCapacity-s.unit)
		return
	}

	s.split += s.unit
	if s.split >= s.levelCapacity {
		s.split = 0
		s.level++
		s.levelCapacity <<= 1
	}
}

// Bucket maps a hash to a bucket index below Capacity.
func (s *State) Bucket(hash uint64) int {
	i := int(hash % uint64(s.levelCapacity))
	if i < s.split {
		i = int(hash % uint64(s.levelCapacity<<1))
	}
	return i
}

// UnitCapacity returns the growth step.
func (s *State) UnitCapacity() int { return s.unit }

// Level returns how many times the level capacity has doubled.
func (s *State) Level() int { return s.level }

// Split returns the bucket boundary below which the current level has been rehashed.
func (s *State) Split() int { return s.split }

// LevelCapacity returns unit << level.
func (s *State) LevelCapacity() int { return s.levelCapacity }

// Capacity returns the total capacity, units * unit.
func (s *State) Capacity() int { return s.units * s.unit }
