package redo

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value is the element type of a recoverable array.
type Value interface {
	~int16 | ~int32 | ~int64
}

// Record is one mutation.
type Record[V Value] struct {
	Pos   int32
	Value V
	SCN   int64
}

// Phase is the lifecycle state of an entry.
type Phase int

const (
	// PhaseOpen entries accept records.
	PhaseOpen Phase = iota
	// PhaseSealed entries are immutable and persisted to File.
	PhaseSealed
	// PhaseMerged entries were applied to the array file.
	PhaseMerged
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseSealed:
		return "sealed"
	case PhaseMerged:
		return "merged"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Entry is a batch of records.
type Entry[V Value] struct {
	seq     uint64
	phase   Phase
	file    string
	records []Record[V]
	minSCN  int64
	maxSCN  int64
}

// NewEntry returns an open entry.
func NewEntry[V Value](seq uint64, capacity int) *Entry[V] {
	return &Entry[V]{
		seq:     seq,
		records: make([]Record[V], 0, capacity),
		minSCN:  math.MaxInt64,
		maxSCN:  math.MinInt64,
	}
}

// NewSealedEntry returns an entry that was loaded from file.
func NewSealedEntry[V Value](seq uint64, file string, records []Record[V]) *Entry[V] {
	e := NewEntry[V](seq, len(records))
	for _, r := range records {
		e.add(r)
	}
	e.phase = PhaseSealed
	e.file = file
	return e
}

// Add appends a record to an open entry.
func (e *Entry[V]) Add(pos int32, v V, scn int64) {
	if e.phase != PhaseOpen {
		panic("redo: add to " + e.phase.String() + " entry")
	}
	e.add(Record[V]{Pos: pos, Value: v, SCN: scn})
}

func (e *Entry[V]) add(r Record[V]) {
	e.records = append(e.records, r)
	e.minSCN = min(e.minSCN, r.SCN)
	e.maxSCN = max(e.maxSCN, r.SCN)
}

func (e *Entry[V]) seal(file string) {
	e.phase = PhaseSealed
	e.file = file
}

func (e *Entry[V]) merged() {
	e.phase = PhaseMerged
	e.records = nil
}

// Seq returns the sequence number of the entry.
func (e *Entry[V]) Seq() uint64 { return e.seq }

// Phase returns the lifecycle state.
func (e *Entry[V]) Phase() Phase { return e.phase }

// File returns the redo file of a sealed entry.
func (e *Entry[V]) File() string { return e.file }

// Len returns the number of records.
func (e *Entry[V]) Len() int { return len(e.records) }

// Records returns the records in arrival order.
func (e *Entry[V]) Records() []Record[V] { return e.records }

// MinSCN returns the smallest SCN, or 0 for an empty entry.
func (e *Entry[V]) MinSCN() int64 {
	if len(e.records) == 0 {
		return 0
	}
	return e.minSCN
}

// MaxSCN returns the largest SCN, or 0 for an empty entry.
func (e *Entry[V]) MaxSCN() int64 {
	if len(e.records) == 0 {
		return 0
	}
	return e.maxSCN
}

// ValueSize returns the encoded width of V in bytes.
func ValueSize[V Value]() int {
	var v V
	return binary.Size(v)
}

// PutValue encodes v into b using size bytes.
func PutValue[V Value](b []byte, v V, size int) {
	switch size {
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

// GetValue decodes a value of size bytes from b.
func GetValue[V Value](b []byte, size int) V {
	switch size {
	case 2:
		return V(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return V(int32(binary.LittleEndian.Uint32(b)))
	default:
		return V(int64(binary.LittleEndian.Uint64(b)))
	}
}
