package redo

import "slices"

// Plan is the outcome of folding persisted entries against the array header.
type Plan[V Value] struct {
	// Replay holds the entries to re-apply, in ascending SCN order.
	Replay []*Entry[V]
	// Discard holds entries already durable in the array file.
	Discard []*Entry[V]
	// Consistent reports whether the header had lwm == hwm.
	Consistent bool
	// GapUncovered reports an interrupted array write that no entry can
	// repair. All entries are in Discard.
	GapUncovered bool
	// Floor is the SCN at or below which records are already durable.
	Floor int64
	// HWM is the high water mark after replay.
	HWM int64
}

// PlanRecovery decides which entries to replay. lwm is the last SCN fully
// written to the array file; hwm is the SCN the file header announced before
// its last element write.
//
// With lwm == hwm, entries whose maxSCN is above hwm are replayed. With
// lwm < hwm the write of (lwm, hwm] was interrupted; entries above lwm are
// replayed, and if none of them overlaps that window the gap is reported
// as uncovered.
func PlanRecovery[V Value](lwm, hwm int64, entries []*Entry[V]) Plan[V] {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b *Entry[V]) int {
		if a.MinSCN() != b.MinSCN() {
			if a.MinSCN() < b.MinSCN() {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})

	p := Plan[V]{Consistent: lwm >= hwm, HWM: max(lwm, hwm)}
	floor := max(lwm, hwm)
	if !p.Consistent {
		floor = lwm
	}
	p.Floor = floor

	covered := false
	for _, e := range sorted {
		if e.Len() == 0 || e.MaxSCN() <= floor {
			p.Discard = append(p.Discard, e)
			continue
		}
		p.Replay = append(p.Replay, e)
		p.HWM = max(p.HWM, e.MaxSCN())
		if e.MinSCN() <= hwm {
			covered = true
		}
	}

	if !p.Consistent && !covered {
		p.GapUncovered = true
		p.Discard = append(p.Discard, p.Replay...)
		p.Replay = nil
		p.HWM = hwm
	}
	return p
}

// Records returns the replay records above Floor, ordered by SCN.
func (p Plan[V]) Records() []Record[V] {
	all := Merge(p.Replay)
	out := all[:0]
	for _, r := range all {
		if r.SCN > p.Floor {
			out = append(out, r)
		}
	}
	return out
}

// Merge flattens entries into one record list ordered by SCN. Records with
// equal SCN keep entry order, so applying the list in order lets later
// writes win.
func Merge[V Value](entries []*Entry[V]) []Record[V] {
	n := 0
	for _, e := range entries {
		n += e.Len()
	}
	out := make([]Record[V], 0, n)
	for _, e := range entries {
		out = append(out, e.records...)
	}
	slices.SortStableFunc(out, func(a, b Record[V]) int {
		switch {
		case a.SCN < b.SCN:
			return -1
		case a.SCN > b.SCN:
			return 1
		default:
			return 0
		}
	})
	return out
}
