package segment

// GlobalStats aggregates the live data of a store.
type GlobalStats struct {
	Segments      int
	LiveBytes     int64
	CapacityBytes int64
}

// Utilization returns LiveBytes / CapacityBytes.
func (g GlobalStats) Utilization() float64 {
	if g.CapacityBytes == 0 {
		return 0
	}
	return float64(g.LiveBytes) / float64(g.CapacityBytes)
}

// Policy decides whether a segment should be compacted.
type Policy interface {
	ShouldCompact(seg Segment, global GlobalStats) bool
}

// ThresholdPolicy compacts sealed segments whose load factor is below
// CompactFactor, once the store as a whole holds more than CompactTrigger
// of its capacity in live data.
type ThresholdPolicy struct {
	CompactFactor  float64
	CompactTrigger float64
}

// DefaultPolicy returns ThresholdPolicy{CompactFactor: 0.5, CompactTrigger: 0.1}.
func DefaultPolicy() ThresholdPolicy {
	return ThresholdPolicy{CompactFactor: 0.5, CompactTrigger: 0.1}
}

func (p ThresholdPolicy) ShouldCompact(seg Segment, global GlobalStats) bool {
	if seg.Mode() != ReadOnly {
		return false
	}
	return seg.LoadFactor() < p.CompactFactor && global.Utilization() > p.CompactTrigger
}
