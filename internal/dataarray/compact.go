package dataarray

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segkv/internal/address"
	"github.com/hupe1980/segkv/internal/segment"
)

// CompactionStats summarizes one Compact call.
type CompactionStats struct {
	Candidates int
	Relocated  int
	Bytes      int64
	Freed      int
}

// Compact relocates the live records of the segments selected by the
// policy and frees them. Records overwritten while compaction runs are
// left alone.
func (d *DataArray) Compact(ctx context.Context) (CompactionStats, error) {
	rc := d.opts.controller
	if err := rc.AcquireBackground(ctx); err != nil {
		return CompactionStats{}, err
	}
	defer rc.ReleaseBackground()
	return d.compact(ctx)
}

// tryCompact compacts unless every background slot is taken, for example
// by a manual Compact. It reports whether compaction ran.
func (d *DataArray) tryCompact(ctx context.Context) (CompactionStats, bool, error) {
	rc := d.opts.controller
	if !rc.TryAcquireBackground() {
		return CompactionStats{}, false, nil
	}
	defer rc.ReleaseBackground()
	st, err := d.compact(ctx)
	return st, true, err
}

func (d *DataArray) compact(ctx context.Context) (CompactionStats, error) {
	var st CompactionStats
	candidates := d.segs.SelectForCompaction()
	st.Candidates = len(candidates)
	if len(candidates) > 0 {
		live, err := d.collectLive(candidates)
		if err != nil {
			return st, err
		}
		for _, seg := range candidates {
			n, bytes, err := d.relocate(ctx, seg, live[seg.ID()])
			st.Relocated += n
			st.Bytes += bytes
			if err != nil {
				return st, err
			}
		}
	}

	freed, err := d.freeEmpty()
	st.Freed = freed
	if err != nil {
		return st, err
	}
	if st.Candidates > 0 || st.Freed > 0 {
		d.opts.logger.Info("compaction finished", "candidates", st.Candidates,
			"relocated", st.Relocated, "bytes", st.Bytes, "freed", st.Freed)
	}
	return st, nil
}

// collectLive scans the address array once and returns, per candidate
// segment, the array positions referencing it.
func (d *DataArray) collectLive(candidates []segment.Segment) (map[int]*roaring.Bitmap, error) {
	live := make(map[int]*roaring.Bitmap, len(candidates))
	for _, s := range candidates {
		live[s.ID()] = roaring.New()
	}

	start := d.addrs.Start()
	n := d.addrs.Length()
	for pos := range n {
		v, err := d.addrs.Get(start + pos)
		if err != nil {
			return nil, err
		}
		if uint64(v) == address.Nil {
			continue
		}
		if bm, ok := live[d.format.Segment(uint64(v))]; ok {
			bm.Add(uint32(pos))
		}
	}
	return live, nil
}

// relocate copies the records listed in live out of seg, in batches that
// each hold the write lock.
func (d *DataArray) relocate(ctx context.Context, seg segment.Segment, live *roaring.Bitmap) (int, int64, error) {
	positions := live.ToArray()
	moved := 0
	var bytes int64

	batch := max(d.opts.batchSize, 1)
	for i := 0; i < len(positions); i += batch {
		if err := ctx.Err(); err != nil {
			return moved, bytes, err
		}
		n, b, err := d.relocateBatch(ctx, seg, positions[i:min(i+batch, len(positions))])
		moved += n
		bytes += b
		if err != nil {
			return moved, bytes, err
		}
	}
	return moved, bytes, nil
}

func (d *DataArray) relocateBatch(ctx context.Context, seg segment.Segment, positions []uint32) (int, int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return 0, 0, ErrClosed
	}

	scn := d.addrs.HWMark()
	start := d.addrs.Start()
	moved := 0
	var bytes int64
	for _, pos := range positions {
		index := start + int(pos)
		v, err := d.addrs.Get(index)
		if err != nil {
			return moved, bytes, err
		}
		old := uint64(v)
		if old == address.Nil || d.format.Segment(old) != seg.ID() {
			continue
		}

		size := d.format.DataSize(old)
		if err := d.opts.controller.AcquireIO(ctx, size); err != nil {
			return moved, bytes, err
		}
		addr, dst, err := d.transferLocked(seg, d.format.Offset(old), size)
		if err != nil {
			return moved, bytes, fmt.Errorf("relocate index %d: %w", index, err)
		}
		ok, err := d.addrs.CompareAndSet(index, v, int64(addr), scn)
		if err != nil {
			return moved, bytes, err
		}
		if !ok {
			continue
		}
		dst.IncrLoadSize(int64(size))
		seg.DecrLoadSize(int64(size))
		moved++
		bytes += int64(size)
	}
	return moved, bytes, nil
}

// freeEmpty makes relocations durable and frees every sealed segment
// without live bytes.
func (d *DataArray) freeEmpty() (int, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	// New locations must reach the array file before the old bytes can be
	// reused. A redo entry is not enough: relocations carry the current high
	// water mark and replay skips records at or below it.
	if err := d.segs.Sync(); err != nil {
		return 0, err
	}
	if err := d.addrs.Sync(); err != nil {
		return 0, err
	}

	d.segLock.Lock()
	defer d.segLock.Unlock()
	n, err := d.segs.FreeEmptySegments()
	if n > 0 {
		d.invalidateFreed()
	}
	if err != nil && !errors.Is(err, segment.ErrSegmentNotFound) {
		return n, err
	}
	return n, nil
}
