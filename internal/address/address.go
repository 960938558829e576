// Package address packs a record location into a single uint64.
//
// An address holds three fields, low bits first: the byte offset inside the
// segment, the segment id, and the record size. The layout is versioned. The
// version in use is stored with the segment metadata, and a store refuses to
// open with a different one.
//
// A record whose size exceeds the size field decodes to size 0. Size 0 means
// "no record" everywhere above this package.
package address

import (
	"errors"
	"fmt"
)

// Version identifies an address layout.
type Version uint8

const (
	// VersionV1 is 32 offset bits, 16 segment bits, 16 size bits.
	VersionV1 Version = 1
	// VersionV2 is 30 offset bits, 10 segment bits, 24 size bits.
	VersionV2 Version = 2
)

const (
	v1OffsetBits  = 32
	v1SegmentBits = 16
	v1SizeBits    = 16

	v2OffsetBits  = 30
	v2SegmentBits = 10
	v2SizeBits    = 24
)

// Each layout must use exactly 64 bits.
var (
	_ = [1]struct{}{}[v1OffsetBits+v1SegmentBits+v1SizeBits-64]
	_ = [1]struct{}{}[v2OffsetBits+v2SegmentBits+v2SizeBits-64]
)

// ErrUnknownVersion is returned by Lookup for an unregistered layout.
var ErrUnknownVersion = errors.New("address: unknown format version")

// Nil is the zero address. No record can live at offset 0 because every
// segment starts with a header.
const Nil uint64 = 0

// Format is a fixed bit layout for packed addresses.
type Format struct {
	version     Version
	offsetBits  uint
	segmentBits uint
	sizeBits    uint
}

var (
	// V1 is the default layout.
	V1 = Format{version: VersionV1, offsetBits: v1OffsetBits, segmentBits: v1SegmentBits, sizeBits: v1SizeBits}
	// V2 trades segment count and segment size for larger records.
	V2 = Format{version: VersionV2, offsetBits: v2OffsetBits, segmentBits: v2SegmentBits, sizeBits: v2SizeBits}
)

// Lookup returns the layout registered for v.
func Lookup(v Version) (Format, error) {
	switch v {
	case VersionV1:
		return V1, nil
	case VersionV2:
		return V2, nil
	default:
		return Format{}, fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
}

// Version returns the layout version.
func (f Format) Version() Version { return f.version }

// MaxOffset is the largest encodable in-segment offset.
func (f Format) MaxOffset() int64 { return int64(1)<<f.offsetBits - 1 }

// MaxSegments is the number of distinct segment ids.
func (f Format) MaxSegments() int { return 1 << f.segmentBits }

// MaxDataSize is the largest record size that survives a round trip.
func (f Format) MaxDataSize() int { return 1<<f.sizeBits - 1 }

// MaxSegmentBytes is the largest segment file the offset field can address.
func (f Format) MaxSegmentBytes() int64 { return int64(1) << f.offsetBits }

// Compose packs a location. Offset and segment are masked to their widths;
// a dataSize above MaxDataSize is stored as 0.
func (f Format) Compose(offset int64, segmentID int, dataSize int) uint64 {
	if dataSize < 0 || dataSize > f.MaxDataSize() {
		dataSize = 0
	}
	o := uint64(offset) & (1<<f.offsetBits - 1)
	s := uint64(segmentID) & (1<<f.segmentBits - 1)
	return uint64(dataSize)<<(f.offsetBits+f.segmentBits) | s<<f.offsetBits | o
}

// Offset extracts the in-segment offset.
func (f Format) Offset(addr uint64) int64 {
	return int64(addr & (1<<f.offsetBits - 1))
}

// Segment extracts the segment id.
func (f Format) Segment(addr uint64) int {
	return int((addr >> f.offsetBits) & (1<<f.segmentBits - 1))
}

// DataSize extracts the record size. 0 means no record.
func (f Format) DataSize(addr uint64) int {
	return int(addr >> (f.offsetBits + f.segmentBits))
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return fmt.Sprintf("v%d(%d/%d/%d)", f.version, f.offsetBits, f.segmentBits, f.sizeBits)
}
