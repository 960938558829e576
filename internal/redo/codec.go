package redo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/segkv/internal/hash"
)

const (
	fileMagic   = 0x4F44_4552 // "REDO"
	fileVersion = 1

	// HeaderSize is the fixed size of a redo file header.
	// [magic:4][version:2][valueSize:1][pad:1][seq:8][minSCN:8][maxSCN:8][count:4][crc:4]
	HeaderSize = 40
)

var (
	// ErrCorrupt is returned for a redo file that fails validation.
	ErrCorrupt = errors.New("redo: corrupt entry file")
	// ErrTruncated is returned for a redo file shorter than its header claims.
	ErrTruncated = errors.New("redo: truncated entry file")
)

func recordSize(valueSize int) int { return 4 + valueSize + 8 }

// Encode serializes a sealed or open entry.
func Encode[V Value](e *Entry[V]) []byte {
	vs := ValueSize[V]()
	rs := recordSize(vs)
	buf := make([]byte, HeaderSize+len(e.records)*rs)

	body := buf[HeaderSize:]
	for i, r := range e.records {
		b := body[i*rs:]
		binary.LittleEndian.PutUint32(b[0:4], uint32(r.Pos))
		PutValue(b[4:4+vs], r.Value, vs)
		binary.LittleEndian.PutUint64(b[4+vs:], uint64(r.SCN))
	}

	binary.LittleEndian.PutUint32(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint16(buf[4:6], fileVersion)
	buf[6] = byte(vs)
	binary.LittleEndian.PutUint64(buf[8:16], e.seq)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.MinSCN()))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(e.MaxSCN()))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(e.records)))
	crc := hash.Update(hash.CRC32C(buf[:36]), body)
	binary.LittleEndian.PutUint32(buf[36:40], crc)
	return buf
}

// Decode parses a redo file read through r. The returned entry is sealed
// with the given file name.
func Decode[V Value](r io.ReaderAt, size int64, file string) (*Entry[V], error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrTruncated, file, size)
	}
	hdr := make([]byte, HeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileMagic {
		return nil, fmt.Errorf("%w: %s bad magic", ErrCorrupt, file)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != fileVersion {
		return nil, fmt.Errorf("%w: %s version %d", ErrCorrupt, file, v)
	}
	vs := ValueSize[V]()
	if int(hdr[6]) != vs {
		return nil, fmt.Errorf("%w: %s value size %d, want %d", ErrCorrupt, file, hdr[6], vs)
	}

	seq := binary.LittleEndian.Uint64(hdr[8:16])
	minSCN := int64(binary.LittleEndian.Uint64(hdr[16:24]))
	maxSCN := int64(binary.LittleEndian.Uint64(hdr[24:32]))
	count := int64(binary.LittleEndian.Uint32(hdr[32:36]))
	rs := int64(recordSize(vs))

	if size < HeaderSize+count*rs {
		return nil, fmt.Errorf("%w: %s holds %d of %d records", ErrTruncated, file, (size-HeaderSize)/rs, count)
	}
	body := make([]byte, count*rs)
	if _, err := r.ReadAt(body, HeaderSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if crc := hash.Update(hash.CRC32C(hdr[:36]), body); crc != binary.LittleEndian.Uint32(hdr[36:40]) {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, file)
	}

	records := make([]Record[V], count)
	for i := range records {
		b := body[int64(i)*rs:]
		records[i] = Record[V]{
			Pos:   int32(binary.LittleEndian.Uint32(b[0:4])),
			Value: GetValue[V](b[4:4+vs], vs),
			SCN:   int64(binary.LittleEndian.Uint64(b[4+vs:])),
		}
	}
	e := NewSealedEntry(seq, file, records)
	if count > 0 && (e.MinSCN() != minSCN || e.MaxSCN() != maxSCN) {
		return nil, fmt.Errorf("%w: %s scn range mismatch", ErrCorrupt, file)
	}
	return e, nil
}
