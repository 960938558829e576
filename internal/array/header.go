package array

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/segkv/internal/hash"
)

const (
	fileMagic   = 0x5252_4153 // "SARR"
	fileVersion = 1

	// HeaderSize is the size of the array file header. Elements follow it.
	// [magic:4][version:2][elemSize:1][flags:1][start:8][length:8][unit:4][pad:4]
	// [lwm:8][hwm:8][reserved:12][crc:4]
	HeaderSize = 64

	flagDynamic = 1 << 0
)

type header struct {
	elemSize int
	dynamic  bool
	start    int
	length   int
	unit     int
	lwm      int64
	hwm      int64
}

func (h header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], fileMagic)
	binary.LittleEndian.PutUint16(b[4:6], fileVersion)
	b[6] = byte(h.elemSize)
	if h.dynamic {
		b[7] |= flagDynamic
	}
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.start))
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.length))
	binary.LittleEndian.PutUint32(b[24:28], uint32(h.unit))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.lwm))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.hwm))
	binary.LittleEndian.PutUint32(b[60:64], hash.CRC32C(b[:60]))
	return b
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != fileMagic {
		return header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if hash.CRC32C(b[:60]) != binary.LittleEndian.Uint32(b[60:64]) {
		return header{}, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != fileVersion {
		return header{}, fmt.Errorf("%w: version %d", ErrIncompatible, v)
	}
	h := header{
		elemSize: int(b[6]),
		dynamic:  b[7]&flagDynamic != 0,
		start:    int(int64(binary.LittleEndian.Uint64(b[8:16]))),
		length:   int(int64(binary.LittleEndian.Uint64(b[16:24]))),
		unit:     int(binary.LittleEndian.Uint32(b[24:28])),
		lwm:      int64(binary.LittleEndian.Uint64(b[32:40])),
		hwm:      int64(binary.LittleEndian.Uint64(b[40:48])),
	}
	if h.length < 0 || h.lwm > h.hwm {
		return header{}, fmt.Errorf("%w: length %d lwm %d hwm %d", ErrCorrupt, h.length, h.lwm, h.hwm)
	}
	return h, nil
}
