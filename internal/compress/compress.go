// Package compress frames records with an optional block codec.
//
// A frame is [codec:1][payload]. LZ4 payloads are prefixed with the
// uvarint-encoded raw length; zstd and snappy carry their own. When a codec
// does not shrink the record by at least 10% the record is stored with
// None.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a compression algorithm.
type Codec uint8

const (
	None Codec = iota
	LZ4
	Zstd
	Snappy
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

// ParseCodec maps a name to a Codec. The empty string is None.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

var (
	// ErrUnknownCodec is returned for an unknown codec id or name.
	ErrUnknownCodec = errors.New("compress: unknown codec")
	// ErrCorrupt is returned for a frame that cannot be decoded.
	ErrCorrupt = errors.New("compress: corrupt frame")
)

// maxRawSize bounds the decoded size of a frame.
const maxRawSize = 1 << 30

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRawSize))
	return dec
}

// Encode frames data with codec c.
func Encode(c Codec, data []byte) ([]byte, error) {
	var payload []byte
	switch c {
	case None:
	case LZ4:
		buf := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
		n := binary.PutUvarint(buf, uint64(len(data)))
		m, err := lz4.CompressBlock(data, buf[n:], nil)
		if err != nil {
			return nil, err
		}
		if m > 0 {
			payload = buf[:n+m]
		}
	case Zstd:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	case Snappy:
		payload = snappy.Encode(nil, data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, c)
	}

	if c == None || payload == nil || float64(len(payload)) > float64(len(data))*0.9 {
		out := make([]byte, 1+len(data))
		out[0] = byte(None)
		copy(out[1:], data)
		return out, nil
	}
	out := make([]byte, 1+len(payload))
	out[0] = byte(c)
	copy(out[1:], payload)
	return out, nil
}

// Decode returns the record inside a frame.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorrupt)
	}
	payload := frame[1:]
	switch Codec(frame[0]) {
	case None:
		return payload, nil
	case LZ4:
		raw, n := binary.Uvarint(payload)
		if n <= 0 || raw > maxRawSize {
			return nil, fmt.Errorf("%w: lz4 length", ErrCorrupt)
		}
		out := make([]byte, raw)
		m, err := lz4.UncompressBlock(payload[n:], out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return out[:m], nil
	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return out, nil
	case Snappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, frame[0])
	}
}
