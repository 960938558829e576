package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C_StreamingMatchesOneShot(t *testing.T) {
	data := []byte("entry header and records")

	h := NewCRC32C()
	_, _ = h.Write(data[:5])
	_, _ = h.Write(data[5:])

	assert.Equal(t, CRC32C(data), h.Sum32())
	assert.Equal(t, CRC32C(data), Update(Update(0, data[:5]), data[5:]))
	// Known answer for "123456789".
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
}
