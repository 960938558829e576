// Package hash provides the CRC32-Castagnoli checksum used by every
// on-disk structure of the store: redo entries, array file headers and
// backup manifests.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(header)
//	h.Write(records)
//	checksum := h.Sum32()
package hash
