package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/segkv/internal/address"
	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/mmap"
)

const (
	metaMagic   = 0x5445_4D53 // "SMET"
	metaVersion = 1

	metaPreambleSize = 16
	sectionHeader    = 8  // generation:int32, count:int32
	slotSize         = 12 // flag:int32, load:int64
)

// SlotState marks a segment id as holding data or not.
type SlotState int32

const (
	SlotFree SlotState = 0
	SlotLive SlotState = 1
)

// Slot is the persisted state of one segment id.
type Slot struct {
	State SlotState
	Load  int64
}

// Meta is the crash-safe segment table.
//
// The file holds two mirrored sections. A write goes to the section that is
// not current, is forced, and only then gets its generation bumped. A crash
// at any point leaves the previous section intact and current.
type Meta struct {
	path string
	fsys fs.FileSystem

	mu       sync.Mutex
	m        *mmap.Mapping
	sections [2]*mmap.Region
	capacity int
	addrVer  address.Version
	sizeMB   int
}

func metaFileSize(capacity int) int {
	return metaPreambleSize + 2*(sectionHeader+capacity*slotSize)
}

// OpenMeta opens the table at path, creating it with capacity slots.
// An existing file keeps its own capacity, address version and segment size.
func OpenMeta(fsys fs.FileSystem, path string, capacity int, addrVer address.Version, sizeMB int) (*Meta, error) {
	if capacity <= 0 {
		capacity = 1
	}
	mt := &Meta{path: path, fsys: fsys}

	if _, err := fsys.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := fs.WriteFileAtomic(fsys, path, encodeMeta(capacity, addrVer, sizeMB, nil, 0), 0o644); err != nil {
			return nil, fmt.Errorf("create segment meta: %w", err)
		}
		if err := fs.SyncDir(fsys, filepath.Dir(path)); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if err := mt.mapFile(); err != nil {
		return nil, err
	}
	return mt, nil
}

func (mt *Meta) mapFile() error {
	m, err := mmap.Open(mt.path)
	if err != nil {
		return err
	}
	data := m.Bytes()
	if len(data) < metaPreambleSize || binary.LittleEndian.Uint32(data[0:4]) != metaMagic {
		_ = m.Close()
		return fmt.Errorf("%w: bad preamble in %s", ErrCorrupt, mt.path)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != metaVersion {
		_ = m.Close()
		return fmt.Errorf("%w: meta version %d", ErrIncompatibleFormat, v)
	}
	capacity := int(binary.LittleEndian.Uint32(data[8:12]))
	size := metaFileSize(capacity)
	if len(data) < size {
		_ = m.Close()
		return fmt.Errorf("%w: %s truncated", ErrCorrupt, mt.path)
	}
	addrVer := address.Version(data[6])
	sizeMB := int(binary.LittleEndian.Uint32(data[12:16]))
	_ = m.Close()

	rw, err := mmap.OpenRW(mt.path, size)
	if err != nil {
		return err
	}
	secSize := sectionHeader + capacity*slotSize
	a, err := rw.Region(metaPreambleSize, secSize)
	if err != nil {
		_ = rw.Close()
		return err
	}
	b, err := rw.Region(metaPreambleSize+secSize, secSize)
	if err != nil {
		_ = rw.Close()
		return err
	}

	mt.m = rw
	mt.sections = [2]*mmap.Region{a, b}
	mt.capacity = capacity
	mt.addrVer = addrVer
	mt.sizeMB = sizeMB
	return nil
}

// encodeMeta builds a full file image with both sections equal.
func encodeMeta(capacity int, addrVer address.Version, sizeMB int, slots []Slot, gen int32) []byte {
	buf := make([]byte, metaFileSize(capacity))
	binary.LittleEndian.PutUint32(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint16(buf[4:6], metaVersion)
	buf[6] = byte(addrVer)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(capacity))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(sizeMB))

	secSize := sectionHeader + capacity*slotSize
	for s := range 2 {
		sec := buf[metaPreambleSize+s*secSize : metaPreambleSize+(s+1)*secSize]
		count := writeSlots(sec, slots, capacity)
		binary.LittleEndian.PutUint32(sec[4:8], uint32(count))
		binary.LittleEndian.PutUint32(sec[0:4], uint32(gen))
	}
	return buf
}

func writeSlots(sec []byte, slots []Slot, capacity int) int {
	live := 0
	for i := range capacity {
		var s Slot
		if i < len(slots) {
			s = slots[i]
		}
		if s.State == SlotLive {
			live++
		}
		off := sectionHeader + i*slotSize
		binary.LittleEndian.PutUint32(sec[off:], uint32(s.State))
		binary.LittleEndian.PutUint64(sec[off+4:], uint64(s.Load))
	}
	return live
}

// currentSection picks the authoritative section from the two generations.
// Adjacent generations select the larger one; any other gap means the
// counter wrapped, so the smaller one is newer. Equal generations select A.
func currentSection(g1, g2 int32) int {
	d := int64(g1) - int64(g2)
	switch {
	case d == 0:
		return 0
	case d == 1 || d == -1:
		if g1 > g2 {
			return 0
		}
		return 1
	case g1 < g2:
		return 0
	default:
		return 1
	}
}

func (mt *Meta) generations() (int32, int32) {
	a := mt.sections[0].Bytes()
	b := mt.sections[1].Bytes()
	return int32(binary.LittleEndian.Uint32(a[0:4])), int32(binary.LittleEndian.Uint32(b[0:4]))
}

func (mt *Meta) current() int {
	return currentSection(mt.generations())
}

// Generation returns the generation of the current section.
func (mt *Meta) Generation() int32 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	g1, g2 := mt.generations()
	if currentSection(g1, g2) == 0 {
		return g1
	}
	return g2
}

// Slots returns a copy of the current section.
func (mt *Meta) Slots() []Slot {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.slotsLocked()
}

func (mt *Meta) slotsLocked() []Slot {
	sec := mt.sections[mt.current()].Bytes()
	slots := make([]Slot, mt.capacity)
	for i := range slots {
		off := sectionHeader + i*slotSize
		slots[i] = Slot{
			State: SlotState(binary.LittleEndian.Uint32(sec[off:])),
			Load:  int64(binary.LittleEndian.Uint64(sec[off+4:])),
		}
	}
	return slots
}

// LiveCount returns the live-slot count of the current section.
func (mt *Meta) LiveCount() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	sec := mt.sections[mt.current()].Bytes()
	return int(binary.LittleEndian.Uint32(sec[4:8]))
}

// Capacity returns the number of slots per section.
func (mt *Meta) Capacity() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.capacity
}

// AddressVersion returns the persisted address layout.
func (mt *Meta) AddressVersion() address.Version { return mt.addrVer }

// SegmentSizeMB returns the persisted segment size.
func (mt *Meta) SegmentSizeMB() int { return mt.sizeMB }

// Write persists slots with the double-buffer protocol.
func (mt *Meta) Write(slots []Slot) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if len(slots) > mt.capacity {
		if err := mt.ensureCapacityLocked(len(slots)); err != nil {
			return err
		}
	}

	cur := mt.current()
	next := 1 - cur
	curGen := int32(binary.LittleEndian.Uint32(mt.sections[cur].Bytes()[0:4]))

	sec := mt.sections[next].Bytes()
	count := writeSlots(sec, slots, mt.capacity)
	if err := mt.sections[next].Sync(); err != nil {
		return fmt.Errorf("sync segment meta: %w", err)
	}

	binary.LittleEndian.PutUint32(sec[4:8], uint32(count))
	binary.LittleEndian.PutUint32(sec[0:4], uint32(curGen+1))
	if err := mt.sections[next].Sync(); err != nil {
		return fmt.Errorf("sync segment meta: %w", err)
	}
	return nil
}

// EnsureCapacity grows the table to hold at least n slots.
func (mt *Meta) EnsureCapacity(n int) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.ensureCapacityLocked(n)
}

func (mt *Meta) ensureCapacityLocked(n int) error {
	if n <= mt.capacity {
		return nil
	}
	capacity := max(n, mt.capacity*2)

	g1, g2 := mt.generations()
	gen := g1
	if currentSection(g1, g2) == 1 {
		gen = g2
	}
	img := encodeMeta(capacity, mt.addrVer, mt.sizeMB, mt.slotsLocked(), gen)

	if err := mt.m.Close(); err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(mt.fsys, mt.path, img, 0o644); err != nil {
		return fmt.Errorf("grow segment meta: %w", err)
	}
	if err := fs.SyncDir(mt.fsys, filepath.Dir(mt.path)); err != nil {
		return err
	}
	return mt.mapFile()
}

// Reset rewrites the table with every slot free.
func (mt *Meta) Reset() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	img := encodeMeta(mt.capacity, mt.addrVer, mt.sizeMB, nil, 0)
	if err := mt.m.Close(); err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(mt.fsys, mt.path, img, 0o644); err != nil {
		return err
	}
	return mt.mapFile()
}

// Close unmaps the table.
func (mt *Meta) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.m == nil {
		return nil
	}
	err := mt.m.Close()
	mt.m = nil
	return err
}
