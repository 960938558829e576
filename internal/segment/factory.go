package segment

import (
	"fmt"
	"os"

	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/resource"
)

const osCreateRW = os.O_RDWR | os.O_CREATE

// Factory creates or loads the segment stored at path.
//
// An existing file is loaded with its header; a missing one is created
// with sizeMB megabytes of capacity.
type Factory interface {
	Create(id int, path string, sizeMB int, mode Mode) (Segment, error)
}

// Kind names a segment backing.
type Kind string

const (
	KindMemory  Kind = "memory"
	KindChannel Kind = "channel"
	KindMapped  Kind = "mapped"
)

// NewFactory returns the factory for kind.
func NewFactory(kind Kind, fsys fs.FileSystem, rc *resource.Controller) (Factory, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	switch kind {
	case KindMemory:
		return &MemoryFactory{FS: fsys, Controller: rc}, nil
	case KindChannel, "":
		return &ChannelFactory{FS: fsys}, nil
	case KindMapped:
		return &MappedFactory{}, nil
	default:
		return nil, fmt.Errorf("segment: unknown backing %q", kind)
	}
}

// MemoryFactory creates heap-backed segments. Capacity is reserved
// against Controller's memory budget.
type MemoryFactory struct {
	FS         fs.FileSystem
	Controller *resource.Controller
}

func (f *MemoryFactory) Create(id int, path string, sizeMB int, mode Mode) (Segment, error) {
	capacity := int64(sizeMB) << 20
	b, err := openMemoryBacking(f.FS, path, capacity, f.Controller)
	if err != nil {
		return nil, err
	}
	return finish(id, path, capacity, mode, b)
}

// ChannelFactory creates segments doing positional file I/O.
type ChannelFactory struct {
	FS fs.FileSystem
}

func (f *ChannelFactory) Create(id int, path string, sizeMB int, mode Mode) (Segment, error) {
	capacity := int64(sizeMB) << 20
	b, err := openChannelBacking(f.FS, path, capacity)
	if err != nil {
		return nil, err
	}
	return finish(id, path, capacity, mode, b)
}

// MappedFactory creates memory-mapped segments. Mappings bypass any
// fs.FileSystem wrapper.
type MappedFactory struct{}

func (MappedFactory) Create(id int, path string, sizeMB int, mode Mode) (Segment, error) {
	capacity := int64(sizeMB) << 20
	b, err := openMappedBacking(path, capacity)
	if err != nil {
		return nil, err
	}
	return finish(id, path, capacity, mode, b)
}

func finish(id int, path string, capacity int64, mode Mode, b backing) (Segment, error) {
	s, err := newSegment(id, path, capacity, mode, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return s, nil
}
