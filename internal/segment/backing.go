package segment

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/mmap"
	"github.com/hupe1980/segkv/internal/resource"
)

// memoryBacking keeps the whole segment on the heap and writes the dirty
// range back to its file on Flush.
type memoryBacking struct {
	buf  []byte
	file fs.File
	rc   *resource.Controller
}

func openMemoryBacking(fsys fs.FileSystem, path string, capacity int64, rc *resource.Controller) (*memoryBacking, error) {
	if err := rc.AcquireMemory(capacity); err != nil {
		return nil, err
	}
	f, err := openSized(fsys, path, capacity)
	if err != nil {
		rc.ReleaseMemory(capacity)
		return nil, err
	}
	buf := make([]byte, capacity)
	if _, err := f.ReadAt(buf, 0); err != nil {
		_ = f.Close()
		rc.ReleaseMemory(capacity)
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &memoryBacking{buf: buf, file: f, rc: rc}, nil
}

func (m *memoryBacking) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memoryBacking) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func (m *memoryBacking) Flush(from, to int64) error {
	if _, err := m.file.WriteAt(m.buf[:HeaderSize], 0); err != nil {
		return err
	}
	if to > from {
		if _, err := m.file.WriteAt(m.buf[from:to], from); err != nil {
			return err
		}
	}
	return m.file.Sync()
}

func (m *memoryBacking) Close() error {
	err := m.file.Close()
	m.rc.ReleaseMemory(int64(len(m.buf)))
	m.buf = nil
	return err
}

// channelBacking does positional I/O on the file.
type channelBacking struct {
	file fs.File
}

func openChannelBacking(fsys fs.FileSystem, path string, capacity int64) (*channelBacking, error) {
	f, err := openSized(fsys, path, capacity)
	if err != nil {
		return nil, err
	}
	return &channelBacking{file: f}, nil
}

func (c *channelBacking) ReadAt(p []byte, off int64) (int, error) { return c.file.ReadAt(p, off) }
func (c *channelBacking) WriteAt(p []byte, off int64) (int, error) {
	return c.file.WriteAt(p, off)
}
func (c *channelBacking) Flush(_, _ int64) error { return c.file.Sync() }
func (c *channelBacking) Close() error           { return c.file.Close() }

// mappedBacking reads and writes through a shared mapping.
type mappedBacking struct {
	m *mmap.Mapping
}

func openMappedBacking(path string, capacity int64) (*mappedBacking, error) {
	m, err := mmap.OpenRW(path, int(capacity))
	if err != nil {
		return nil, err
	}
	_ = m.Advise(mmap.AccessRandom) // Hint only
	return &mappedBacking{m: m}, nil
}

func (b *mappedBacking) ReadAt(p []byte, off int64) (int, error) { return b.m.ReadAt(p, off) }
func (b *mappedBacking) WriteAt(p []byte, off int64) (int, error) {
	return b.m.WriteAt(p, off)
}
func (b *mappedBacking) Close() error { return b.m.Close() }

// Flush forces the appended range before the header that publishes it.
func (b *mappedBacking) Flush(from, to int64) error {
	if err := b.m.SyncRange(int(from), int(to-from)); err != nil {
		return err
	}
	return b.m.SyncRange(0, HeaderSize)
}

// openSized opens or creates path and makes sure it spans capacity bytes.
func openSized(fsys fs.FileSystem, path string, capacity int64) (fs.File, error) {
	f, err := fsys.OpenFile(path, osCreateRW, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}
	if fi.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			return nil, errors.Join(err, f.Close())
		}
	}
	return f, nil
}
