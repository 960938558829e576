package blobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	segfs "github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/mmap"
)

// LocalStore keeps blobs as files below root. Names use forward slashes.
type LocalStore struct {
	root string
	fsys segfs.FileSystem
}

// NewLocalStore returns a store rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root, fsys: segfs.Default}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *LocalStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(name)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// Empty files cannot be mapped.
	if fi.Size() == 0 {
		return &memoryBlob{}, nil
	}
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	_ = m.Advise(mmap.AccessSequential)
	return &localBlob{memoryBlob: memoryBlob{data: m.Bytes()}, m: m}, nil
}

func (s *LocalStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(name)
	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := s.fsys.OpenFile(path+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{store: s, f: f, path: path}, nil
}

func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.path(name)
	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := segfs.WriteFileAtomic(s.fsys, path, data, 0o644); err != nil {
		return err
	}
	return segfs.SyncDir(s.fsys, filepath.Dir(path))
}

func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fsys.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

type localBlob struct {
	memoryBlob
	m *mmap.Mapping
}

func (b *localBlob) Close() error { return b.m.Close() }

type localWritableBlob struct {
	store  *LocalStore
	f      segfs.File
	path   string
	closed bool
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	return w.f.Write(p)
}

func (w *localWritableBlob) Sync() error { return w.f.Sync() }

// Close syncs the temporary file and renames it into place.
func (w *localWritableBlob) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	tmp := w.path + ".tmp"
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = w.store.fsys.Remove(tmp)
		return err
	}
	if err := w.f.Close(); err != nil {
		_ = w.store.fsys.Remove(tmp)
		return err
	}
	if err := w.store.fsys.Rename(tmp, w.path); err != nil {
		return err
	}
	return segfs.SyncDir(w.store.fsys, filepath.Dir(w.path))
}

// Abort closes and removes the temporary file.
func (w *localWritableBlob) Abort(context.Context) error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	return errors.Join(w.f.Close(), w.store.fsys.Remove(w.path+".tmp"))
}
