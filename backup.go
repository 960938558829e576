package segkv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/segkv/blobstore"
	"github.com/hupe1980/segkv/internal/fs"
	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/manifest"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/watermark"
)

// Backup copies a checkpoint of the store to bs and commits it as the
// current backup. Writes block while the store files are copied. Uploads
// are throttled by the IO limit set with WithResourceLimits.
func (s *Store) Backup(ctx context.Context, bs blobstore.BlobStore) (id string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return "", err
	}

	m := manifest.New()
	defer func() { s.logger.LogBackup(ctx, "backup", m.ID, len(m.Files), err) }()

	err = s.data.Checkpoint(func() error {
		m.LWM, m.HWM = s.data.LWMark(), s.data.HWMark()
		return walkFiles(s.opts.fsys, s.dir, "", func(rel string) error {
			if skipBackup(rel) {
				return nil
			}
			path := filepath.Join(s.dir, rel)
			info, err := uploadFile(ctx, bs, s.rc, s.opts.fsys, path, manifest.FileBlob(m.ID, filepath.ToSlash(rel)))
			if err != nil {
				return fmt.Errorf("backup %s: %w", rel, err)
			}
			info.Path = filepath.ToSlash(rel)
			m.Files = append(m.Files, info)
			return nil
		})
	})
	if err != nil {
		return "", translateError(err)
	}

	if s.marks != nil {
		info, err := uploadMarks(ctx, bs, s.rc, s.marks, manifest.FileBlob(m.ID, watermark.FileName))
		if err != nil {
			return "", fmt.Errorf("backup source marks: %w", err)
		}
		m.Files = append(m.Files, info)
	}

	if err := manifest.NewStore(bs).Save(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// walkFiles calls fn with the path of every regular file below root,
// relative to root, in lexical order.
func walkFiles(fsys fs.FileSystem, root, rel string, fn func(rel string) error) error {
	entries, err := fsys.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := filepath.Join(rel, e.Name())
		if e.IsDir() {
			err = walkFiles(fsys, root, name, fn)
		} else {
			err = fn(name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func skipBackup(rel string) bool {
	return strings.HasSuffix(rel, ".tmp") || rel == watermark.FileName
}

func uploadFile(ctx context.Context, bs blobstore.BlobStore, rc *resource.Controller, fsys fs.FileSystem, path, name string) (manifest.FileInfo, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return manifest.FileInfo{}, err
	}
	defer func() { _ = f.Close() }()
	return upload(ctx, bs, rc, name, func(w io.Writer) (int64, error) { return io.Copy(w, f) })
}

func uploadMarks(ctx context.Context, bs blobstore.BlobStore, rc *resource.Controller, t *watermark.Table, name string) (manifest.FileInfo, error) {
	info, err := upload(ctx, bs, rc, name, t.WriteTo)
	info.Path = watermark.FileName
	return info, err
}

func upload(ctx context.Context, bs blobstore.BlobStore, rc *resource.Controller, name string, fill func(io.Writer) (int64, error)) (manifest.FileInfo, error) {
	w, err := bs.Create(ctx, name)
	if err != nil {
		return manifest.FileInfo{}, err
	}
	crc := hash.NewCRC32C()
	n, err := fill(io.MultiWriter(resource.NewRateLimitedWriter(ctx, w, rc), crc))
	if err != nil {
		_ = w.Abort(context.WithoutCancel(ctx))
		return manifest.FileInfo{}, err
	}
	if err := w.Close(); err != nil {
		return manifest.FileInfo{}, err
	}
	return manifest.FileInfo{Size: n, CRC32C: crc.Sum32()}, nil
}

// Backups lists the ids of the backups held in bs.
func Backups(ctx context.Context, bs blobstore.BlobStore) ([]string, error) {
	return manifest.NewStore(bs).List(ctx)
}

// RestoreOption configures Restore and RestoreID.
type RestoreOption func(*restoreOptions)

type restoreOptions struct {
	rc   *resource.Controller
	fsys fs.FileSystem
}

// WithRestoreIOLimit throttles downloads to bytesPerSec. Zero leaves them
// unthrottled.
func WithRestoreIOLimit(bytesPerSec int64) RestoreOption {
	return func(o *restoreOptions) {
		o.rc = resource.NewController(resource.Config{IOLimitBytesPerSec: bytesPerSec})
	}
}

// withRestoreFileSystem sets the file system restored files are written to.
func withRestoreFileSystem(fsys fs.FileSystem) RestoreOption {
	return func(o *restoreOptions) { o.fsys = fsys }
}

// withRestoreController shares a resource controller with the restore.
func withRestoreController(rc *resource.Controller) RestoreOption {
	return func(o *restoreOptions) { o.rc = rc }
}

func applyRestoreOptions(optFns []RestoreOption) restoreOptions {
	o := restoreOptions{fsys: fs.Default}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Restore copies the current backup in bs into dir, which must be missing
// or empty, and returns its id. Open dir afterwards to use the store.
func Restore(ctx context.Context, bs blobstore.BlobStore, dir string, optFns ...RestoreOption) (string, error) {
	m, err := manifest.NewStore(bs).Load(ctx)
	if err != nil {
		return "", translateError(err)
	}
	return m.ID, restore(ctx, bs, m, dir, applyRestoreOptions(optFns))
}

// RestoreID is Restore for a backup other than the current one.
func RestoreID(ctx context.Context, bs blobstore.BlobStore, id, dir string, optFns ...RestoreOption) error {
	m, err := manifest.NewStore(bs).LoadID(ctx, id)
	if err != nil {
		return translateError(err)
	}
	return restore(ctx, bs, m, dir, applyRestoreOptions(optFns))
}

func restore(ctx context.Context, bs blobstore.BlobStore, m *manifest.Manifest, dir string, o restoreOptions) error {
	entries, err := o.fsys.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrNotEmpty, dir)
	}

	dirs := map[string]struct{}{dir: {}}
	for _, fi := range m.Files {
		rel := filepath.FromSlash(fi.Path)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("%w: backup path %q", ErrCorrupt, fi.Path)
		}
		target := filepath.Join(dir, rel)
		if err := o.fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := restoreFile(ctx, bs, o, manifest.FileBlob(m.ID, fi.Path), target, fi); err != nil {
			return fmt.Errorf("restore %s: %w", fi.Path, err)
		}
		dirs[filepath.Dir(target)] = struct{}{}
	}
	for d := range dirs {
		if err := fs.SyncDir(o.fsys, d); err != nil {
			return err
		}
	}
	return nil
}

func restoreFile(ctx context.Context, bs blobstore.BlobStore, o restoreOptions, name, target string, fi manifest.FileInfo) error {
	b, err := bs.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	if b.Size() != fi.Size {
		return fmt.Errorf("%w: size %d, manifest says %d", ErrCorrupt, b.Size(), fi.Size)
	}
	r, err := b.ReadRange(ctx, 0, fi.Size)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	tmp := target + ".tmp"
	f, err := o.fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	crc := hash.NewCRC32C()
	n, err := io.Copy(io.MultiWriter(f, crc), resource.NewRateLimitedReader(ctx, r, o.rc))
	if err == nil && (n != fi.Size || crc.Sum32() != fi.CRC32C) {
		err = fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = o.fsys.Rename(tmp, target)
	}
	if err != nil {
		_ = o.fsys.Remove(tmp)
		return err
	}
	return nil
}
