package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/segkv/blobstore"
)

const (
	CurrentFileName  = "CURRENT"
	ManifestFileName = "MANIFEST.json"
	BackupsPrefix    = "backups"
	CurrentVersion   = 1
)

// Manifest describes one backup.
type Manifest struct {
	Version   int        `json:"version"`
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	LWM       int64      `json:"lwm"`
	HWM       int64      `json:"hwm"`
	Files     []FileInfo `json:"files"`
}

// FileInfo describes one copied file.
type FileInfo struct {
	Path   string `json:"path"` // relative to the store directory
	Size   int64  `json:"size"`
	CRC32C uint32 `json:"crc32c"`
}

// New returns an empty manifest with a fresh id.
func New() *Manifest {
	return &Manifest{
		Version:   CurrentVersion,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// Dir returns the blob prefix of backup id.
func Dir(id string) string { return path.Join(BackupsPrefix, id) }

// FileBlob returns the blob name holding rel for backup id.
func FileBlob(id, rel string) string { return path.Join(Dir(id), "files", rel) }

// Store reads and commits manifests.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore returns a manifest store on top of bs.
func NewStore(bs blobstore.BlobStore) *Store {
	return &Store{store: bs}
}

// Current returns the committed backup id.
func (s *Store) Current(ctx context.Context) (string, error) {
	data, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Load returns the committed manifest.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	id, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.LoadID(ctx, id)
}

// LoadID returns the manifest of backup id, committed or not.
func (s *Store) LoadID(ctx context.Context, id string) (*Manifest, error) {
	data, err := blobstore.ReadAll(ctx, s.store, path.Join(Dir(id), ManifestFileName))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: backup %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", id, err)
	}
	if m.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, m.Version)
	}
	return &m, nil
}

// Save writes m and points CURRENT at it.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, path.Join(Dir(m.ID), ManifestFileName), data); err != nil {
		return fmt.Errorf("write manifest %s: %w", m.ID, err)
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(m.ID)); err != nil {
		return fmt.Errorf("commit %s: %w", m.ID, err)
	}
	return nil
}

// List returns the ids of all backups that have a manifest.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.store.List(ctx, BackupsPrefix+"/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range names {
		rest := strings.TrimPrefix(name, BackupsPrefix+"/")
		id, file, ok := strings.Cut(rest, "/")
		if ok && file == ManifestFileName {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Delete removes every blob of backup id. The committed backup cannot be
// deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Current(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if cur == id {
		return fmt.Errorf("manifest: backup %s is current", id)
	}

	names, err := s.store.List(ctx, Dir(id)+"/")
	if err != nil {
		return err
	}
	// Manifest last so a partial delete still lists as a backup.
	manifest := path.Join(Dir(id), ManifestFileName)
	for _, name := range names {
		if name == manifest {
			continue
		}
		if err := s.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return s.store.Delete(ctx, manifest)
}
