// Package watermark persists per-source water marks.
//
// A replication consumer applies changes from several sources into one
// store. It records, for each source, the lowest SCN not yet durable
// (after a restart everything above it is requested again) and the highest
// SCN seen. The table lives in a bbolt file next to the store.
package watermark

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the default table file inside a store directory.
const FileName = "watermarks.db"

var bucketName = []byte("watermarks")

var (
	// ErrEmptySource is returned for an empty source name.
	ErrEmptySource = errors.New("watermark: empty source")
	// ErrInverted is returned when lwm > hwm.
	ErrInverted = errors.New("watermark: low mark above high mark")
)

// Marks are the water marks of one source.
type Marks struct {
	LWM int64
	HWM int64
}

// Table maps source names to Marks.
type Table struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout bounds the wait for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open opens or creates the table at path.
func Open(path string, opts ...Option) (*Table, error) {
	o := options{timeout: time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return &Table{db: db, logger: o.logger}, nil
}

func encode(m Marks) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(m.LWM))
	binary.BigEndian.PutUint64(buf[8:], uint64(m.HWM))
	return buf[:]
}

func decode(v []byte) (Marks, error) {
	if len(v) != 16 {
		return Marks{}, fmt.Errorf("watermark: bad value length %d", len(v))
	}
	return Marks{
		LWM: int64(binary.BigEndian.Uint64(v[0:])),
		HWM: int64(binary.BigEndian.Uint64(v[8:])),
	}, nil
}

// Get returns the marks of source. ok is false when none are recorded.
func (t *Table) Get(source string) (m Marks, ok bool, err error) {
	err = t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(source))
		if v == nil {
			return nil
		}
		ok = true
		m, err = decode(v)
		return err
	})
	return m, ok, err
}

// Set stores m for source, replacing what was there.
func (t *Table) Set(source string, m Marks) error {
	if source == "" {
		return ErrEmptySource
	}
	if m.LWM > m.HWM {
		return ErrInverted
	}
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(source), encode(m))
	})
}

// Advance raises the marks of source to at least m and returns the result.
// Marks never move backwards.
func (t *Table) Advance(source string, m Marks) (Marks, error) {
	if source == "" {
		return Marks{}, ErrEmptySource
	}
	var out Marks
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		out = m
		if v := b.Get([]byte(source)); v != nil {
			cur, err := decode(v)
			if err != nil {
				return err
			}
			if cur.LWM > m.LWM || cur.HWM > m.HWM {
				t.logger.Debug("water mark not advanced", "source", source,
					"lwm", cur.LWM, "hwm", cur.HWM, "req_lwm", m.LWM, "req_hwm", m.HWM)
			}
			out = Marks{LWM: max(cur.LWM, m.LWM), HWM: max(cur.HWM, m.HWM)}
		}
		out.HWM = max(out.HWM, out.LWM)
		return b.Put([]byte(source), encode(out))
	})
	return out, err
}

// Delete forgets source.
func (t *Table) Delete(source string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(source))
	})
}

// All returns every recorded source.
func (t *Table) All() (map[string]Marks, error) {
	out := make(map[string]Marks)
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			m, err := decode(v)
			if err != nil {
				return fmt.Errorf("source %q: %w", k, err)
			}
			out[string(k)] = m
			return nil
		})
	})
	return out, err
}

// WriteTo writes a consistent copy of the table file to w.
func (t *Table) WriteTo(w io.Writer) (n int64, err error) {
	err = t.db.View(func(tx *bolt.Tx) error {
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// Path returns the file backing the table.
func (t *Table) Path() string { return t.db.Path() }

// Close closes the table.
func (t *Table) Close() error { return t.db.Close() }
