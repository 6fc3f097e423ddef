// Package expiry removes cache files that have not been used for a while
// and keeps a cache directory under its size limit.
package expiry

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key has no access record.
var ErrNotFound = errors.New("expiry: entry not found")

var (
	bucketEntries  = []byte("entries")   // key -> Entry JSON
	bucketByAccess = []byte("by_access") // timestamp+key -> key (LRU order)
)

// Entry is the access record for one stored file.
type Entry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Stats returns aggregate statistics about tracked entries.
type Stats struct {
	TotalEntries int64
	TotalSize    int64
	Oldest       time.Time
	Newest       time.Time
}

// Index records size and last access time of stored files in bbolt, ordered
// by access time so the least recently used entries can be walked first.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithIndexLogger sets the logger for the index.
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) {
		i.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) IndexOption {
	return func(i *Index) {
		i.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) IndexOption {
	return func(i *Index) {
		i.noSync = noSync
	}
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string, opts ...IndexOption) (*Index, error) {
	idx := &Index{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(idx)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  idx.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening access index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByAccess} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	idx.db = db
	idx.logger.Debug("opened access index", "path", path)
	return idx, nil
}

// Close closes the database.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

// Get returns the access record for key.
func (i *Index) Get(_ context.Context, key string) (*Entry, error) {
	var entry *Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, key)
		entry = e
		return err
	})
	return entry, err
}

// Create records a newly stored file, replacing any earlier record.
func (i *Index) Create(_ context.Context, key string, size int64) error {
	now := i.now()
	return i.db.Update(func(tx *bbolt.Tx) error {
		if old, err := getEntry(tx, key); err == nil {
			if err := tx.Bucket(bucketByAccess).Delete(accessKey(old.LastAccessed, key)); err != nil {
				return err
			}
		}
		return putEntry(tx, &Entry{Key: key, Size: size, CreatedAt: now, LastAccessed: now})
	})
}

// Touch moves key to the most recently used position.
func (i *Index) Touch(_ context.Context, key string) error {
	now := i.now()
	return i.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketByAccess).Delete(accessKey(entry.LastAccessed, key)); err != nil {
			return err
		}
		entry.LastAccessed = now
		return putEntry(tx, entry)
	})
}

// Delete removes the record for key. Missing keys are not an error.
func (i *Index) Delete(_ context.Context, key string) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getEntry(tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketByAccess).Delete(accessKey(entry.LastAccessed, key)); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// List returns every record, least recently used first.
func (i *Index) List(_ context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketByAccess).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry, err := getEntry(tx, string(v))
			if err != nil {
				i.logger.Debug("stale access record", "key", string(v))
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing access index: %w", err)
	}
	return entries, nil
}

// GetStats returns aggregate statistics.
func (i *Index) GetStats(ctx context.Context) (*Stats, error) {
	entries, err := i.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	for _, e := range entries {
		stats.TotalEntries++
		stats.TotalSize += e.Size
		if stats.Oldest.IsZero() || e.LastAccessed.Before(stats.Oldest) {
			stats.Oldest = e.LastAccessed
		}
		if e.LastAccessed.After(stats.Newest) {
			stats.Newest = e.LastAccessed
		}
	}
	return stats, nil
}

func getEntry(tx *bbolt.Tx, key string) (*Entry, error) {
	data := tx.Bucket(bucketEntries).Get([]byte(key))
	if data == nil {
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding access record %s: %w", key, err)
	}
	return &entry, nil
}

func putEntry(tx *bbolt.Tx, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding access record: %w", err)
	}
	if err := tx.Bucket(bucketEntries).Put([]byte(entry.Key), data); err != nil {
		return err
	}
	return tx.Bucket(bucketByAccess).Put(accessKey(entry.LastAccessed, entry.Key), []byte(entry.Key))
}

// accessKey orders records by access time. Format: [8-byte timestamp][key]
func accessKey(t time.Time, key string) []byte {
	var buf bytes.Buffer
	buf.Write(encodeTimestamp(t))
	buf.WriteString(key)
	return buf.Bytes()
}

// encodeTimestamp converts t to a fixed-width big-endian value that sorts
// in time order, including pre-1970 times.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}
