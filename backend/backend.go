// Package backend stores the entry files of persistent cache tiers.
// Keys are slash separated storage paths such as "Mesh/3f/3f09...".
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrReadOnly is returned by writes against a read-only backend.
	ErrReadOnly = errors.New("backend is read-only")

	// ErrInvalidPath is returned for keys that would leave the root.
	ErrInvalidPath = errors.New("invalid storage path")
)

// Backend is byte storage addressed by storage path. Implementations must
// be safe for concurrent use.
type Backend interface {
	// Write replaces the data at key. Readers never see a partial write.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read returns ErrNotFound for a missing key. The caller closes the
	// reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend reports stored sizes, used to rebuild the access index.
type SizeAwareBackend interface {
	Backend
	Size(ctx context.Context, key string) (int64, error)
}

// FramedBackend stores entries prefixed with an EntryHeader.
type FramedBackend interface {
	WriteFramed(ctx context.Context, key string, header *EntryHeader, body io.Reader) error
	ReadFramed(ctx context.Context, key string) (*EntryHeader, io.ReadCloser, error)
}

// TouchBackend records access times so unused entries can be expired.
type TouchBackend interface {
	Touch(ctx context.Context, key string, at time.Time) error
}

// EntryBackend is the storage a persistent tier works against.
type EntryBackend interface {
	SizeAwareBackend
	FramedBackend
	TouchBackend
}
