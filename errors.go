package tieredcache

import "errors"

var (
	// ErrNotFound is returned when a key is not present in a tier.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when stored data fails integrity validation.
	ErrCorrupt = errors.New("corrupt data")

	// ErrInvalidKey is returned for malformed buckets or legacy keys.
	ErrInvalidKey = errors.New("invalid key")
)
