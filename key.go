package tieredcache

import (
	"fmt"
	"strings"
)

// MaxBucketLength bounds the length of a key bucket name.
const MaxBucketLength = 64

// CacheKey identifies a cached record: a bucket naming the kind of data and
// the hash of whatever inputs produced it. CacheKey is comparable and can be
// used as a map key.
type CacheKey struct {
	Bucket string
	Hash   Hash
}

// NewCacheKey creates a key, validating the bucket name.
func NewCacheKey(bucket string, h Hash) (CacheKey, error) {
	if err := ValidateBucket(bucket); err != nil {
		return CacheKey{}, err
	}
	return CacheKey{Bucket: bucket, Hash: h}, nil
}

// KeyFor is a convenience for building keys from a bucket and an arbitrary
// identity string. It panics on an invalid bucket and is meant for
// constants and tests.
func KeyFor(bucket, identity string) CacheKey {
	k, err := NewCacheKey(bucket, HashString(identity))
	if err != nil {
		panic(err)
	}
	return k
}

// ValidateBucket checks that a bucket is a non-empty ASCII identifier.
func ValidateBucket(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("%w: empty bucket", ErrInvalidKey)
	}
	if len(bucket) > MaxBucketLength {
		return fmt.Errorf("%w: bucket %q longer than %d", ErrInvalidKey, bucket, MaxBucketLength)
	}
	for i := 0; i < len(bucket); i++ {
		if !isKeyChar(bucket[i]) {
			return fmt.Errorf("%w: bucket %q contains %q", ErrInvalidKey, bucket, bucket[i])
		}
	}
	return nil
}

// IsZero reports whether the key is unset.
func (k CacheKey) IsZero() bool {
	return k.Bucket == "" && k.Hash.IsZero()
}

// String returns the canonical form "bucket/hex".
func (k CacheKey) String() string {
	return k.Bucket + "/" + k.Hash.String()
}

// StoragePath returns the relative storage path for the key.
// Format: {bucket}/{hex[:2]}/{hex}
func (k CacheKey) StoragePath() string {
	return k.Bucket + "/" + k.Hash.Shard() + "/" + k.Hash.String()
}

// MarshalText implements encoding.TextMarshaler.
func (k CacheKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CacheKey) UnmarshalText(text []byte) error {
	parsed, err := ParseCacheKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseCacheKey parses the "bucket/hex" form produced by String.
func ParseCacheKey(s string) (CacheKey, error) {
	bucket, hexStr, ok := strings.Cut(s, "/")
	if !ok {
		return CacheKey{}, fmt.Errorf("%w: missing separator in %q", ErrInvalidKey, s)
	}
	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: invalid hash in %q: %v", ErrInvalidKey, s, err)
	}
	return NewCacheKey(bucket, h)
}

// ParseStoragePath extracts a key from a path produced by StoragePath.
func ParseStoragePath(p string) (CacheKey, error) {
	parts := strings.Split(p, "/")
	if len(parts) != 3 {
		return CacheKey{}, fmt.Errorf("%w: invalid storage path %q", ErrInvalidKey, p)
	}
	k, err := ParseCacheKey(parts[0] + "/" + parts[2])
	if err != nil {
		return CacheKey{}, err
	}
	if parts[1] != k.Hash.Shard() {
		return CacheKey{}, fmt.Errorf("%w: shard mismatch in %q", ErrInvalidKey, p)
	}
	return k, nil
}

func isKeyChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
