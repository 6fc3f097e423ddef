package tieredcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// DefaultMaxLegacyKeyLength is the longest legacy key stored verbatim.
	DefaultMaxLegacyKeyLength = 120

	// MinMaxLegacyKeyLength is the smallest usable maximum: a shortened key
	// needs room for at least one prefix character, the separator and the
	// hex digest.
	MinMaxLegacyKeyLength = HashSize*2 + 3

	// LegacyBucket is used for legacy keys without a usable type prefix.
	LegacyBucket = "Legacy"

	legacySeparator = "__"
)

var legacyTrailerMagic = [4]byte{'T', 'C', 'L', '1'}

// trailer layout: key bytes | u16 key length | data hash | u64 data size | magic
const legacyTrailerFixed = 2 + HashSize + 8 + len(legacyTrailerMagic)

// LegacyKey is a free-form string key made of ASCII letters, digits and
// underscores. The text before the first underscore names the key type.
type LegacyKey string

// Validate checks the character set.
func (k LegacyKey) Validate() error {
	if k == "" {
		return fmt.Errorf("%w: empty legacy key", ErrInvalidKey)
	}
	for i := 0; i < len(k); i++ {
		if !isKeyChar(k[i]) {
			return fmt.Errorf("%w: legacy key %q contains %q", ErrInvalidKey, string(k), k[i])
		}
	}
	if len(k) > 0xffff {
		return fmt.Errorf("%w: legacy key too long", ErrInvalidKey)
	}
	return nil
}

// Type returns the prefix before the first underscore, or the whole key.
func (k LegacyKey) Type() string {
	s := string(k)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return s[:i]
	}
	return s
}

// Shorten returns the key unchanged if it fits in maxLen, otherwise a
// truncated prefix joined to the hex digest of the full key. The result is
// exactly maxLen long and stable for a given input.
func (k LegacyKey) Shorten(maxLen int) LegacyKey {
	maxLen = max(maxLen, MinMaxLegacyKeyLength)
	if len(k) <= maxLen {
		return k
	}
	digest := HashString(string(k)).String()
	prefix := string(k)[:maxLen-len(digest)-len(legacySeparator)]
	return LegacyKey(prefix + legacySeparator + digest)
}

// CacheKey maps the legacy key to a structured key after shortening.
func (k LegacyKey) CacheKey(maxLen int) (CacheKey, error) {
	if err := k.Validate(); err != nil {
		return CacheKey{}, err
	}
	short := k.Shorten(maxLen)
	bucket := k.Type()
	if ValidateBucket(bucket) != nil {
		bucket = LegacyBucket
	}
	return CacheKey{Bucket: bucket, Hash: HashString(string(short))}, nil
}

// AppendLegacyTrailer appends a trailer recording the full key and the
// hash and size of data. The trailer lets readers detect collisions between
// shortened keys and truncated payloads.
func AppendLegacyTrailer(data []byte, key LegacyKey) []byte {
	out := make([]byte, 0, len(data)+len(key)+legacyTrailerFixed)
	out = append(out, data...)
	out = append(out, key...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(key)))
	h := HashBytes(data)
	out = append(out, h[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(len(data)))
	out = append(out, legacyTrailerMagic[:]...)
	return out
}

// SplitLegacyTrailer validates the trailer written by AppendLegacyTrailer
// against key and returns the original data.
func SplitLegacyTrailer(blob []byte, key LegacyKey) ([]byte, error) {
	if len(blob) < legacyTrailerFixed {
		return nil, fmt.Errorf("%w: legacy value too short", ErrCorrupt)
	}
	end := len(blob)
	if !bytes.Equal(blob[end-len(legacyTrailerMagic):], legacyTrailerMagic[:]) {
		return nil, fmt.Errorf("%w: missing legacy trailer", ErrCorrupt)
	}
	end -= len(legacyTrailerMagic)
	size := binary.BigEndian.Uint64(blob[end-8 : end])
	end -= 8
	var h Hash
	copy(h[:], blob[end-HashSize:end])
	end -= HashSize
	keyLen := int(binary.BigEndian.Uint16(blob[end-2 : end]))
	end -= 2
	if keyLen > end {
		return nil, fmt.Errorf("%w: legacy key length out of range", ErrCorrupt)
	}
	storedKey := string(blob[end-keyLen : end])
	end -= keyLen
	if storedKey != string(key) {
		return nil, fmt.Errorf("%w: legacy key mismatch: stored %q", ErrCorrupt, storedKey)
	}
	data := blob[:end]
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("%w: legacy size mismatch: %d != %d", ErrCorrupt, len(data), size)
	}
	if HashBytes(data) != h {
		return nil, fmt.Errorf("%w: legacy hash mismatch", ErrCorrupt)
	}
	return data, nil
}
