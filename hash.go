package tieredcache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the digest length in bytes. Only 256-bit digests are used.
const HashSize = 32

// Hash is a BLAKE3 digest. Cache keys are hashes of an identity and values
// carry the hash of their raw payload.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ShortString is the first eight bytes in hex, for log lines.
func (h Hash) ShortString() string { return hex.EncodeToString(h[:8]) }

// Shard names the directory a key's file lives in: the first byte in hex.
func (h Hash) Shard() string { return hex.EncodeToString(h[:1]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) {
	out := make([]byte, HashSize*2)
	hex.Encode(out, h[:])
	return out, nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("%w: hash has %d hex chars, want %d", ErrInvalidKey, len(text), HashSize*2)
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// ParseHash parses 64 hex characters.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

func HashBytes(data []byte) Hash { return Hash(blake3.Sum256(data)) }

func HashString(s string) Hash { return HashBytes([]byte(s)) }

// HashParts hashes parts with a zero byte between each, so ("ab", "c") and
// ("a", "bc") differ. It derives keys scoped by a namespace or owner.
func HashParts(parts ...[]byte) Hash {
	h := blake3.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// Hasher accumulates a digest over several writes, such as the segments of
// a CompositeBuffer.
type Hasher struct {
	h *blake3.Hasher
}

func NewHasher() *Hasher { return &Hasher{h: blake3.New()} }

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum does not reset the hasher.
func (h *Hasher) Sum() Hash {
	var out Hash
	h.h.Sum(out[:0])
	return out
}

// HashReader digests everything read from r and returns the byte count.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing reader: %w", err)
	}
	return h.Sum(), n, nil
}
