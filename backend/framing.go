package backend

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

// Entry files start with a fixed binary header:
//
//	MAGIC "TCE2" | bucket len (u8) | bucket | key hash (32) |
//	raw hash (32) | raw size (u64) | body size (u64) | stored at (i64 unix nanos)
//
// followed by the encoded value. Integers are big-endian.
var (
	MagicBytes = []byte("TCE2")

	ErrInvalidMagic = errors.New("entry file has no TCE2 magic")

	// ErrHeaderTooLarge is returned for a bucket name that cannot be framed.
	ErrHeaderTooLarge = errors.New("entry header too large")

	// ErrBodySize is returned by ReadFramed's body when the stored body is
	// shorter than its header claims.
	ErrBodySize = errors.New("entry body shorter than header")
)

const fixedHeaderSize = 2*tieredcache.HashSize + 3*8

// EntryHeader describes a stored value without reading it.
type EntryHeader struct {
	Key      tieredcache.CacheKey
	RawHash  tieredcache.Hash
	RawSize  uint64
	BodySize int64
	StoredAt time.Time
}

// Describes reports whether the header belongs to key and value.
func (h *EntryHeader) Describes(key tieredcache.CacheKey, v tieredcache.Value) bool {
	return h.Key == key && h.RawHash == v.RawHash && h.RawSize == v.RawSize
}

// HeaderFor builds the header stored in front of an encoded value.
func HeaderFor(key tieredcache.CacheKey, v tieredcache.Value, bodySize int, storedAt time.Time) *EntryHeader {
	return &EntryHeader{
		Key:      key,
		RawHash:  v.RawHash,
		RawSize:  v.RawSize,
		BodySize: int64(bodySize),
		StoredAt: storedAt.UTC(),
	}
}

func (h *EntryHeader) encode() ([]byte, error) {
	if len(h.Key.Bucket) > 0xff {
		return nil, ErrHeaderTooLarge
	}
	buf := make([]byte, 0, len(MagicBytes)+1+len(h.Key.Bucket)+fixedHeaderSize)
	buf = append(buf, MagicBytes...)
	buf = append(buf, byte(len(h.Key.Bucket)))
	buf = append(buf, h.Key.Bucket...)
	buf = append(buf, h.Key.Hash[:]...)
	buf = append(buf, h.RawHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.RawSize)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.BodySize)) //nolint:gosec // sizes are never negative
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.StoredAt.UnixNano()))
	return buf, nil
}

// WriteFramed writes header then body to w.
func WriteFramed(w io.Writer, header *EntryHeader, body io.Reader) error {
	hdr, err := header.encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("writing entry header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing entry body: %w", err)
	}
	return nil
}

// ReadFramed parses the header and returns a reader limited to the body.
func ReadFramed(r io.Reader) (*EntryHeader, io.Reader, error) {
	br := bufio.NewReader(r)
	lead := make([]byte, len(MagicBytes)+1)
	if _, err := io.ReadFull(br, lead); err != nil {
		return nil, nil, fmt.Errorf("reading entry header: %w", err)
	}
	if !bytes.Equal(lead[:len(MagicBytes)], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	rest := make([]byte, int(lead[len(MagicBytes)])+fixedHeaderSize)
	if _, err := io.ReadFull(br, rest); err != nil {
		return nil, nil, fmt.Errorf("reading entry header: %w", err)
	}
	n := int(lead[len(MagicBytes)])
	var h EntryHeader
	h.Key.Bucket = string(rest[:n])
	rest = rest[n:]
	copy(h.Key.Hash[:], rest)
	rest = rest[tieredcache.HashSize:]
	copy(h.RawHash[:], rest)
	rest = rest[tieredcache.HashSize:]
	h.RawSize = binary.BigEndian.Uint64(rest)
	h.BodySize = int64(binary.BigEndian.Uint64(rest[8:])) //nolint:gosec // written from a non-negative int
	h.StoredAt = time.Unix(0, int64(binary.BigEndian.Uint64(rest[16:]))).UTC()
	if h.BodySize < 0 {
		return nil, nil, fmt.Errorf("%w: negative body size", tieredcache.ErrCorrupt)
	}
	return &h, &bodyReader{r: io.LimitReader(br, h.BodySize), left: h.BodySize}, nil
}

// bodyReader reports a truncated body instead of a silent short read.
type bodyReader struct {
	r    io.Reader
	left int64
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.left -= int64(n)
	if errors.Is(err, io.EOF) && b.left > 0 {
		return n, ErrBodySize
	}
	return n, err
}
