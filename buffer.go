package tieredcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// attempted. Smaller payloads are stored as-is.
	CompressionThreshold = 2048

	// MaxDecompressedSize caps decompression to guard against compression bombs.
	MaxDecompressedSize = 1 << 30
)

// CompressionMethod identifies how a CompressedBuffer payload is encoded.
type CompressionMethod uint8

const (
	MethodNone CompressionMethod = iota
	MethodZstd
)

func (m CompressionMethod) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodZstd:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

var compressedMagic = [4]byte{'T', 'C', 'Z', '1'}

// header layout: magic | method | raw size | raw hash
const compressedHeaderSize = len(compressedMagic) + 1 + 8 + HashSize

// ErrDecompressionBomb is returned when the declared raw size exceeds
// MaxDecompressedSize.
var ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			codecErr = fmt.Errorf("creating zstd encoder: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
		if codecErr != nil {
			codecErr = fmt.Errorf("creating zstd decoder: %w", codecErr)
		}
	})
	return encoder, decoder, codecErr
}

// CompressedBuffer is an immutable compressed payload together with the
// size and hash of the raw bytes it decodes to.
type CompressedBuffer struct {
	method  CompressionMethod
	rawSize uint64
	rawHash Hash
	payload []byte
}

// Compress encodes raw with zstd when it is large enough and compression
// actually saves space.
func Compress(raw []byte) (*CompressedBuffer, error) {
	buf := &CompressedBuffer{
		method:  MethodNone,
		rawSize: uint64(len(raw)),
		rawHash: HashBytes(raw),
		payload: raw,
	}
	if len(raw) < CompressionThreshold {
		return buf, nil
	}
	enc, _, err := codec()
	if err != nil {
		return nil, err
	}
	compressed := enc.EncodeAll(raw, nil)
	if len(compressed) < len(raw) {
		buf.method = MethodZstd
		buf.payload = compressed
	}
	return buf, nil
}

// Method returns the payload encoding.
func (b *CompressedBuffer) Method() CompressionMethod { return b.method }

// RawSize returns the decompressed size.
func (b *CompressedBuffer) RawSize() uint64 { return b.rawSize }

// RawHash returns the hash of the decompressed bytes.
func (b *CompressedBuffer) RawHash() Hash { return b.rawHash }

// Size returns the encoded size including the header.
func (b *CompressedBuffer) Size() int {
	return compressedHeaderSize + len(b.payload)
}

// Decompress returns the raw bytes. The result must not be modified when the
// method is MethodNone since it aliases the buffer.
func (b *CompressedBuffer) Decompress() ([]byte, error) {
	if b.rawSize > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	switch b.method {
	case MethodNone:
		if uint64(len(b.payload)) != b.rawSize {
			return nil, fmt.Errorf("%w: stored size %d, expected %d", ErrCorrupt, len(b.payload), b.rawSize)
		}
		return b.payload, nil
	case MethodZstd:
		_, dec, err := codec()
		if err != nil {
			return nil, err
		}
		raw, err := dec.DecodeAll(b.payload, make([]byte, 0, b.rawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCorrupt, err)
		}
		if uint64(len(raw)) != b.rawSize {
			return nil, fmt.Errorf("%w: decompressed size %d, expected %d", ErrCorrupt, len(raw), b.rawSize)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression %s", ErrCorrupt, b.method)
	}
}

// DecompressRange returns size raw bytes starting at offset.
func (b *CompressedBuffer) DecompressRange(offset, size uint64) ([]byte, error) {
	if offset > b.rawSize || size > b.rawSize-offset {
		return nil, fmt.Errorf("range [%d,%d) outside raw size %d", offset, offset+size, b.rawSize)
	}
	raw, err := b.Decompress()
	if err != nil {
		return nil, err
	}
	return raw[offset : offset+size], nil
}

// Validate decompresses the payload and checks it against the raw hash.
func (b *CompressedBuffer) Validate() error {
	raw, err := b.Decompress()
	if err != nil {
		return err
	}
	if HashBytes(raw) != b.rawHash {
		return fmt.Errorf("%w: raw hash mismatch", ErrCorrupt)
	}
	return nil
}

// MarshalBinary encodes the header and payload.
func (b *CompressedBuffer) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, b.Size())
	out = append(out, compressedMagic[:]...)
	out = append(out, byte(b.method))
	out = binary.BigEndian.AppendUint64(out, b.rawSize)
	out = append(out, b.rawHash[:]...)
	out = append(out, b.payload...)
	return out, nil
}

// WriteTo writes the encoded buffer to w.
func (b *CompressedBuffer) WriteTo(w io.Writer) (int64, error) {
	data, _ := b.MarshalBinary()
	n, err := w.Write(data)
	return int64(n), err
}

// DecodeCompressedBuffer parses bytes written by MarshalBinary. The payload
// is retained without copying.
func DecodeCompressedBuffer(data []byte) (*CompressedBuffer, error) {
	if len(data) < compressedHeaderSize {
		return nil, fmt.Errorf("%w: compressed buffer too short (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:len(compressedMagic)], compressedMagic[:]) {
		return nil, fmt.Errorf("%w: bad compressed buffer magic", ErrCorrupt)
	}
	off := len(compressedMagic)
	b := &CompressedBuffer{method: CompressionMethod(data[off])}
	off++
	b.rawSize = binary.BigEndian.Uint64(data[off:])
	off += 8
	copy(b.rawHash[:], data[off:off+HashSize])
	off += HashSize
	b.payload = data[off:]
	if b.method > MethodZstd {
		return nil, fmt.Errorf("%w: unsupported compression %s", ErrCorrupt, b.method)
	}
	return b, nil
}

// CompositeBuffer is an ordered view over immutable byte segments. It never
// copies segments on Append.
type CompositeBuffer struct {
	segments [][]byte
	size     int
}

// NewCompositeBuffer creates a buffer over the given segments.
func NewCompositeBuffer(segments ...[]byte) *CompositeBuffer {
	c := &CompositeBuffer{}
	for _, s := range segments {
		c.Append(s)
	}
	return c
}

// ErrTooLarge is returned by ReadCompositeBuffer when the input exceeds
// its limit.
var ErrTooLarge = errors.New("payload exceeds size limit")

const (
	minSegment = 4 << 10
	maxSegment = 1 << 20
)

// ReadCompositeBuffer reads r to EOF into freshly allocated segments that
// double in size up to 1MiB, so large bodies are never copied to grow.
func ReadCompositeBuffer(r io.Reader, limit int64) (*CompositeBuffer, error) {
	c := &CompositeBuffer{}
	size := minSegment
	for {
		seg := make([]byte, size)
		n, err := io.ReadFull(r, seg)
		c.Append(seg[:n])
		if int64(c.size) > limit {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return c, nil
		case err != nil:
			return nil, err
		}
		size = min(size*2, maxSegment)
	}
}

// Append adds a segment. Empty segments are ignored.
func (c *CompositeBuffer) Append(seg []byte) {
	if len(seg) == 0 {
		return
	}
	c.segments = append(c.segments, seg)
	c.size += len(seg)
}

// Len returns the total size of all segments.
func (c *CompositeBuffer) Len() int { return c.size }

// Segments returns the underlying segments.
func (c *CompositeBuffer) Segments() [][]byte { return c.segments }

// Bytes returns the contents as one slice, copying only if there is more
// than one segment.
func (c *CompositeBuffer) Bytes() []byte {
	switch len(c.segments) {
	case 0:
		return nil
	case 1:
		return c.segments[0]
	}
	out := make([]byte, 0, c.size)
	for _, s := range c.segments {
		out = append(out, s...)
	}
	return out
}

// Reader returns a reader over all segments.
func (c *CompositeBuffer) Reader() io.Reader {
	readers := make([]io.Reader, len(c.segments))
	for i, s := range c.segments {
		readers[i] = bytes.NewReader(s)
	}
	return io.MultiReader(readers...)
}

// WriteTo writes every segment to w.
func (c *CompositeBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, s := range c.segments {
		n, err := w.Write(s)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Hash returns the hash of the concatenated segments.
func (c *CompositeBuffer) Hash() Hash {
	h := NewHasher()
	_, _ = c.WriteTo(h)
	return h.Sum()
}
