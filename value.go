package tieredcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Value is the unit stored by cache tiers. RawHash and RawSize describe the
// uncompressed payload and are always present; Data may be nil when the
// value was fetched with SkipData.
type Value struct {
	RawHash Hash
	RawSize uint64
	Data    *CompressedBuffer
}

// NewValue compresses raw and builds a Value from it.
func NewValue(raw []byte) (Value, error) {
	buf, err := Compress(raw)
	if err != nil {
		return Value{}, err
	}
	return ValueFromCompressed(buf), nil
}

// MustValue is NewValue for tests and constants.
func MustValue(raw []byte) Value {
	v, err := NewValue(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// ValueFromCompressed wraps an existing compressed buffer.
func ValueFromCompressed(buf *CompressedBuffer) Value {
	return Value{RawHash: buf.RawHash(), RawSize: buf.RawSize(), Data: buf}
}

// HasData reports whether the payload is present.
func (v Value) HasData() bool {
	return v.Data != nil
}

// RemoveData returns a metadata-only copy of the value.
func (v Value) RemoveData() Value {
	return Value{RawHash: v.RawHash, RawSize: v.RawSize}
}

// Raw decompresses the payload.
func (v Value) Raw() ([]byte, error) {
	if v.Data == nil {
		return nil, fmt.Errorf("value %s has no data", v.RawHash.ShortString())
	}
	return v.Data.Decompress()
}

// Size returns the encoded size of the value as stored by tiers.
func (v Value) Size() int {
	n := valueHeaderSize
	if v.Data != nil {
		n += v.Data.Size()
	}
	return n
}

// Validate checks that the payload decodes to RawHash and RawSize.
func (v Value) Validate() error {
	if v.Data == nil {
		return nil
	}
	if v.Data.RawHash() != v.RawHash || v.Data.RawSize() != v.RawSize {
		return fmt.Errorf("%w: value header does not match payload", ErrCorrupt)
	}
	raw, err := v.Data.Decompress()
	if err != nil {
		return err
	}
	if uint64(len(raw)) != v.RawSize {
		return fmt.Errorf("%w: raw size %d, expected %d", ErrCorrupt, len(raw), v.RawSize)
	}
	if HashBytes(raw) != v.RawHash {
		return fmt.Errorf("%w: raw hash mismatch for %s", ErrCorrupt, v.RawHash.ShortString())
	}
	return nil
}

// Equal reports whether two values describe the same raw content.
func (v Value) Equal(o Value) bool {
	return v.RawHash == o.RawHash && v.RawSize == o.RawSize
}

var valueMagic = [4]byte{'T', 'C', 'V', '1'}

// header layout: magic | raw hash | raw size | has data
const valueHeaderSize = len(valueMagic) + HashSize + 8 + 1

// Encode serializes the value for storage or transfer.
func (v Value) Encode() []byte {
	out := make([]byte, 0, v.Size())
	out = append(out, valueMagic[:]...)
	out = append(out, v.RawHash[:]...)
	out = binary.BigEndian.AppendUint64(out, v.RawSize)
	if v.Data == nil {
		return append(out, 0)
	}
	out = append(out, 1)
	data, _ := v.Data.MarshalBinary()
	return append(out, data...)
}

// DecodeValue parses bytes produced by Encode.
func DecodeValue(data []byte) (Value, error) {
	if len(data) < valueHeaderSize {
		return Value{}, fmt.Errorf("%w: value too short (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:len(valueMagic)], valueMagic[:]) {
		return Value{}, fmt.Errorf("%w: bad value magic", ErrCorrupt)
	}
	off := len(valueMagic)
	var v Value
	copy(v.RawHash[:], data[off:off+HashSize])
	off += HashSize
	v.RawSize = binary.BigEndian.Uint64(data[off:])
	off += 8
	hasData := data[off]
	off++
	if hasData == 0 {
		return v, nil
	}
	buf, err := DecodeCompressedBuffer(data[off:])
	if err != nil {
		return Value{}, err
	}
	if buf.RawHash() != v.RawHash || buf.RawSize() != v.RawSize {
		return Value{}, fmt.Errorf("%w: value header does not match payload", ErrCorrupt)
	}
	v.Data = buf
	return v, nil
}
