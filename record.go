package tieredcache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ValueIDSize is the size of a ValueID in bytes.
const ValueIDSize = 12

// ValueID names a value within a record. It is derived from a stable name
// so producers and consumers agree on it without coordination.
type ValueID [ValueIDSize]byte

// NewValueID derives an id from name.
func NewValueID(name string) ValueID {
	h := HashString(name)
	var id ValueID
	copy(id[:], h[:ValueIDSize])
	return id
}

func (id ValueID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseValueID parses the hex form produced by String.
func ParseValueID(s string) (ValueID, error) {
	var id ValueID
	if len(s) != ValueIDSize*2 {
		return id, fmt.Errorf("invalid value id length %d", len(s))
	}
	_, err := hex.Decode(id[:], []byte(s))
	return id, err
}

// ErrDuplicateValue is returned when a record is built with two values
// sharing an id.
var ErrDuplicateValue = errors.New("duplicate value id")

// RecordValue is a value tagged with its id.
type RecordValue struct {
	ID    ValueID
	Value Value
}

// CacheRecord is an immutable bundle of a key, structured metadata and an
// ordered set of uniquely identified values.
type CacheRecord struct {
	key    CacheKey
	meta   *structpb.Struct
	values []RecordValue
}

// Key returns the record key.
func (r *CacheRecord) Key() CacheKey { return r.key }

// Meta returns the metadata. Callers must not modify it.
func (r *CacheRecord) Meta() *structpb.Struct { return r.meta }

// Values returns the values ordered by id.
func (r *CacheRecord) Values() []RecordValue { return r.values }

// Value looks up a value by id.
func (r *CacheRecord) Value(id ValueID) (Value, bool) {
	i, ok := slices.BinarySearchFunc(r.values, id, func(rv RecordValue, id ValueID) int {
		return bytes.Compare(rv.ID[:], id[:])
	})
	if !ok {
		return Value{}, false
	}
	return r.values[i].Value, true
}

// WithoutData returns a copy of the record whose values carry metadata only.
func (r *CacheRecord) WithoutData() *CacheRecord {
	out := &CacheRecord{key: r.key, meta: r.meta, values: make([]RecordValue, len(r.values))}
	for i, rv := range r.values {
		out.values[i] = RecordValue{ID: rv.ID, Value: rv.Value.RemoveData()}
	}
	return out
}

// WithValues returns a copy of the record with values replaced by id.
// Ids not present in the record are ignored.
func (r *CacheRecord) WithValues(values map[ValueID]Value) *CacheRecord {
	out := &CacheRecord{key: r.key, meta: r.meta, values: slices.Clone(r.values)}
	for i, rv := range out.values {
		if v, ok := values[rv.ID]; ok {
			out.values[i].Value = v
		}
	}
	return out
}

// RecordBuilder assembles a CacheRecord.
type RecordBuilder struct {
	key    CacheKey
	meta   *structpb.Struct
	values map[ValueID]Value
}

// NewRecordBuilder starts a record for key.
func NewRecordBuilder(key CacheKey) *RecordBuilder {
	return &RecordBuilder{key: key, values: make(map[ValueID]Value)}
}

// SetMeta sets the record metadata from a plain map.
func (b *RecordBuilder) SetMeta(meta map[string]any) error {
	s, err := structpb.NewStruct(meta)
	if err != nil {
		return fmt.Errorf("building record metadata: %w", err)
	}
	b.meta = s
	return nil
}

// AddValue adds a value. Adding two values with the same id is an error.
func (b *RecordBuilder) AddValue(id ValueID, v Value) error {
	if _, ok := b.values[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateValue, id)
	}
	b.values[id] = v
	return nil
}

// Build returns the immutable record.
func (b *RecordBuilder) Build() *CacheRecord {
	r := &CacheRecord{key: b.key, meta: b.meta}
	if r.meta == nil {
		r.meta = &structpb.Struct{}
	}
	r.values = make([]RecordValue, 0, len(b.values))
	for id, v := range b.values {
		r.values = append(r.values, RecordValue{ID: id, Value: v})
	}
	slices.SortFunc(r.values, func(a, b RecordValue) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return r
}

var recordMagic = [4]byte{'T', 'C', 'R', '1'}

// EncodeRecord serializes a record as a single blob.
func EncodeRecord(r *CacheRecord) ([]byte, error) {
	meta, err := proto.MarshalOptions{Deterministic: true}.Marshal(r.meta)
	if err != nil {
		return nil, fmt.Errorf("encoding record metadata: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(recordMagic[:])
	writeBlock(&buf, []byte(r.key.Bucket))
	buf.Write(r.key.Hash[:])
	writeBlock(&buf, meta)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(r.values)))
	for _, rv := range r.values {
		buf.Write(rv.ID[:])
		writeBlock(&buf, rv.Value.Encode())
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses a blob produced by EncodeRecord.
func DecodeRecord(data []byte) (*CacheRecord, error) {
	d := recordReader{data: data}
	if !bytes.Equal(d.next(len(recordMagic)), recordMagic[:]) {
		return nil, fmt.Errorf("%w: bad record magic", ErrCorrupt)
	}
	r := &CacheRecord{meta: &structpb.Struct{}}
	r.key.Bucket = string(d.block())
	copy(r.key.Hash[:], d.next(HashSize))
	meta := d.block()
	count := d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if err := proto.Unmarshal(meta, r.meta); err != nil {
		return nil, fmt.Errorf("%w: decoding record metadata: %v", ErrCorrupt, err)
	}
	for i := uint32(0); i < count && d.err == nil; i++ {
		var rv RecordValue
		copy(rv.ID[:], d.next(ValueIDSize))
		raw := d.block()
		if d.err != nil {
			break
		}
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		rv.Value = v
		r.values = append(r.values, rv)
	}
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

func writeBlock(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

type recordReader struct {
	data []byte
	err  error
}

func (d *recordReader) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.data) {
		d.err = fmt.Errorf("%w: record truncated", ErrCorrupt)
		return nil
	}
	b := d.data[:n]
	d.data = d.data[n:]
	return b
}

func (d *recordReader) u32() uint32 {
	b := d.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *recordReader) block() []byte {
	n := d.u32()
	return d.next(int(n))
}
