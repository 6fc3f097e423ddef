package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

// BatchMagic prefixes every batch response stream.
var BatchMagic = []byte("TCB1")

var (
	// ErrInvalidBatchMagic is returned when a response does not start with
	// BatchMagic.
	ErrInvalidBatchMagic = errors.New("invalid magic bytes: expected TCB1")
	// ErrMalformedRecord is returned for truncated or oversized records.
	ErrMalformedRecord = errors.New("malformed batch record")
)

const (
	// MaxNameLength bounds the echoed record name.
	MaxNameLength = 1024
	// MaxPayloadSize bounds a single record payload.
	MaxPayloadSize = 1 << 30
	// MaxBatchOps bounds the operations accepted in one request.
	MaxBatchOps = 1024
)

// Verb selects what a batch operation returns.
type Verb string

const (
	VerbExists Verb = "exists"
	VerbGet    Verb = "get"
)

// Op is one operation of a batch request.
type Op struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Verb   Verb   `json:"verb"`
}

// OpFor builds an operation for key.
func OpFor(key tieredcache.CacheKey, verb Verb) Op {
	return Op{Bucket: key.Bucket, Key: key.Hash.String(), Verb: verb}
}

// Name is the identifier echoed back in the matching record.
func (o Op) Name() string {
	return o.Bucket + "/" + o.Key
}

// CacheKey parses the operation's key.
func (o Op) CacheKey() (tieredcache.CacheKey, error) {
	return tieredcache.ParseCacheKey(o.Name())
}

// EncodeBatchRequest marshals ops as a JSON array.
func EncodeBatchRequest(ops []Op) ([]byte, error) {
	return json.Marshal(ops)
}

// DecodeBatchRequest parses a JSON array of operations.
func DecodeBatchRequest(data []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decoding batch request: %w", err)
	}
	if len(ops) > MaxBatchOps {
		return nil, fmt.Errorf("batch of %d operations exceeds %d", len(ops), MaxBatchOps)
	}
	for i, op := range ops {
		if op.Verb != VerbExists && op.Verb != VerbGet {
			return nil, fmt.Errorf("operation %d: unknown verb %q", i, op.Verb)
		}
	}
	return ops, nil
}

// Code is a per-record result code. Values follow HTTP status codes.
type Code uint16

const (
	CodeOK       Code = 200
	CodeNotFound Code = 404
	CodeError    Code = 500
)

// Record is one result of a batch response.
type Record struct {
	Name    string
	Code    Code
	Hash    tieredcache.Hash
	Size    uint64
	Payload []byte
}

// Found reports whether the record is a hit.
func (r Record) Found() bool { return r.Code == CodeOK }

// Value decodes the payload into a value. Records without payload give a
// metadata-only value.
func (r Record) Value() (tieredcache.Value, error) {
	if len(r.Payload) == 0 {
		return tieredcache.Value{RawHash: r.Hash, RawSize: r.Size}, nil
	}
	v, err := tieredcache.DecodeValue(r.Payload)
	if err != nil {
		return tieredcache.Value{}, err
	}
	if v.RawHash != r.Hash || v.RawSize != r.Size {
		return tieredcache.Value{}, fmt.Errorf("%w: record %s does not match payload", tieredcache.ErrCorrupt, r.Name)
	}
	return v, nil
}

// Clone returns a copy with its own payload.
func (r Record) Clone() Record {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}
	return r
}

// RecordWriter streams batch records.
// Format: MAGIC | repeated [u16 name len][name][u16 code][32 hash][u64 size][u64 payload len][payload]
type RecordWriter struct {
	w       *bufio.Writer
	started bool
}

// NewRecordWriter creates a writer over w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: bufio.NewWriter(w)}
}

func (rw *RecordWriter) start() error {
	if rw.started {
		return nil
	}
	rw.started = true
	if _, err := rw.w.Write(BatchMagic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	return nil
}

// Write appends one record.
func (rw *RecordWriter) Write(rec Record) error {
	if len(rec.Name) > MaxNameLength || len(rec.Payload) > MaxPayloadSize {
		return ErrMalformedRecord
	}
	if err := rw.start(); err != nil {
		return err
	}
	buf := binary.BigEndian.AppendUint16(nil, uint16(len(rec.Name))) //nolint:gosec // bounds-checked above
	buf = append(buf, rec.Name...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(rec.Code))
	buf = append(buf, rec.Hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, rec.Size)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(rec.Payload)))
	if _, err := rw.w.Write(buf); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}
	if _, err := rw.w.Write(rec.Payload); err != nil {
		return fmt.Errorf("writing record payload: %w", err)
	}
	return nil
}

// Close writes the magic if no record was written and flushes.
func (rw *RecordWriter) Close() error {
	if err := rw.start(); err != nil {
		return err
	}
	return rw.w.Flush()
}

// RecordReader parses a batch response stream.
type RecordReader struct {
	r       *bufio.Reader
	checked bool
}

// NewRecordReader creates a reader over r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next returns the next record or io.EOF at a clean end of stream.
func (rr *RecordReader) Next() (Record, error) {
	if !rr.checked {
		rr.checked = true
		magic := make([]byte, len(BatchMagic))
		if _, err := io.ReadFull(rr.r, magic); err != nil {
			return Record{}, fmt.Errorf("%w: reading magic: %v", ErrInvalidBatchMagic, err)
		}
		if string(magic) != string(BatchMagic) {
			return Record{}, ErrInvalidBatchMagic
		}
	}

	var nameLen [2]byte
	if _, err := io.ReadFull(rr.r, nameLen[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	n := int(binary.BigEndian.Uint16(nameLen[:]))
	if n > MaxNameLength {
		return Record{}, fmt.Errorf("%w: name of %d bytes", ErrMalformedRecord, n)
	}
	head := make([]byte, n+2+tieredcache.HashSize+8+8)
	if _, err := io.ReadFull(rr.r, head); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	rec := Record{Name: string(head[:n])}
	off := n
	rec.Code = Code(binary.BigEndian.Uint16(head[off:]))
	off += 2
	copy(rec.Hash[:], head[off:off+tieredcache.HashSize])
	off += tieredcache.HashSize
	rec.Size = binary.BigEndian.Uint64(head[off:])
	off += 8
	payloadLen := binary.BigEndian.Uint64(head[off:])
	if payloadLen > MaxPayloadSize {
		return Record{}, fmt.Errorf("%w: payload of %d bytes", ErrMalformedRecord, payloadLen)
	}
	if payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(rr.r, rec.Payload); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
	}
	return rec, nil
}

// ReadAll reads every record until the end of stream.
func (rr *RecordReader) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}
