package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/telemetry"
	"github.com/wolfeidau/tiered-cache/wire"
)

// namespaceKey isolates namespaces sharing one store.
func namespaceKey(ns string, key tieredcache.CacheKey) tieredcache.CacheKey {
	return tieredcache.CacheKey{Bucket: key.Bucket, Hash: tieredcache.HashParts([]byte(ns), key.Hash[:])}
}

// refKey parses the namespace and key of a value route.
func (s *Server) refKey(w http.ResponseWriter, r *http.Request) (string, tieredcache.CacheKey, bool) {
	ns := r.PathValue("ns")
	telemetry.Tags(r).SetNamespace(ns)
	if !s.acceptNamespace(ns) {
		http.Error(w, "unknown namespace", http.StatusNotFound)
		return "", tieredcache.CacheKey{}, false
	}
	key, err := tieredcache.ParseCacheKey(r.PathValue("bucket") + "/" + r.PathValue("hash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", tieredcache.CacheKey{}, false
	}
	return ns, key, true
}

func (s *Server) acceptNamespace(ns string) bool {
	if tieredcache.ValidateBucket(ns) != nil {
		return false
	}
	return s.namespaces == nil || s.namespaces[ns]
}

func setValueHeaders(h http.Header, v tieredcache.Value) {
	h.Set(wire.HeaderRawHash, v.RawHash.String())
	h.Set(wire.HeaderRawSize, strconv.FormatUint(v.RawSize, 10))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.Tags(r).SetOperation("get")
	ns, key, ok := s.refKey(w, r)
	if !ok {
		return
	}
	v, err := s.config.Store.Get(r.Context(), namespaceKey(ns, key), tieredcache.Default)
	if err != nil {
		telemetry.Tags(r).Lookup(false)
		http.NotFound(w, r)
		return
	}
	telemetry.Tags(r).Lookup(true)
	body := v.Encode()
	w.Header().Set("Content-Type", wire.ContentTypeValue)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	wire.SetContentHash(w.Header(), body)
	setValueHeaders(w.Header(), v)
	_, _ = w.Write(body)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	telemetry.Tags(r).SetOperation("head")
	ns, key, ok := s.refKey(w, r)
	if !ok {
		return
	}
	v, err := s.config.Store.Get(r.Context(), namespaceKey(ns, key), tieredcache.Default|tieredcache.SkipData)
	if err != nil {
		telemetry.Tags(r).Lookup(false)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	telemetry.Tags(r).Lookup(true)
	setValueHeaders(w.Header(), v)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	telemetry.Tags(r).SetOperation("put")
	ns, key, ok := s.refKey(w, r)
	if !ok {
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		return
	}
	v, err := tieredcache.DecodeValue(body)
	if err == nil && !v.HasData() {
		err = errors.New("value has no payload")
	}
	if err == nil {
		err = v.Validate()
	}
	if err == nil {
		if h := r.Header.Get(wire.HeaderRawHash); h != "" && h != v.RawHash.String() {
			err = errors.New("raw hash header does not match payload")
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	nk := namespaceKey(ns, key)
	allowOverwrite := r.Header.Get("If-None-Match") != "*"
	if !allowOverwrite && s.config.Store.Exists(r.Context(), nk) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	switch status := s.config.Store.Put(r.Context(), nk, v, allowOverwrite); status {
	case store.Cached, store.Executing:
		w.WriteHeader(http.StatusCreated)
	case store.Skipped:
		http.Error(w, "store is read-only", http.StatusForbidden)
	default:
		http.Error(w, "value not stored", http.StatusInsufficientStorage)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.Tags(r).SetOperation("delete")
	ns, key, ok := s.refKey(w, r)
	if !ok {
		return
	}
	s.config.Store.Remove(r.Context(), namespaceKey(ns, key), false)
	w.WriteHeader(http.StatusNoContent)
}

// handleBatch answers a list of operations with a record stream. The
// stream is buffered so its content hash can be sent as a header.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	telemetry.Tags(r).SetOperation("batch")
	ns := r.PathValue("ns")
	telemetry.Tags(r).SetNamespace(ns)
	if !s.acceptNamespace(ns) {
		http.Error(w, "unknown namespace", http.StatusNotFound)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		return
	}
	ops, err := wire.DecodeBatchRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	rw := wire.NewRecordWriter(&buf)
	tags := telemetry.Tags(r)
	for _, op := range ops {
		rec := s.answer(r, ns, op)
		tags.Lookup(rec.Found())
		if err := rw.Write(rec); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := rw.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", wire.ContentTypeBatch)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	wire.SetContentHash(w.Header(), buf.Bytes())
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) answer(r *http.Request, ns string, op wire.Op) wire.Record {
	rec := wire.Record{Name: op.Name(), Code: wire.CodeNotFound}
	key, err := op.CacheKey()
	if err != nil {
		rec.Code = wire.CodeError
		return rec
	}
	policy := tieredcache.Default
	if op.Verb == wire.VerbExists {
		policy |= tieredcache.SkipData
	}
	v, err := s.config.Store.Get(r.Context(), namespaceKey(ns, key), policy)
	if err != nil {
		return rec
	}
	rec.Code = wire.CodeOK
	rec.Hash = v.RawHash
	rec.Size = v.RawSize
	if op.Verb == wire.VerbGet && v.HasData() {
		rec.Payload = v.Encode()
	}
	return rec
}

// readBody reads and verifies a request body, answering the request on
// failure.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "reading request body", http.StatusBadRequest)
		}
		return nil, err
	}
	if err := wire.VerifyContentHash(r.Header, body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}
	return body, nil
}
