package cache

import (
	tieredcache "github.com/wolfeidau/tiered-cache"
)

// PutRequest stores a record. Every value of the record must carry data.
type PutRequest struct {
	Name     string
	Record   *tieredcache.CacheRecord
	Policy   tieredcache.Policy
	UserData uint64
	Priority tieredcache.Priority
}

// PutResponse reports the outcome of a PutRequest.
type PutResponse struct {
	Name     string
	Key      tieredcache.CacheKey
	UserData uint64
	Status   tieredcache.Status
}

// GetRequest loads a record. With SkipData the record values carry
// metadata only.
type GetRequest struct {
	Name     string
	Key      tieredcache.CacheKey
	Policy   tieredcache.Policy
	UserData uint64
	Priority tieredcache.Priority
}

// GetResponse carries the record of a GetRequest when Status is Ok.
type GetResponse struct {
	Name     string
	Key      tieredcache.CacheKey
	Record   *tieredcache.CacheRecord
	UserData uint64
	Status   tieredcache.Status
}

// PutValueRequest stores a single value under a key.
type PutValueRequest struct {
	Name     string
	Key      tieredcache.CacheKey
	Value    tieredcache.Value
	Policy   tieredcache.Policy
	UserData uint64
	Priority tieredcache.Priority
}

// PutValueResponse reports the outcome of a PutValueRequest.
type PutValueResponse struct {
	Name     string
	Key      tieredcache.CacheKey
	UserData uint64
	Status   tieredcache.Status
}

// GetValueRequest loads a single value.
type GetValueRequest struct {
	Name     string
	Key      tieredcache.CacheKey
	Policy   tieredcache.Policy
	UserData uint64
	Priority tieredcache.Priority
}

// GetValueResponse carries the value of a GetValueRequest.
type GetValueResponse struct {
	Name     string
	Key      tieredcache.CacheKey
	Value    tieredcache.Value
	UserData uint64
	Status   tieredcache.Status
}

// ChunkRequest loads a byte range of a value. A zero ID addresses the value
// stored directly under Key, otherwise the record value with that id.
// RawSize zero reads to the end of the value.
type ChunkRequest struct {
	Name      string
	Key       tieredcache.CacheKey
	ID        tieredcache.ValueID
	RawOffset uint64
	RawSize   uint64
	Policy    tieredcache.Policy
	UserData  uint64
	Priority  tieredcache.Priority
}

// ChunkResponse carries the requested range. With SkipData only RawHash and
// RawSize of the whole value are set.
type ChunkResponse struct {
	Name      string
	Key       tieredcache.CacheKey
	ID        tieredcache.ValueID
	RawOffset uint64
	RawSize   uint64
	RawHash   tieredcache.Hash
	// TotalSize is the raw size of the whole value.
	TotalSize uint64
	Data      []byte
	UserData  uint64
	Status    tieredcache.Status
}
