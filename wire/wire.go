// Package wire holds the HTTP contract shared by the HTTP tier and the
// reference blob server: route layout, integrity headers and the batch
// request/response codec.
package wire

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

const (
	// HeaderContentHash carries the hex BLAKE3 hash of the request or
	// response body.
	HeaderContentHash = "X-Content-Hash"
	// HeaderRawHash carries the hex hash of the uncompressed value.
	HeaderRawHash = "X-Raw-Hash"
	// HeaderRawSize carries the uncompressed value size.
	HeaderRawSize = "X-Raw-Size"
	// HeaderSession identifies one client process across requests.
	HeaderSession = "X-Session-Id"

	// ContentTypeValue is the media type of encoded values.
	ContentTypeValue = "application/x-tiered-cache-value"
	// ContentTypeBatch is the media type of batch response streams.
	ContentTypeBatch = "application/x-tiered-cache-batch"

	// RefsPrefix is the root of the value routes.
	RefsPrefix = "/api/v1/refs/"
	// HealthPath answers readiness checks.
	HealthPath = "/health/ready"
	// TokenPath is the development OAuth token endpoint.
	TokenPath = "/oauth/token"
)

// ErrContentHashMismatch is returned when a body does not match its
// X-Content-Hash header.
var ErrContentHashMismatch = errors.New("content hash mismatch")

// RefPath returns the route of one value.
func RefPath(namespace string, key tieredcache.CacheKey) string {
	return RefsPrefix + namespace + "/" + key.Bucket + "/" + key.Hash.String()
}

// BatchPath returns the batch route of a namespace.
func BatchPath(namespace string) string {
	return RefsPrefix + namespace + "/batch"
}

// ContentHash returns the header value for body.
func ContentHash(body []byte) string {
	return tieredcache.HashBytes(body).String()
}

// SetContentHash stamps body's hash on h.
func SetContentHash(h http.Header, body []byte) {
	h.Set(HeaderContentHash, ContentHash(body))
}

// VerifyContentHash checks body against the X-Content-Hash header. A missing
// header is an error.
func VerifyContentHash(h http.Header, body []byte) error {
	return VerifyHash(h, tieredcache.HashBytes(body))
}

// VerifyHash checks an already computed body hash against the
// X-Content-Hash header.
func VerifyHash(h http.Header, got tieredcache.Hash) error {
	want := h.Get(HeaderContentHash)
	if want == "" {
		return fmt.Errorf("%w: missing %s header", ErrContentHashMismatch, HeaderContentHash)
	}
	if !strings.EqualFold(got.String(), want) {
		return fmt.Errorf("%w: header %s, body %s", ErrContentHashMismatch, want, got)
	}
	return nil
}
