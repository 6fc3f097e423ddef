// Package telemetry provides metrics and request tagging for structured logging.
package telemetry

import (
	"context"
	"net/http"
)

type tagsKey struct{}

// Result summarises the lookups a request made against the store.
type Result string

const (
	ResultHit     Result = "hit"
	ResultMiss    Result = "miss"
	ResultPartial Result = "partial"
	ResultBypass  Result = "bypass"
)

// RequestTags is filled in by handlers and read by the logging middleware
// once the request completes. Every method is safe on a nil receiver so
// handlers need not check whether the middleware ran.
type RequestTags struct {
	Operation string
	Namespace string
	Keys      int
	Hits      int
}

// WithTags returns r carrying an empty tag holder.
func WithTags(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tagsKey{}, &RequestTags{}))
}

// Tags returns the holder installed by WithTags, or nil.
func Tags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext returns the holder carried by ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	tags, _ := ctx.Value(tagsKey{}).(*RequestTags)
	return tags
}

func (t *RequestTags) SetOperation(op string) {
	if t != nil {
		t.Operation = op
	}
}

func (t *RequestTags) SetNamespace(ns string) {
	if t != nil {
		t.Namespace = ns
	}
}

// Lookup counts one key looked up and whether it was found.
func (t *RequestTags) Lookup(found bool) {
	if t == nil {
		return
	}
	t.Keys++
	if found {
		t.Hits++
	}
}

// Result is bypass when nothing was looked up.
func (t *RequestTags) Result() Result {
	switch {
	case t == nil || t.Keys == 0:
		return ResultBypass
	case t.Hits == t.Keys:
		return ResultHit
	case t.Hits == 0:
		return ResultMiss
	}
	return ResultPartial
}

// LogAttrs returns the non-empty tags as slog key/value pairs.
func (t *RequestTags) LogAttrs() []any {
	if t == nil {
		return nil
	}
	var attrs []any
	if t.Operation != "" {
		attrs = append(attrs, "operation", t.Operation)
	}
	if t.Namespace != "" {
		attrs = append(attrs, "namespace", t.Namespace)
	}
	if t.Keys > 0 {
		attrs = append(attrs, "keys", t.Keys, "cache_result", string(t.Result()))
	}
	return attrs
}
