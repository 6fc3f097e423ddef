package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTagsAbsentWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/refs/ns/Mesh/abc", nil)
	tags := Tags(r)
	require.Nil(t, tags)

	// setters are no-ops on nil
	tags.SetOperation("get")
	tags.SetNamespace("ns")
	tags.Lookup(true)
	require.Equal(t, ResultBypass, tags.Result())
	require.Empty(t, tags.LogAttrs())
}

func TestTagsSharedThroughContext(t *testing.T) {
	r := WithTags(httptest.NewRequest(http.MethodPost, "/api/v1/refs/ddc/batch", nil))
	Tags(r).SetOperation("batch")
	Tags(r).SetNamespace("ddc")

	tags := TagsFromContext(r.Context())
	require.Equal(t, "batch", tags.Operation)
	require.Equal(t, "ddc", tags.Namespace)
	require.Equal(t, []any{"operation", "batch", "namespace", "ddc"}, tags.LogAttrs())
}

func TestTagsResult(t *testing.T) {
	tests := []struct {
		name  string
		found []bool
		want  Result
	}{
		{"no lookups", nil, ResultBypass},
		{"all found", []bool{true, true}, ResultHit},
		{"none found", []bool{false, false, false}, ResultMiss},
		{"some found", []bool{true, false}, ResultPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags := &RequestTags{}
			for _, f := range tt.found {
				tags.Lookup(f)
			}
			require.Equal(t, tt.want, tags.Result())
			require.Equal(t, len(tt.found), tags.Keys)
		})
	}
}
