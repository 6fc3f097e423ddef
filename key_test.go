package tieredcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyString(t *testing.T) {
	k := KeyFor("Shaders", "material-42")
	require.Equal(t, "Shaders/"+HashString("material-42").String(), k.String())

	parsed, err := ParseCacheKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	// keys are usable as map keys
	m := map[CacheKey]int{k: 1}
	require.Equal(t, 1, m[parsed])
}

func TestCacheKeyStoragePath(t *testing.T) {
	k := KeyFor("Textures", "albedo")
	p := k.StoragePath()
	require.Equal(t, "Textures/"+k.Hash.Shard()+"/"+k.Hash.String(), p)

	parsed, err := ParseStoragePath(p)
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	_, err = ParseStoragePath("Textures/zz/" + k.Hash.String())
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestValidateBucket(t *testing.T) {
	tests := []struct {
		name   string
		bucket string
		valid  bool
	}{
		{"simple", "Meshes", true},
		{"underscore", "Derived_Data", true},
		{"empty", "", false},
		{"slash", "a/b", false},
		{"space", "a b", false},
		{"too long", strings.Repeat("x", MaxBucketLength+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBucket(tt.bucket)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestParseCacheKeyInvalid(t *testing.T) {
	for _, s := range []string{"", "nobucket", "b/notahash", "/" + HashString("x").String()} {
		_, err := ParseCacheKey(s)
		require.ErrorIs(t, err, ErrInvalidKey, s)
	}
}
