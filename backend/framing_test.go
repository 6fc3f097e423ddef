package backend

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

func framedValue(t *testing.T, bucket, identity, payload string) (tieredcache.CacheKey, tieredcache.Value, []byte) {
	t.Helper()
	v, err := tieredcache.NewValue([]byte(payload))
	require.NoError(t, err)
	return tieredcache.KeyFor(bucket, identity), v, v.Encode()
}

func TestFramingRoundTrip(t *testing.T) {
	storedAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	key, v, body := framedValue(t, "Shaders", "lit", "hello, world!")

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, HeaderFor(key, v, len(body), storedAt), bytes.NewReader(body)))

	header, r, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, key, header.Key)
	require.True(t, header.Describes(key, v))
	require.EqualValues(t, len(body), header.BodySize)
	require.True(t, storedAt.Equal(header.StoredAt))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, body, got)

	decoded, err := tieredcache.DecodeValue(got)
	require.NoError(t, err)
	require.True(t, v.Equal(decoded))
}

func TestDescribesRejectsOtherKey(t *testing.T) {
	key, v, body := framedValue(t, "Mesh", "rock", "stone")
	header := HeaderFor(key, v, len(body), time.Now())
	require.False(t, header.Describes(tieredcache.KeyFor("Mesh", "tree"), v))

	_, other, _ := framedValue(t, "Mesh", "rock", "pebble")
	require.False(t, header.Describes(key, other))
}

func TestReadFramedEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	header := &EntryHeader{Key: tieredcache.KeyFor("k", "empty")}
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(nil)))

	_, body, err := ReadFramed(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadFramedInvalidMagic(t *testing.T) {
	_, _, err := ReadFramed(strings.NewReader("XXXXXsome data"))
	require.ErrorIs(t, err, ErrInvalidMagic)

	_, _, err = ReadFramed(strings.NewReader("TC"))
	require.Error(t, err)
}

func TestReadFramedTruncated(t *testing.T) {
	key, v, body := framedValue(t, "Mesh", "rock", strings.Repeat("rock ", 40))
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, HeaderFor(key, v, len(body), time.Now()), bytes.NewReader(body)))
	full := buf.Bytes()

	// cut inside the header
	_, _, err := ReadFramed(bytes.NewReader(full[:len(MagicBytes)+4]))
	require.Error(t, err)

	// cut inside the body
	_, r, err := ReadFramed(bytes.NewReader(full[:len(full)-10]))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, ErrBodySize)
}

func TestWriteFramedBucketTooLong(t *testing.T) {
	header := &EntryHeader{Key: tieredcache.CacheKey{Bucket: strings.Repeat("x", 300)}}
	var buf bytes.Buffer
	require.ErrorIs(t, WriteFramed(&buf, header, bytes.NewReader(nil)), ErrHeaderTooLarge)
	require.Zero(t, buf.Len())
}

func TestFramingLargeBody(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 100_000)
	header := &EntryHeader{Key: tieredcache.KeyFor("Big", "blob"), BodySize: int64(len(body))}
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(body)))

	got, r, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.EqualValues(t, len(body), got.BodySize)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, body, data)
}
