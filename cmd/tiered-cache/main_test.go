package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

func testEnv(out io.Writer, debug ...string) *env {
	return &env{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), debugArgs: debug, out: out}
}

func writeGraph(t *testing.T) *Globals {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	yml := fmt.Sprintf(`
root: Tiers
nodes:
  Tiers:
    type: Hierarchical
    children:
      - {node: Local, flags: "Local|Query|Store"}
      - {node: Disk, flags: "Local|Query|Store"}
  Local: {type: Memory}
  Disk: {type: FileSystem, path: %q}
`, filepath.Join(dir, "disk"))
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return &Globals{Graph: path}
}

func TestKeyArgs(t *testing.T) {
	key, err := KeyArgs{Bucket: "Mesh", Identity: "rock"}.key()
	require.NoError(t, err)
	require.Equal(t, tieredcache.KeyFor("Mesh", "rock"), key)

	byHash, err := KeyArgs{Bucket: "Mesh", Identity: key.Hash.String(), Hash: true}.key()
	require.NoError(t, err)
	require.Equal(t, key, byHash)

	_, err = KeyArgs{Bucket: "Mesh", Identity: "zz", Hash: true}.key()
	require.Error(t, err)
	_, err = KeyArgs{Bucket: "bad bucket!", Identity: "rock"}.key()
	require.Error(t, err)
}

func TestPutGetExistsRm(t *testing.T) {
	g := writeGraph(t)
	input := filepath.Join(t.TempDir(), "payload")
	payload := strings.Repeat("rock mesh ", 50)
	require.NoError(t, os.WriteFile(input, []byte(payload), 0o600))

	var out bytes.Buffer
	put := &PutCmd{KeyArgs: KeyArgs{Bucket: "Mesh", Identity: "rock"}, Input: input, Policy: "Default"}
	require.NoError(t, put.Run(g, testEnv(&out)))
	require.Contains(t, out.String(), tieredcache.KeyFor("Mesh", "rock").String())

	// a new process sees only what reached the disk tier
	out.Reset()
	get := &GetCmd{KeyArgs: KeyArgs{Bucket: "Mesh", Identity: "rock"}, Policy: "Default"}
	require.NoError(t, get.Run(g, testEnv(&out)))
	require.Equal(t, payload, out.String())

	out.Reset()
	exists := &ExistsCmd{Bucket: "Mesh", Identities: []string{"rock", "tree"}}
	require.NoError(t, exists.Run(g, testEnv(&out)))
	require.Equal(t, "rock\tpresent\ntree\tmissing\n", out.String())

	rm := &RmCmd{KeyArgs: KeyArgs{Bucket: "Mesh", Identity: "rock"}}
	require.NoError(t, rm.Run(g, testEnv(io.Discard)))
	require.ErrorIs(t, get.Run(g, testEnv(io.Discard)), tieredcache.ErrNotFound)
}

func TestLegacyPutGet(t *testing.T) {
	g := writeGraph(t)
	input := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(input, []byte("legacy payload"), 0o600))

	put := &PutCmd{KeyArgs: KeyArgs{Identity: "Mesh_rock_0001"}, Input: input, Policy: "Default", Legacy: true}
	require.NoError(t, put.Run(g, testEnv(io.Discard)))

	var out bytes.Buffer
	get := &GetCmd{KeyArgs: KeyArgs{Identity: "Mesh_rock_0001"}, Policy: "Default", Legacy: true}
	require.NoError(t, get.Run(g, testEnv(&out)))
	require.Equal(t, "legacy payload", out.String())
}

func TestConfigCheck(t *testing.T) {
	g := writeGraph(t)
	var out bytes.Buffer
	require.NoError(t, (&ConfigCheckCmd{Build: true}).Run(g, testEnv(&out)))
	require.Contains(t, out.String(), "root Tiers, 3 nodes")
	require.Contains(t, out.String(), "Disk\tLocal")

	require.Error(t, (&ConfigCheckCmd{}).Run(g, testEnv(io.Discard, "-ddc-disk-missrate=200")))
	require.Error(t, (&ConfigCheckCmd{}).Run(&Globals{Graph: filepath.Join(t.TempDir(), "none.yaml")}, testEnv(io.Discard)))
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "tiered.log")
	logger, closeLog, err := newLogger(Globals{LogLevel: "debug", LogFormat: "json", LogFile: logFile})
	require.NoError(t, err)
	logger.Info("hello", "who", "test")
	closeLog()
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)

	_, _, err = newLogger(Globals{LogLevel: "loud"})
	require.Error(t, err)
}
