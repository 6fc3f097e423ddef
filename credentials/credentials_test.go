package credentials

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, tmpl string, opts ...ResolverOption) (*Credentials, error) {
	t.Helper()
	return NewResolver(opts...).ResolveReader(context.Background(), strings.NewReader(tmpl))
}

func TestResolveYAMLTemplate(t *testing.T) {
	t.Setenv("BUILDER_SECRET", "builder-secret")
	t.Setenv("SHARED_SECRET", `with "quotes" and \slash`)
	secretFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(secretFile, []byte("inbound-token\n"), 0o600))

	creds, err := resolve(t, `
auth_token: {{ file "`+secretFile+`" | json }}
clients:
  builder: {{ env "BUILDER_SECRET" | json }}
  fallback: {{ envDefault "UNSET_TIERED_CACHE_VAR" "dflt" | json }}
tiers:
  Shared:
    client_id: ci
    client_secret: {{ env "SHARED_SECRET" | json }}
    scope: cache.read cache.write
`)
	require.NoError(t, err)
	require.Equal(t, "inbound-token", creds.AuthToken)
	require.Equal(t, map[string]string{"builder": "builder-secret", "fallback": "dflt"}, creds.Clients)

	tc, ok := creds.Tier("shared")
	require.True(t, ok, "tier names match case insensitively")
	require.Equal(t, TierCredentials{ClientID: "ci", ClientSecret: `with "quotes" and \slash`, Scope: "cache.read cache.write"}, tc)

	_, ok = creds.Tier("Other")
	require.False(t, ok)
}

func TestResolveJSONTemplate(t *testing.T) {
	creds, err := resolve(t, `{"tiers": {"Shared": {"client_id": "ci", "client_secret": "s"}}}`)
	require.NoError(t, err)
	require.Empty(t, creds.AuthToken)
	require.Nil(t, creds.Clients)
	require.Len(t, creds.Tiers, 1)
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		invalid bool
		msg     string
	}{
		{name: "missing env", tmpl: `auth_token: {{ env "UNSET_TIERED_CACHE_VAR" }}`, msg: "UNSET_TIERED_CACHE_VAR"},
		{name: "missing key", tmpl: `auth_token: {{ .Undefined }}`, msg: "executing credentials template"},
		{name: "bad syntax", tmpl: `auth_token: {{ env `, msg: "parsing credentials template"},
		{name: "not a document", tmpl: `just a string`, invalid: true},
		{name: "unknown field", tmpl: `token: abc`, invalid: true},
		{name: "tier without secret", tmpl: "tiers:\n  Shared:\n    client_id: ci\n", invalid: true},
		{name: "client without secret", tmpl: "clients:\n  builder: \"\"\n", invalid: true},
		{name: "oversized", tmpl: strings.Repeat("x", maxTemplateSize+1), msg: "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, tt.tmpl)
			require.Error(t, err)
			if tt.invalid {
				require.ErrorIs(t, err, ErrInvalid)
			}
			if tt.msg != "" {
				require.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestProviderIsMemoizedPerRender(t *testing.T) {
	calls := 0
	mock := func(_ context.Context, ref string) (string, error) {
		calls++
		return "resolved-" + ref, nil
	}
	tmpl := `
auth_token: {{ vault "same" | json }}
clients:
  builder: {{ vault "same" | json }}
`
	r := NewResolver(WithProvider("vault", mock))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(tmpl))
	require.NoError(t, err)
	require.Equal(t, "resolved-same", creds.AuthToken)
	require.Equal(t, "resolved-same", creds.Clients["builder"])
	require.Equal(t, 1, calls)

	_, err = r.ResolveReader(context.Background(), strings.NewReader(tmpl))
	require.NoError(t, err)
	require.Equal(t, 2, calls, "a new render resolves again")

	failing := NewResolver(WithProvider("vault", func(context.Context, string) (string, error) {
		return "", errors.New("sealed")
	}))
	_, err = failing.ResolveReader(context.Background(), strings.NewReader(tmpl))
	require.ErrorContains(t, err, "sealed")
}

func TestCommandProvider(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	tmpl := `auth_token: {{ cmd "from-command" | json }}`
	creds, err := resolve(t, tmpl, WithCommand("cmd", "echo"))
	require.NoError(t, err)
	require.Equal(t, "from-command", creds.AuthToken)

	_, err = resolve(t, tmpl, WithCommand("cmd", "false"))
	require.Error(t, err)
	_, err = resolve(t, tmpl, WithCommand("cmd"))
	require.ErrorContains(t, err, "has no command")
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")
	path := filepath.Join(t.TempDir(), "creds.yaml.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`auth_token: {{ env "TEST_TOKEN" | json }}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AuthToken)

	_, err = NewResolver().ResolveFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "opening credentials file")
}

func TestLogValueHidesSecrets(t *testing.T) {
	creds := &Credentials{
		AuthToken: "top-secret-token",
		Clients:   map[string]string{"builder": "client-secret"},
		Tiers:     map[string]TierCredentials{"Shared": {ClientID: "ci", ClientSecret: "tier-secret"}},
	}
	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("loaded", "credentials", creds)

	out := buf.String()
	require.Contains(t, out, "credentials.clients=1")
	require.Contains(t, out, "Shared")
	for _, secret := range []string{"top-secret-token", "client-secret", "tier-secret"} {
		require.NotContains(t, out, secret)
	}

	var none *Credentials
	_, ok := none.Tier("Shared")
	require.False(t, ok)
}
