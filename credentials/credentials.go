// Package credentials renders the secrets a tiered-cache process needs from
// a template, so the graph file itself never holds them.
//
// The template is a YAML (or JSON) document executed with text/template.
// Built in functions are env, envDefault, file and json; WithProvider and
// WithCommand add more. Each provider reference is resolved once per render.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"gopkg.in/yaml.v2"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// ErrInvalid is wrapped by every failure to turn rendered output into
// usable Credentials.
var ErrInvalid = errors.New("invalid credentials")

// Credentials are the secrets of one process.
type Credentials struct {
	// AuthToken is the static bearer token the blob service accepts.
	AuthToken string `yaml:"auth_token"`
	// Clients maps OAuth client ids to the secrets the blob service's
	// token endpoint accepts.
	Clients map[string]string `yaml:"clients"`
	// Tiers are the logins of Http graph nodes, by node name.
	Tiers map[string]TierCredentials `yaml:"tiers"`
}

// TierCredentials are the client credentials an Http tier logs in with.
type TierCredentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// Tier returns the login of the named Http node. Names match case
// insensitively, as graph node names do. Safe on nil.
func (c *Credentials) Tier(name string) (TierCredentials, bool) {
	if c == nil {
		return TierCredentials{}, false
	}
	if tc, ok := c.Tiers[name]; ok {
		return tc, true
	}
	for n, tc := range c.Tiers {
		if strings.EqualFold(n, name) {
			return tc, true
		}
	}
	return TierCredentials{}, false
}

// Validate rejects entries that could never authenticate.
func (c *Credentials) Validate() error {
	for id, secret := range c.Clients {
		if id == "" || secret == "" {
			return fmt.Errorf("%w: client %q has an empty id or secret", ErrInvalid, id)
		}
	}
	for name, tc := range c.Tiers {
		if tc.ClientID == "" || tc.ClientSecret == "" {
			return fmt.Errorf("%w: tier %s needs client_id and client_secret", ErrInvalid, name)
		}
	}
	return nil
}

// LogValue keeps secrets out of logs.
func (c *Credentials) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("none")
	}
	tiers := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		tiers = append(tiers, name)
	}
	return slog.GroupValue(
		slog.Bool("auth_token", c.AuthToken != ""),
		slog.Int("clients", len(c.Clients)),
		slog.Any("tiers", tiers),
	)
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

type ResolverOption func(*Resolver)

// Resolver renders credential templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithProvider adds a template function name that resolves references
// through p.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) { r.providers[name] = p }
}

// WithCommand adds a template function that runs argv with the reference
// appended and returns its trimmed stdout. WithCommand("op", "op", "read")
// reads 1Password references.
func WithCommand(name string, argv ...string) ResolverOption {
	return WithProvider(name, func(ctx context.Context, ref string) (string, error) {
		if len(argv) == 0 {
			return "", fmt.Errorf("provider %q has no command", name)
		}
		cmd := exec.CommandContext(ctx, argv[0], append(argv[1:len(argv):len(argv)], ref)...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %q: %s: %w", argv[0], ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("credentials resolved", "path", path, "credentials", creds)
	return creds, nil
}

// ResolveReader renders the template read from src.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	rendered, err := r.render(ctx, src)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := yaml.UnmarshalStrict(rendered, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, src io.Reader) ([]byte, error) {
	text, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(text) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxTemplateSize)
	}
	return out.Bytes(), nil
}

// funcs returns the template functions for one render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			if v, ok := os.LookupEnv(key); ok {
				return v, nil
			}
			return "", fmt.Errorf("environment variable %q is not set", key)
		},
		"envDefault": func(key, fallback string) string {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading secret file: %w", err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		// json quotes a value; a JSON string is also a valid YAML scalar.
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	resolved := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			memo := name + "\x00" + ref
			if v, ok := resolved[memo]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q for %q: %w", name, ref, err)
			}
			resolved[memo] = v
			return v, nil
		}
	}
	return fm
}
