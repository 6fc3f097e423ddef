package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/cache"
	"github.com/wolfeidau/tiered-cache/graph"
	"github.com/wolfeidau/tiered-cache/server"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

// KeyArgs addresses one value. Identity is hashed into the key unless Hash
// is set, in which case it is the hex hash itself.
type KeyArgs struct {
	Bucket   string `arg:"" help:"Key bucket, e.g. Mesh."`
	Identity string `arg:"" help:"Identity hashed into the key."`
	Hash     bool   `help:"Treat the identity as a hex hash."`
}

func (k KeyArgs) key() (tieredcache.CacheKey, error) {
	if err := tieredcache.ValidateBucket(k.Bucket); err != nil {
		return tieredcache.CacheKey{}, err
	}
	if !k.Hash {
		return tieredcache.KeyFor(k.Bucket, k.Identity), nil
	}
	h, err := tieredcache.ParseHash(k.Identity)
	if err != nil {
		return tieredcache.CacheKey{}, err
	}
	return tieredcache.NewCacheKey(k.Bucket, h)
}

func parsePolicy(s string) (tieredcache.Policy, error) {
	if s == "" {
		return tieredcache.Default, nil
	}
	return tieredcache.ParsePolicy(s)
}

// ServeCmd serves the graph root over HTTP.
type ServeCmd struct {
	Address      string        `help:"Address to listen on." default:":8080" env:"TIERED_CACHE_ADDRESS"`
	Namespaces   []string      `help:"Accepted namespaces. Empty accepts any."`
	AuthToken    string        `help:"Static bearer token required on every route." env:"TIERED_CACHE_AUTH_TOKEN"`
	TokenTTL     time.Duration `help:"Lifetime of issued OAuth tokens." default:"1h"`
	Metrics      bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func (c *ServeCmd) Run(g *Globals, e *env) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tiered-cache",
		EnablePrometheus: c.Metrics,
		OTLPEndpoint:     c.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	gr, creds, err := openGraph(ctx, g, e)
	if err != nil {
		return err
	}
	defer func() { _ = gr.Close() }()

	cfg := server.Config{
		Address:    c.Address,
		Store:      gr.Root(),
		Namespaces: c.Namespaces,
		AuthToken:  c.AuthToken,
		TokenTTL:   c.TokenTTL,
		Logger:     e.logger,
	}
	if creds != nil {
		if cfg.AuthToken == "" {
			cfg.AuthToken = creds.AuthToken
		}
		cfg.OAuthClients = creds.Clients
	}
	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	e.logger.Info("serving graph", "address", srv.Address(), "graph", g.Graph, "nodes", gr.Nodes())

	select {
	case <-ctx.Done():
		e.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return gr.Quiesce(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// GetCmd reads a value and writes its payload.
type GetCmd struct {
	KeyArgs
	Output string `short:"o" help:"Write the payload to this file instead of stdout." type:"path"`
	Policy string `help:"Request policy, e.g. QueryLocal|SkipData." default:"Default"`
	Legacy bool   `help:"Treat the identity as a legacy key; the bucket is ignored."`
}

func (c *GetCmd) Run(g *Globals, e *env) error {
	ctx := context.Background()
	policy, err := parsePolicy(c.Policy)
	if err != nil {
		return err
	}
	gr, _, err := openGraph(ctx, g, e)
	if err != nil {
		return err
	}
	defer func() { _ = gr.Close() }()

	var data []byte
	if c.Legacy {
		var st tieredcache.Status
		data, st = gr.Cache().GetLegacy(ctx, tieredcache.LegacyKey(c.Identity), policy)
		if st != tieredcache.StatusOk {
			return fmt.Errorf("%s: %w", c.Identity, tieredcache.ErrNotFound)
		}
	} else {
		key, err := c.key()
		if err != nil {
			return err
		}
		resp := cache.Collect(gr.Cache().GetValue(ctx, []cache.GetValueRequest{{Name: c.Identity, Key: key, Policy: policy}}))
		if len(resp) == 0 || resp[0].Status != tieredcache.StatusOk {
			return fmt.Errorf("%s: %w", key, tieredcache.ErrNotFound)
		}
		if !resp[0].Value.HasData() {
			_, err := fmt.Fprintf(e.out, "%s\t%d\t%s\n", key, resp[0].Value.RawSize, resp[0].Value.RawHash)
			return err
		}
		if data, err = resp[0].Value.Raw(); err != nil {
			return err
		}
	}

	if c.Output == "" || c.Output == "-" {
		_, err = e.out.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}

// PutCmd stores a file or stdin under a key.
type PutCmd struct {
	KeyArgs
	Input     string `short:"i" help:"Read the payload from this file instead of stdin." type:"existingfile"`
	Policy    string `help:"Request policy, e.g. StoreLocal." default:"Default"`
	Legacy    bool   `help:"Treat the identity as a legacy key; the bucket is ignored."`
	Overwrite bool   `help:"Replace an existing value."`
}

func (c *PutCmd) Run(g *Globals, e *env) error {
	ctx := context.Background()
	policy, err := parsePolicy(c.Policy)
	if err != nil {
		return err
	}
	var data []byte
	if c.Input == "" || c.Input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.Input)
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	gr, _, err := openGraph(ctx, g, e)
	if err != nil {
		return err
	}
	defer func() { _ = gr.Close() }()

	if c.Legacy {
		if st := gr.Cache().PutLegacy(ctx, tieredcache.LegacyKey(c.Identity), data, policy); st != tieredcache.StatusOk {
			return fmt.Errorf("storing %s failed", c.Identity)
		}
		return nil
	}
	key, err := c.key()
	if err != nil {
		return err
	}
	v, err := tieredcache.NewValue(data)
	if err != nil {
		return err
	}
	if c.Overwrite {
		status := store.PutPolicy(ctx, gr.Root(), key, v, true, policy)
		if !status.Accepted() {
			return fmt.Errorf("storing %s: %s", key, status)
		}
	} else {
		resp := cache.Collect(gr.Cache().PutValue(ctx, []cache.PutValueRequest{{Name: c.Identity, Key: key, Value: v, Policy: policy}}))
		if len(resp) == 0 || resp[0].Status != tieredcache.StatusOk {
			return fmt.Errorf("storing %s failed", key)
		}
	}
	_, err = fmt.Fprintf(e.out, "%s\t%d\t%s\n", key, v.RawSize, v.RawHash)
	return err
}

// ExistsCmd checks a set of identities in one bucket.
type ExistsCmd struct {
	Bucket     string   `arg:"" help:"Key bucket."`
	Identities []string `arg:"" help:"Identities to check."`
	Legacy     bool     `help:"Treat the identities as legacy keys; the bucket is ignored."`
}

func (c *ExistsCmd) Run(g *Globals, e *env) error {
	ctx := context.Background()
	gr, _, err := openGraph(ctx, g, e)
	if err != nil {
		return err
	}
	defer func() { _ = gr.Close() }()

	var found interface{ Test(uint) bool }
	if c.Legacy {
		keys := make([]tieredcache.LegacyKey, len(c.Identities))
		for i, id := range c.Identities {
			keys[i] = tieredcache.LegacyKey(id)
		}
		found = gr.Cache().ExistsLegacy(ctx, keys)
	} else {
		if err := tieredcache.ValidateBucket(c.Bucket); err != nil {
			return err
		}
		keys := make([]tieredcache.CacheKey, len(c.Identities))
		for i, id := range c.Identities {
			keys[i] = tieredcache.KeyFor(c.Bucket, id)
		}
		found = store.ExistsBatch(ctx, gr.Root(), keys)
	}
	for i, id := range c.Identities {
		state := "missing"
		if found.Test(uint(i)) {
			state = "present"
		}
		if _, err := fmt.Fprintf(e.out, "%s\t%s\n", id, state); err != nil {
			return err
		}
	}
	return nil
}

// RmCmd removes a value from every tier.
type RmCmd struct {
	KeyArgs
	Transient bool `help:"Only drop the value from tiers that honour transient removes."`
	Legacy    bool `help:"Treat the identity as a legacy key; the bucket is ignored."`
}

func (c *RmCmd) Run(g *Globals, e *env) error {
	ctx := context.Background()
	gr, _, err := openGraph(ctx, g, e)
	if err != nil {
		return err
	}
	defer func() { _ = gr.Close() }()

	if c.Legacy {
		gr.Cache().RemoveLegacy(ctx, tieredcache.LegacyKey(c.Identity))
		return nil
	}
	key, err := c.key()
	if err != nil {
		return err
	}
	gr.Root().Remove(ctx, key, c.Transient)
	return nil
}

// ConfigCheckCmd validates the graph file.
type ConfigCheckCmd struct {
	Build bool `help:"Also build the graph and report the nodes that came up."`
}

func (c *ConfigCheckCmd) Run(g *Globals, e *env) error {
	cfg, err := graph.LoadConfig(g.Graph)
	if err != nil {
		return err
	}
	if _, err := graph.ParseDebugArgs(os.Getenv("TIERED_CACHE_DEBUG_PREFIX"), e.debugArgs); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: ok, root %s, %d nodes\n", g.Graph, cfg.Root, len(cfg.Nodes))
	if !c.Build {
		return nil
	}

	gr, _, err := openGraph(context.Background(), g, e)
	if err != nil {
		return err
	}
	defer func() { _ = gr.Close() }()
	for _, name := range gr.Nodes() {
		st, _ := gr.Node(name)
		fmt.Fprintf(e.out, "  %s\t%s\twritable=%t\n", name, st.SpeedClass(), st.IsWritable())
	}
	return nil
}
