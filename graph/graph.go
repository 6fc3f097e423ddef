// Package graph builds an owned store graph from a YAML description. The
// graph holds every node it created, the worker pool shared by async puts
// and backfills, and the request facade bound to its root.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/cache"
	"github.com/wolfeidau/tiered-cache/credentials"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/store/asyncstore"
	"github.com/wolfeidau/tiered-cache/store/filesystem"
	"github.com/wolfeidau/tiered-cache/store/hierarchy"
	"github.com/wolfeidau/tiered-cache/store/httpstore"
	"github.com/wolfeidau/tiered-cache/store/memory"
	"github.com/wolfeidau/tiered-cache/store/pak"
	"github.com/wolfeidau/tiered-cache/store/verify"
)

var (
	// ErrNoRoot is returned when the root node could not be created.
	ErrNoRoot = errors.New("graph: root node unavailable")
	// ErrNoHierarchy is returned by Mount and Unmount when the root is not
	// a Hierarchical node.
	ErrNoHierarchy = errors.New("graph: root is not hierarchical")
)

// Options configures graph construction.
type Options struct {
	Logger *slog.Logger
	// Credentials supplies OAuth client secrets for Http nodes by node name.
	Credentials *credentials.Credentials
	// DebugArgs are scanned for debug tokens using DebugPrefix.
	DebugArgs   []string
	DebugPrefix string
	// HTTPClient is handed to every Http node.
	HTTPClient *http.Client
}

// Graph is a built store graph.
type Graph struct {
	nodes   map[string]store.Store
	order   []string
	root    *asyncstore.Store
	hier    *hierarchy.Hierarchy
	workers *asyncstore.Workers
	cache   *cache.Cache
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds the nodes reachable from cfg.Root. A node that fails to build
// is left out with a warning and its parents run without it; only a missing
// root is an error.
func New(ctx context.Context, cfg *Config, opts Options) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "graph")

	debug, err := ParseDebugArgs(opts.DebugPrefix, opts.DebugArgs)
	if err != nil {
		return nil, err
	}

	workerOpts := []asyncstore.WorkersOption{asyncstore.WithLogger(opts.Logger)}
	if cfg.Workers > 0 {
		workerOpts = append(workerOpts, asyncstore.WithSize(cfg.Workers))
	}
	workers := asyncstore.NewWorkers(workerOpts...)
	workers.Start()

	b := &builder{
		cfg:     cfg,
		opts:    opts,
		debug:   debug,
		workers: workers,
		logger:  logger,
		built:   make(map[string]store.Store),
		keyLen:  tieredcache.DefaultMaxLegacyKeyLength,
	}
	top := b.build(ctx, cfg.Root)
	if top == nil {
		for i := len(b.order) - 1; i >= 0; i-- {
			_ = store.Close(b.built[b.order[i]])
		}
		workers.Stop()
		return nil, fmt.Errorf("%w: %s", ErrNoRoot, cfg.Root)
	}
	for node := range debug {
		if _, ok := b.built[node]; !ok {
			logger.Warn("debug options name an unknown node", "node", node)
		}
	}

	root, ok := top.(*asyncstore.Store)
	if !ok {
		root = asyncstore.New(top, workers, asyncstore.WithStoreLogger(opts.Logger))
	}
	g := &Graph{
		nodes:   b.built,
		order:   b.order,
		root:    root,
		hier:    findHierarchy(top),
		workers: workers,
		logger:  logger,
	}
	g.cache = cache.New(root, cache.WithLogger(opts.Logger), cache.WithMaxLegacyKeyLength(b.keyLen))
	logger.Info("graph ready", "root", cfg.Root, "nodes", len(b.order), "speed", root.SpeedClass())
	return g, nil
}

// Root returns the entry store, which runs puts in the background.
func (g *Graph) Root() store.Store { return g.root }

// Cache returns the request facade bound to the root.
func (g *Graph) Cache() *cache.Cache { return g.cache }

// Node returns a built node by case-insensitive name.
func (g *Graph) Node(name string) (store.Store, bool) {
	st, ok := g.nodes[strings.ToLower(name)]
	return st, ok && st != nil
}

// Nodes lists the names of the built nodes in build order.
func (g *Graph) Nodes() []string {
	names := make([]string, 0, len(g.order))
	for _, n := range g.order {
		names = append(names, g.nodes[n].Name())
	}
	return names
}

// Mount appends st below the tiers of the root hierarchy.
func (g *Graph) Mount(st store.Store, flags hierarchy.Flags) error {
	if g.hier == nil {
		return ErrNoHierarchy
	}
	g.hier.Mount(st, flags)
	return nil
}

// Unmount removes and closes the named tier of the root hierarchy.
func (g *Graph) Unmount(name string) error {
	if g.hier == nil {
		return ErrNoHierarchy
	}
	return g.hier.Unmount(name)
}

// Quiesce waits until no background write or backfill is outstanding.
func (g *Graph) Quiesce(ctx context.Context) error {
	return g.workers.Tracker().WaitForQuiescence(ctx)
}

// Close waits for background work, closes every node and stops the
// workers. It is safe to call more than once.
func (g *Graph) Close() error {
	g.closeOnce.Do(func() {
		start := time.Now()
		var errs []error
		if err := g.root.Close(); err != nil {
			errs = append(errs, err)
		}
		g.workers.Stop()
		g.closeErr = errors.Join(errs...)
		g.logger.Info("graph closed", "duration", time.Since(start))
	})
	return g.closeErr
}

func findHierarchy(st store.Store) *hierarchy.Hierarchy {
	for st != nil {
		switch v := st.(type) {
		case *hierarchy.Hierarchy:
			return v
		case interface{ Inner() store.Store }:
			st = v.Inner()
		default:
			return nil
		}
	}
	return nil
}

type builder struct {
	cfg     *Config
	opts    Options
	debug   map[string]store.DebugOptions
	workers *asyncstore.Workers
	logger  *slog.Logger

	built  map[string]store.Store
	failed map[string]bool
	order  []string
	keyLen int
}

// build creates the named node once; later references share it. It
// returns nil when the node or, for wrappers, its inner node failed.
func (b *builder) build(ctx context.Context, name string) store.Store {
	key := strings.ToLower(name)
	if st, ok := b.built[key]; ok {
		return st
	}
	if b.failed[key] {
		return nil
	}
	n := b.cfg.node(name)
	st, err := b.create(ctx, name, n)
	if err != nil || st == nil {
		if b.failed == nil {
			b.failed = make(map[string]bool)
		}
		b.failed[key] = true
		if err != nil {
			b.logger.Warn("node unavailable, leaving it out of the graph", "node", name, "type", n.Type, "error", err)
		}
		return nil
	}
	if opts, ok := b.debug[key]; ok {
		if store.ApplyDebugOptions(st, opts) {
			b.logger.Info("debug options applied", "node", name, "miss_rate", opts.RandomMissRate,
				"miss_types", opts.MissTypes, "speed", opts.Speed)
		} else {
			b.logger.Warn("node does not support debug options", "node", name, "type", n.Type)
		}
	}
	b.built[key] = st
	b.order = append(b.order, key)
	return st
}

func (b *builder) create(ctx context.Context, name string, n *NodeConfig) (store.Store, error) {
	logger := b.opts.Logger
	switch n.Type {
	case TypeMemory:
		return memory.New(memory.WithName(name), memory.WithMaxSize(int64(n.MaxSize)), memory.WithLogger(logger)), nil

	case TypeFileSystem:
		return filesystem.New(ctx, filesystem.Config{
			Name:          name,
			Root:          n.Path,
			ReadOnly:      n.ReadOnly,
			NoTouch:       n.NoTouch,
			UnusedFileAge: time.Duration(n.UnusedFileAge),
			MaxSize:       int64(n.MaxSize),
			CheckInterval: time.Duration(n.CheckInterval),
			Logger:        logger,
		})

	case TypeHTTP:
		return b.createHTTP(ctx, name, n)

	case TypeReadPak:
		return pak.OpenReadPak(name, n.Path, logger)

	case TypeWritePak:
		wp, err := pak.OpenWritePak(name, n.Path, logger)
		if err != nil {
			return nil, err
		}
		for _, src := range n.Merge {
			if _, err := wp.Merge(ctx, src); err != nil {
				b.logger.Warn("merging archive failed", "node", name, "source", src, "error", err)
			}
		}
		return wp, nil

	case TypeHierarchical:
		hopts := []hierarchy.Option{hierarchy.WithWorkers(b.workers), hierarchy.WithLogger(logger)}
		mounted := 0
		for _, ch := range n.Children {
			st := b.build(ctx, ch.Node)
			if st == nil {
				continue
			}
			flags := hierarchy.DefaultFlags
			if ch.Flags != "" {
				flags, _ = hierarchy.ParseFlags(ch.Flags)
			}
			hopts = append(hopts, hierarchy.WithChild(st, flags))
			mounted++
		}
		if mounted == 0 {
			return nil, errors.New("no child node is available")
		}
		return hierarchy.New(name, hopts...), nil

	case TypeAsyncPut:
		inner := b.build(ctx, n.Inner)
		if inner == nil {
			return nil, nil
		}
		return asyncstore.New(inner, b.workers, asyncstore.WithStoreLogger(logger)), nil

	case TypeVerify:
		inner := b.build(ctx, n.Inner)
		if inner == nil {
			return nil, nil
		}
		return verify.New(inner, verify.WithFix(n.Fix), verify.WithLogger(logger)), nil

	case TypeKeyLength:
		inner := b.build(ctx, n.Inner)
		if inner == nil {
			return nil, nil
		}
		if n.Length > 0 {
			b.keyLen = max(n.Length, tieredcache.MinMaxLegacyKeyLength)
		}
		return inner, nil
	}
	return nil, fmt.Errorf("unknown node type %q", n.Type)
}

func (b *builder) createHTTP(ctx context.Context, name string, n *NodeConfig) (store.Store, error) {
	cfg := httpstore.Config{
		Name:             name,
		Host:             n.Host,
		Namespace:        n.Namespace,
		OAuthProvider:    n.OAuthProvider,
		OAuthClientID:    n.OAuthClientID,
		OAuthSecret:      n.OAuthSecret,
		OAuthScope:       n.OAuthScope,
		ReadOnly:         n.ReadOnly,
		PoolSize:         n.PoolSize,
		BatchSlots:       n.BatchSlots,
		BatchCapacity:    n.BatchCapacity,
		BatchWeight:      n.BatchWeight,
		BatchGets:        n.BatchGets,
		MaxAttempts:      n.MaxAttempts,
		MaxLoginAttempts: n.MaxLoginAttempts,
		ResolveHost:      n.ResolveHost,
		Timeout:          time.Duration(n.Timeout),
		HTTPClient:       b.opts.HTTPClient,
		Logger:           b.opts.Logger,
	}
	if n.Speed != "" {
		cfg.SpeedClass, _ = store.ParseSpeedClass(n.Speed)
	}
	if tc, ok := b.opts.Credentials.Tier(name); ok {
		if tc.ClientID != "" {
			cfg.OAuthClientID = tc.ClientID
		}
		if tc.ClientSecret != "" {
			cfg.OAuthSecret = tc.ClientSecret
		}
		if tc.Scope != "" {
			cfg.OAuthScope = tc.Scope
		}
	}
	return httpstore.New(ctx, cfg)
}
