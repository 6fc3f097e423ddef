package graph

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v2"

	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/store/hierarchy"
)

// Node types understood by the builder.
const (
	TypeMemory       = "Memory"
	TypeFileSystem   = "FileSystem"
	TypeHTTP         = "Http"
	TypeHierarchical = "Hierarchical"
	TypeAsyncPut     = "AsyncPut"
	TypeVerify       = "Verify"
	TypeKeyLength    = "KeyLength"
	TypeReadPak      = "ReadPak"
	TypeWritePak     = "WritePak"
)

var nodeTypes = []string{
	TypeMemory, TypeFileSystem, TypeHTTP, TypeHierarchical, TypeAsyncPut,
	TypeVerify, TypeKeyLength, TypeReadPak, TypeWritePak,
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid graph config")

// Size is a byte count written as "512MB", "2GB" or a plain number.
type Size int64

func (s Size) String() string { return units.BytesSize(float64(s)) }

// UnmarshalYAML parses a human readable size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return fmt.Errorf("parsing size %q: %w", raw, err)
	}
	*s = Size(n)
	return nil
}

// Duration is a time.Duration written as "10m" or "72h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the graph file.
type Config struct {
	// Root names the node requests enter through.
	Root string `yaml:"root"`
	// Workers sizes the background pool shared by async puts and backfills.
	Workers int                    `yaml:"workers"`
	Nodes   map[string]*NodeConfig `yaml:"nodes"`
}

// Child mounts a node below a Hierarchical node.
type Child struct {
	Node string `yaml:"node"`
	// Flags is parsed by hierarchy.ParseFlags, e.g. "Local|Query|Store".
	// Empty means hierarchy.DefaultFlags.
	Flags string `yaml:"flags"`
}

// NodeConfig carries the parameters of every node type. Each type reads
// only its own fields.
type NodeConfig struct {
	Type string `yaml:"type"`

	// Memory, FileSystem
	MaxSize Size `yaml:"max_size"`

	// FileSystem, ReadPak, WritePak
	Path          string   `yaml:"path"`
	ReadOnly      bool     `yaml:"read_only"`
	NoTouch       bool     `yaml:"no_touch"`
	UnusedFileAge Duration `yaml:"unused_file_age"`
	CheckInterval Duration `yaml:"check_interval"`

	// Http
	Host             string   `yaml:"host"`
	Namespace        string   `yaml:"namespace"`
	OAuthProvider    string   `yaml:"oauth_provider"`
	OAuthClientID    string   `yaml:"oauth_client_id"`
	OAuthSecret      string   `yaml:"oauth_secret"`
	OAuthScope       string   `yaml:"oauth_scope"`
	Speed            string   `yaml:"speed"`
	PoolSize         int      `yaml:"pool_size"`
	BatchSlots       int      `yaml:"batch_slots"`
	BatchCapacity    int      `yaml:"batch_capacity"`
	BatchWeight      int      `yaml:"batch_weight"`
	BatchGets        bool     `yaml:"batch_gets"`
	MaxAttempts      int      `yaml:"max_attempts"`
	MaxLoginAttempts int      `yaml:"max_login_attempts"`
	ResolveHost      bool     `yaml:"resolve_host"`
	Timeout          Duration `yaml:"timeout"`

	// Hierarchical
	Children []Child `yaml:"children"`

	// AsyncPut, Verify, KeyLength
	Inner  string `yaml:"inner"`
	Fix    bool   `yaml:"fix"`
	Length int    `yaml:"length"`

	// WritePak
	Merge []string `yaml:"merge"`
}

// ParseConfig decodes and validates a graph file. Unknown fields are errors.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and parses the graph file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks node types, references and flag syntax, and rejects
// cycles. Node names are case-insensitive and must be unique as such.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: root is required", ErrInvalidConfig)
	}
	seen := make(map[string]string, len(c.Nodes))
	for name, n := range c.Nodes {
		if n == nil {
			return fmt.Errorf("%w: node %s is empty", ErrInvalidConfig, name)
		}
		if prev, ok := seen[strings.ToLower(name)]; ok {
			return fmt.Errorf("%w: nodes %s and %s differ only in case", ErrInvalidConfig, prev, name)
		}
		seen[strings.ToLower(name)] = name
		if err := c.validateNode(name, n); err != nil {
			return err
		}
	}
	if c.node(c.Root) == nil {
		return fmt.Errorf("%w: root node %s is not defined", ErrInvalidConfig, c.Root)
	}
	return c.checkCycles(c.Root, map[string]bool{})
}

func (c *Config) validateNode(name string, n *NodeConfig) error {
	typ := canonicalType(n.Type)
	if typ == "" {
		return fmt.Errorf("%w: node %s has unknown type %q", ErrInvalidConfig, name, n.Type)
	}
	n.Type = typ
	switch typ {
	case TypeFileSystem, TypeReadPak, TypeWritePak:
		if n.Path == "" {
			return fmt.Errorf("%w: %s node %s needs a path", ErrInvalidConfig, typ, name)
		}
	case TypeHTTP:
		if n.Host == "" || n.Namespace == "" {
			return fmt.Errorf("%w: Http node %s needs host and namespace", ErrInvalidConfig, name)
		}
		if n.Speed != "" {
			if _, err := store.ParseSpeedClass(n.Speed); err != nil {
				return fmt.Errorf("%w: node %s: %v", ErrInvalidConfig, name, err)
			}
		}
	case TypeHierarchical:
		if len(n.Children) == 0 {
			return fmt.Errorf("%w: Hierarchical node %s has no children", ErrInvalidConfig, name)
		}
		for _, ch := range n.Children {
			if c.node(ch.Node) == nil {
				return fmt.Errorf("%w: node %s references undefined node %s", ErrInvalidConfig, name, ch.Node)
			}
			if _, err := hierarchy.ParseFlags(ch.Flags); err != nil {
				return fmt.Errorf("%w: node %s: %v", ErrInvalidConfig, name, err)
			}
		}
	case TypeAsyncPut, TypeVerify, TypeKeyLength:
		if c.node(n.Inner) == nil {
			return fmt.Errorf("%w: node %s references undefined node %q", ErrInvalidConfig, name, n.Inner)
		}
	}
	return nil
}

func (c *Config) checkCycles(name string, visiting map[string]bool) error {
	key := strings.ToLower(name)
	if visiting[key] {
		return fmt.Errorf("%w: cycle through node %s", ErrInvalidConfig, name)
	}
	visiting[key] = true
	defer delete(visiting, key)
	for _, ref := range c.node(name).refs() {
		if err := c.checkCycles(ref, visiting); err != nil {
			return err
		}
	}
	return nil
}

// node looks a node up case-insensitively.
func (c *Config) node(name string) *NodeConfig {
	if name == "" {
		return nil
	}
	if n, ok := c.Nodes[name]; ok {
		return n
	}
	for k, n := range c.Nodes {
		if strings.EqualFold(k, name) {
			return n
		}
	}
	return nil
}

func (n *NodeConfig) refs() []string {
	switch canonicalType(n.Type) {
	case TypeHierarchical:
		refs := make([]string, 0, len(n.Children))
		for _, ch := range n.Children {
			refs = append(refs, ch.Node)
		}
		return refs
	case TypeAsyncPut, TypeVerify, TypeKeyLength:
		return []string{n.Inner}
	}
	return nil
}

func canonicalType(t string) string {
	for _, known := range nodeTypes {
		if strings.EqualFold(t, known) {
			return known
		}
	}
	return ""
}
