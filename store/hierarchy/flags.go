package hierarchy

import (
	"fmt"
	"strings"
)

// Flags control how the hierarchy routes requests to one child.
type Flags uint16

const (
	// Local marks a tier on this machine.
	Local Flags = 1 << iota
	// Remote marks a shared network tier.
	Remote
	// Query allows lookups.
	Query
	// Store allows writes.
	Store
	// StopStore stops writes from reaching tiers below once this tier
	// accepted them.
	StopStore
	// NoBackfillLowerCacheLevels keeps hits in this tier from being copied
	// into the tiers above it. Backfill is on unless this is set.
	NoBackfillLowerCacheLevels
)

// DefaultFlags is used when a child is mounted without explicit flags.
const DefaultFlags = Local | Query | Store

var flagNames = []struct {
	flag Flags
	name string
}{
	{Local, "Local"},
	{Remote, "Remote"},
	{Query, "Query"},
	{Store, "Store"},
	{StopStore, "StopStore"},
	{NoBackfillLowerCacheLevels, "NoBackfill"},
}

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Backfills reports whether hits in the tier are copied upwards.
func (f Flags) Backfills() bool { return !f.Has(NoBackfillLowerCacheLevels) }

// IsLocal reports whether the tier counts as local for policy gating.
// Tiers flagged neither Local nor Remote are treated as local.
func (f Flags) IsLocal() bool { return f.Has(Local) || !f.Has(Remote) }

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses names separated by '|', ',' or spaces.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' })
	for _, field := range fields {
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(field, fn.name) {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown hierarchy flag %q", field)
		}
	}
	return f, nil
}
