package tieredcache

import (
	"fmt"
	"strings"
)

// Policy controls which tiers a request may query or store to and whether
// payloads are transferred.
type Policy uint32

const (
	QueryLocal Policy = 1 << iota
	QueryRemote
	StoreLocal
	StoreRemote
	// SkipData requests metadata only. Hits still report RawHash and RawSize.
	SkipData

	PolicyNone Policy = 0
	Query             = QueryLocal | QueryRemote
	Store             = StoreLocal | StoreRemote
	Default           = Query | Store
)

// HasQuery reports whether the policy allows querying a local or remote tier.
func (p Policy) HasQuery(local bool) bool {
	if local {
		return p&QueryLocal != 0
	}
	return p&QueryRemote != 0
}

// HasStore reports whether the policy allows storing to a local or remote tier.
func (p Policy) HasStore(local bool) bool {
	if local {
		return p&StoreLocal != 0
	}
	return p&StoreRemote != 0
}

// Has reports whether all bits of flag are set.
func (p Policy) Has(flag Policy) bool {
	return p&flag == flag
}

var policyNames = []struct {
	p    Policy
	name string
}{
	{Default, "Default"},
	{Query, "Query"},
	{Store, "Store"},
	{QueryLocal, "QueryLocal"},
	{QueryRemote, "QueryRemote"},
	{StoreLocal, "StoreLocal"},
	{StoreRemote, "StoreRemote"},
	{SkipData, "SkipData"},
}

func (p Policy) String() string {
	if p == PolicyNone {
		return "None"
	}
	var parts []string
	rest := p
	for _, n := range policyNames {
		if rest&n.p == n.p && n.p != 0 {
			parts = append(parts, n.name)
			rest &^= n.p
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParsePolicy parses a "|" separated list of policy names.
func ParsePolicy(s string) (Policy, error) {
	var p Policy
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part == "" || strings.EqualFold(part, "None") {
			continue
		}
		found := false
		for _, n := range policyNames {
			if strings.EqualFold(part, n.name) {
				p |= n.p
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown policy %q", part)
		}
	}
	return p, nil
}

// Status is the outcome of a cache request.
type Status uint8

const (
	StatusOk Status = iota
	StatusError
)

func (s Status) String() string {
	if s == StatusOk {
		return "Ok"
	}
	return "Error"
}

// Priority is a scheduling hint carried by requests.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityBlocking
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityBlocking:
		return "Blocking"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}
