package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wolfeidau/tiered-cache/store"
)

// DefaultDebugPrefix starts debug tokens such as -ddc-local-missrate=50.
const DefaultDebugPrefix = "ddc"

// ParseDebugArgs collects debug options per node from command line tokens
// of the form -<prefix>-<node>-<option>=<value>. Options are missrate
// (0-100), misstypes (buckets joined by '+') and speed. Tokens without the
// prefix are ignored. The returned map is keyed by lowercased node name.
func ParseDebugArgs(prefix string, args []string) (map[string]store.DebugOptions, error) {
	if prefix == "" {
		prefix = DefaultDebugPrefix
	}
	lead := strings.ToLower(prefix) + "-"
	out := make(map[string]store.DebugOptions)
	for _, arg := range args {
		token := strings.TrimLeft(arg, "-")
		if len(token) == len(arg) || !strings.HasPrefix(strings.ToLower(token), lead) {
			continue
		}
		token = token[len(lead):]
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			return nil, fmt.Errorf("debug token %q has no value", arg)
		}
		i := strings.LastIndexByte(key, '-')
		if i <= 0 {
			return nil, fmt.Errorf("debug token %q has no node", arg)
		}
		node, option := strings.ToLower(key[:i]), strings.ToLower(key[i+1:])
		opts := out[node]
		switch option {
		case "missrate":
			rate, err := strconv.Atoi(value)
			if err != nil || rate < 0 || rate > 100 {
				return nil, fmt.Errorf("debug token %q: miss rate must be 0-100", arg)
			}
			opts.RandomMissRate = rate
		case "misstypes":
			for _, t := range strings.Split(value, "+") {
				if t = strings.TrimSpace(t); t != "" {
					opts.MissTypes = append(opts.MissTypes, t)
				}
			}
		case "speed":
			speed, err := store.ParseSpeedClass(value)
			if err != nil || speed == store.SpeedUnknown {
				return nil, fmt.Errorf("debug token %q: unknown speed class", arg)
			}
			opts.Speed = speed
		default:
			return nil, fmt.Errorf("debug token %q: unknown option %s", arg, option)
		}
		out[node] = opts
	}
	return out, nil
}

// SplitDebugArgs separates debug tokens from the remaining arguments so a
// flag parser never sees them.
func SplitDebugArgs(prefix string, args []string) (rest, debug []string) {
	if prefix == "" {
		prefix = DefaultDebugPrefix
	}
	lead := strings.ToLower(prefix) + "-"
	for _, arg := range args {
		token := strings.TrimLeft(arg, "-")
		if len(token) < len(arg) && strings.HasPrefix(strings.ToLower(token), lead) {
			debug = append(debug, arg)
			continue
		}
		rest = append(rest, arg)
	}
	return rest, debug
}
