// Package filter provides the built-in stage filters: glob-based event
// suppression and statement classification for block-commit safety.
package filter

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/tejeswarp/tungsten-replicator/event"
)

// GlobFilter suppresses events whose service or shard falls outside the
// configured glob patterns. Empty pattern lists match everything.
type GlobFilter struct {
	serviceGlobs []glob.Glob
	shardGlobs   []glob.Glob
}

// NewGlobFilter compiles service and shard patterns. Empty patterns match
// everything.
func NewGlobFilter(servicePatterns, shardPatterns []string) (*GlobFilter, error) {
	f := &GlobFilter{
		serviceGlobs: make([]glob.Glob, 0, len(servicePatterns)),
		shardGlobs:   make([]glob.Glob, 0, len(shardPatterns)),
	}

	for _, pattern := range servicePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid service pattern %q: %w", pattern, err)
		}
		f.serviceGlobs = append(f.serviceGlobs, g)
	}
	for _, pattern := range shardPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid shard pattern %q: %w", pattern, err)
		}
		f.shardGlobs = append(f.shardGlobs, g)
	}
	return f, nil
}

// Match returns true if the service and shard match the configured
// patterns. If no patterns are configured, all events match.
func (f *GlobFilter) Match(service, shard string) bool {
	serviceMatch := len(f.serviceGlobs) == 0
	if !serviceMatch {
		for _, g := range f.serviceGlobs {
			if g.Match(service) {
				serviceMatch = true
				break
			}
		}
	}
	if !serviceMatch {
		return false
	}

	shardMatch := len(f.shardGlobs) == 0
	if !shardMatch {
		for _, g := range f.shardGlobs {
			if g.Match(shard) {
				shardMatch = true
				break
			}
		}
	}
	return shardMatch
}

// Filter suppresses non-matching events.
func (f *GlobFilter) Filter(ev *event.Event) (*event.Event, error) {
	if f.Match(ev.Service(), ev.Shard()) {
		return ev, nil
	}
	return nil, nil
}
