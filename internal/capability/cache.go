// Package capability memoizes whether an optional server-side capability
// (such as a SQL function) exists.
package capability

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type State int

const (
	Unknown State = iota
	Available
	Unavailable
)

func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ProbeFunc reports whether the capability exists.
type ProbeFunc func(ctx context.Context) (bool, error)

// Cache holds the result of a probe for the life of the process. Concurrent
// callers of Check share a single in-flight probe.
type Cache struct {
	name  string
	probe ProbeFunc
	group singleflight.Group

	mu    sync.Mutex
	state State
	// generation advances on every Reset and MarkUnavailable so a probe
	// started before them cannot overwrite their state.
	generation uint64
}

func NewCache(name string, probe ProbeFunc) *Cache {
	return &Cache{name: name, probe: probe}
}

func (c *Cache) Name() string {
	return c.name
}

func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Check returns the cached answer, probing once if it is not known yet. A
// failed probe leaves the state Unknown so the next call probes again.
// The shared probe runs detached from any single caller's cancellation; a
// caller whose ctx ends stops waiting without failing the others.
func (c *Cache) Check(ctx context.Context) (bool, error) {
	switch c.State() {
	case Available:
		return true, nil
	case Unavailable:
		return false, nil
	}

	probeCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.name, func() (interface{}, error) {
		state, generation := c.snapshot()
		if state != Unknown {
			return state == Available, nil
		}
		ok, err := c.probe(probeCtx)
		if err != nil {
			return false, err
		}
		c.set(ok, generation)
		return ok, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

// MarkUnavailable records that the capability disappeared, e.g. after a call
// failed with "undefined function".
func (c *Cache) MarkUnavailable() {
	c.mu.Lock()
	c.state = Unavailable
	c.generation++
	c.mu.Unlock()
}

// Reset forgets the cached answer. A probe already in flight still answers
// its callers but does not repopulate the cache.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.state = Unknown
	c.generation++
	c.mu.Unlock()
}

func (c *Cache) snapshot() (State, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.generation
}

func (c *Cache) set(ok bool, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}
	if ok {
		c.state = Available
	} else {
		c.state = Unavailable
	}
}
