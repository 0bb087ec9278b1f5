package cluster

import (
	"sync"
	"time"
)

// Cooldown is a fail-fast window. After Trip, Available reports false for the
// configured duration so hot-path callers skip an unreachable dependency
// instead of blocking on it. First use after expiry probes again.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	until  time.Time
}

// NewCooldown creates a cooldown with the given window.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window}
}

// Available reports whether the dependency should be attempted.
func (c *Cooldown) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().After(c.until)
}

// Trip opens the window. Calls within an already-open window extend nothing;
// the deadline set by the first failure stands.
func (c *Cooldown) Trip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.After(c.until) {
		c.until = now.Add(c.window)
	}
}

// Reset closes the window after a successful call.
func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = time.Time{}
}
