package main

import (
	"sync"
	"time"
)

// Backpressure policies for a connection that stays unwritable.
const (
	// BpPolicyClose force-closes the connection once it has been above the
	// high watermark longer than the deadline.
	BpPolicyClose = "close"
	// BpPolicyDrop sheds new outbound frames for an unwritable connection
	// instead; the resend sweep recovers the loss.
	BpPolicyDrop = "drop"
)

// bpGauge tracks one connection's outbound buffer occupancy in bytes against
// a low/high watermark pair. Crossing high marks the connection unwilling to
// accept more; falling below low clears it.
type bpGauge struct {
	mu         sync.Mutex
	low, high  int64
	queued     int64
	unwritable bool
	since      time.Time
}

func newBpGauge(low, high int64) *bpGauge {
	return &bpGauge{low: low, high: high}
}

// add accounts for an enqueued frame.
func (g *bpGauge) add(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued += int64(n)
	if !g.unwritable && g.queued > g.high {
		g.unwritable = true
		g.since = time.Now()
	}
}

// sub accounts for a written (or discarded) frame.
func (g *bpGauge) sub(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued -= int64(n)
	if g.queued < 0 {
		g.queued = 0
	}
	if g.unwritable && g.queued < g.low {
		g.unwritable = false
	}
}

// Unwritable reports whether the connection is above the high watermark and
// has not yet drained below the low one.
func (g *bpGauge) Unwritable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unwritable
}

// OverDeadline reports whether the connection has been unwritable for longer
// than d. Under the close policy this is the force-close trigger.
func (g *bpGauge) OverDeadline(d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unwritable && time.Since(g.since) > d
}

// Queued reports current occupancy.
func (g *bpGauge) Queued() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queued
}
