package routestore

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Mirror is a thread-safe in-memory copy of the route bucket, fed by Watch.
// Reads never touch the network; a stale mirror degrades to same-instance
// delivery, which is the intended failure mode.
type Mirror struct {
	mu     sync.RWMutex
	routes map[string]map[string]Route // userId -> connId -> Route
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{routes: make(map[string]map[string]Route)}
}

// Set upserts one route. Watch applies remote updates through here; the
// owning gateway also calls it directly on local AUTH so its own routes are
// resolvable before the watcher echo arrives.
func (m *Mirror) Set(userId, connId string, r Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routes[userId] == nil {
		m.routes[userId] = make(map[string]Route)
	}
	m.routes[userId][connId] = r
}

// Remove drops one route; removing an absent route is a no-op.
func (m *Mirror) Remove(userId, connId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conns, ok := m.routes[userId]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(m.routes, userId)
		}
	}
}

// apply folds one KV watcher entry into the mirror.
func (m *Mirror) apply(entry nats.KeyValueEntry) {
	userId, connId, ok := splitRouteKey(entry.Key())
	if !ok {
		return
	}
	switch entry.Operation() {
	case nats.KeyValuePut:
		var r Route
		if err := json.Unmarshal(entry.Value(), &r); err != nil {
			slog.Warn("Invalid route record in KV", "key", entry.Key(), "error", err)
			return
		}
		m.Set(userId, connId, r)
	case nats.KeyValueDelete, nats.KeyValuePurge:
		m.Remove(userId, connId)
	}
}

// Lookup returns all current routes for a user, one per device.
func (m *Mirror) Lookup(userId string) []Route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := m.routes[userId]
	if len(conns) == 0 {
		return nil
	}
	result := make([]Route, 0, len(conns))
	for _, r := range conns {
		result = append(result, r)
	}
	return result
}

// LookupConn returns the route for one specific device.
func (m *Mirror) LookupConn(userId, connId string) (Route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[userId][connId]
	return r, ok
}

// Instances returns the distinct instanceIds currently holding connections
// for a user, excluding the given instance (usually the caller's own).
func (m *Mirror) Instances(userId, excluding string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var result []string
	for _, r := range m.routes[userId] {
		if r.InstanceId == excluding || seen[r.InstanceId] {
			continue
		}
		seen[r.InstanceId] = true
		result = append(result, r.InstanceId)
	}
	return result
}

// Len reports the number of route records mirrored.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.routes {
		n += len(conns)
	}
	return n
}
