package main

import (
	"sync"
)

// Registry is the process-local session table: userId -> connections (one
// per device) plus the reverse connId -> userId lookup. Only this process
// mutates it, on connection auth and connection close.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Conn // userId -> connId -> conn
	byConn map[string]string           // connId -> userId
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Conn),
		byConn: make(map[string]string),
	}
}

// Register binds an authenticated connection to its user.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userId := c.UserId()
	if r.byUser[userId] == nil {
		r.byUser[userId] = make(map[string]*Conn)
	}
	r.byUser[userId][c.Id()] = c
	r.byConn[c.Id()] = userId
}

// Deregister removes a connection. Double-deregistration is a no-op:
// backpressure-triggered closes race peer-initiated ones.
func (r *Registry) Deregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	userId, ok := r.byConn[c.Id()]
	if !ok {
		return false
	}
	delete(r.byConn, c.Id())
	if conns, ok := r.byUser[userId]; ok {
		delete(conns, c.Id())
		if len(conns) == 0 {
			delete(r.byUser, userId)
		}
	}
	return true
}

// Conns returns all local connections for a user (multi-device).
func (r *Registry) Conns(userId string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userId]
	if len(conns) == 0 {
		return nil
	}
	result := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		result = append(result, c)
	}
	return result
}

// Conn returns one specific device's connection.
func (r *Registry) Conn(userId, connId string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userId][connId]
	return c, ok
}

// Snapshot lists (userId, connId) pairs for the route heartbeat.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string][]string, len(r.byUser))
	for userId, conns := range r.byUser {
		ids := make([]string, 0, len(conns))
		for connId := range conns {
			ids = append(ids, connId)
		}
		result[userId] = ids
	}
	return result
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
