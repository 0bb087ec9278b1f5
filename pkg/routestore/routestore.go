// Package routestore maintains the shared userId -> (instanceId, connId)
// routing table in a TTL-bounded JetStream KV bucket, with a per-process
// in-memory mirror so lookups stay O(1) and keep answering while the
// coordination store is briefly unreachable.
package routestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Bucket is the KV bucket holding route records.
const Bucket = "IM_ROUTES"

// DefaultTTL bounds route records. Gateways re-Put each local route on a
// heartbeat ticker well inside the TTL; a crashed instance's routes expire.
const DefaultTTL = 45 * time.Second

// Route is one device's current location in the fleet. At most one current
// record exists per (userId, connId); a newer AUTH for the same connId
// overwrites. Distinct connIds for one user coexist (multi-device).
type Route struct {
	InstanceId  string `json:"instanceId"`
	ConnId      string `json:"connId"`
	ConnectedAt int64  `json:"connectedAt"`
}

// Store is the write side, backed by the shared KV bucket.
type Store struct {
	kv nats.KeyValue
}

// New creates (or binds) the route bucket.
func New(js nats.JetStreamContext, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  Bucket,
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		// Another instance may have created it first.
		kv, err = js.KeyValue(Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind route bucket: %w", err)
		}
	}
	return &Store{kv: kv}, nil
}

// routeKey is "{userId}.{connId}". ConnIds are UUIDs and never contain dots,
// so the last dot always splits correctly.
func routeKey(userId, connId string) string {
	return userId + "." + connId
}

func splitRouteKey(key string) (userId, connId string, ok bool) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Put upserts a route record. Used on AUTH and on every heartbeat tick;
// last write wins per (userId, connId).
func (s *Store) Put(userId, connId, instanceId string) error {
	data, err := json.Marshal(Route{
		InstanceId:  instanceId,
		ConnId:      connId,
		ConnectedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(routeKey(userId, connId), data); err != nil {
		return fmt.Errorf("failed to put route: %w", err)
	}
	return nil
}

// Delete removes a route on connection close. Deleting an absent key is a
// no-op, so racing closes stay idempotent.
func (s *Store) Delete(userId, connId string) error {
	err := s.kv.Delete(routeKey(userId, connId))
	if err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("failed to delete route: %w", err)
	}
	return nil
}

// Watch hydrates the mirror from the bucket, then applies live updates until
// ctx is cancelled. Run it in its own goroutine; restart it after a NATS
// reconnect (the bucket may have been recreated empty).
func (s *Store) Watch(ctx context.Context, m *Mirror) {
	watcher, err := s.kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Failed to start route watcher", "error", err)
		return
	}
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		m.apply(entry)
	}
	watcher.Stop()
	slog.Info("Route mirror hydrated", "routes", m.Len())

	watcher, err = s.kv.WatchAll()
	if err != nil {
		slog.Error("Failed to restart route watcher with deletes", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			m.apply(entry)
		}
	}
}
