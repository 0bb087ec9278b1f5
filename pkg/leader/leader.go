// Package leader elects a single active worker per role through a short-TTL
// KV lease: create to acquire, CAS-update on the held revision to renew,
// steal on expiry. A crashed holder is replaced within one TTL without a
// clean handoff.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Election competes for one lease key in a shared KV bucket.
type Election struct {
	kv           jetstream.KeyValue
	instanceId   string
	key          string
	heartbeatInt time.Duration
	isLeader     atomic.Bool
	onChange     func(leading bool)
}

// NewElection creates (or binds) the lease bucket. The bucket TTL is the
// lease length; heartbeatInt must be comfortably shorter. onChange fires on
// every gain or loss of leadership and may be nil.
func NewElection(ctx context.Context, js jetstream.JetStream, bucket, key, instanceId string, ttl, heartbeatInt time.Duration, onChange func(bool)) (*Election, error) {
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		kv, err = js.KeyValue(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind leader bucket: %w", err)
		}
	}

	return &Election{
		kv:           kv,
		instanceId:   instanceId,
		key:          key,
		heartbeatInt: heartbeatInt,
		onChange:     onChange,
	}, nil
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// Run competes for the lease until ctx is cancelled, then steps down.
func (e *Election) Run(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeatInt)
	defer ticker.Stop()

	e.tryAcquire(ctx)

	for {
		select {
		case <-ctx.Done():
			e.stepDown()
			return
		case <-ticker.C:
			if e.isLeader.Load() {
				e.renew(ctx)
			} else {
				e.tryAcquire(ctx)
			}
		}
	}
}

func (e *Election) setLeader(leading bool) {
	if e.isLeader.Swap(leading) != leading && e.onChange != nil {
		e.onChange(leading)
	}
}

func (e *Election) tryAcquire(ctx context.Context) {
	if _, err := e.kv.Create(ctx, e.key, []byte(e.instanceId)); err == nil {
		slog.Info("Acquired leadership", "instance", e.instanceId, "key", e.key)
		e.setLeader(true)
		return
	}

	entry, err := e.kv.Get(ctx, e.key)
	if err != nil {
		// Key just expired or the store is unreachable; next tick retries.
		return
	}
	if string(entry.Value()) == e.instanceId {
		e.setLeader(true)
	}
}

func (e *Election) renew(ctx context.Context) {
	entry, err := e.kv.Get(ctx, e.key)
	if err != nil {
		slog.Warn("Lost leadership, lease key gone", "instance", e.instanceId)
		e.setLeader(false)
		return
	}
	if string(entry.Value()) != e.instanceId {
		slog.Warn("Lost leadership to another instance", "instance", e.instanceId, "holder", string(entry.Value()))
		e.setLeader(false)
		return
	}
	if _, err := e.kv.Update(ctx, e.key, []byte(e.instanceId), entry.Revision()); err != nil {
		slog.Warn("Failed to renew lease", "instance", e.instanceId, "error", err)
		e.setLeader(false)
	}
}

func (e *Election) stepDown() {
	if !e.isLeader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := e.kv.Get(ctx, e.key)
	if err == nil && string(entry.Value()) == e.instanceId {
		_ = e.kv.Delete(ctx, e.key)
		slog.Info("Stepped down as leader", "instance", e.instanceId)
	}
	e.setLeader(false)
}
