// Package cluster carries PUSH/KICK envelopes between gateway instances over
// per-instance NATS subjects.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smf-h/mini-im-gateway/pkg/otelhelper"
)

// Envelope types.
const (
	EnvelopePush = "PUSH"
	EnvelopeKick = "KICK"
)

// Subjects shared across the fleet.
const (
	// KickSubject is the ops broadcast for fleet-wide forced disconnects.
	KickSubject = "im.kick"
	// StatusAckSubject carries recipient ack_receive/read events to the
	// save worker's status consumers.
	StatusAckSubject = "im.status.ack"
	// StatusAckQueue is the queue group competing over StatusAckSubject.
	StatusAckQueue = "status-workers"
)

// PushSubject is the inbound envelope subject owned by one gateway instance.
func PushSubject(instanceId string) string {
	return "im.push." + instanceId
}

// Envelope is the ephemeral pub/sub unit. Loss is tolerated: the delivery
// pipeline's resend sweep covers dropped envelopes.
type Envelope struct {
	Type    string          `json:"type"`
	UserId  string          `json:"userId,omitempty"`
	UserIds []string        `json:"userIds,omitempty"`
	ConnId  string          `json:"connId,omitempty"` // target one device; empty fans out
	Reason  string          `json:"reason,omitempty"` // KICK only
	Frame   json.RawMessage `json:"frame,omitempty"`  // PUSH only: an encoded wire frame
}

// StatusAck is the payload published on StatusAckSubject.
type StatusAck struct {
	UserId      string `json:"userId"`
	ServerMsgId string `json:"serverMsgId"`
	AckType     string `json:"ackType"` // ack_receive or read
	Ts          int64  `json:"ts"`
}

// ErrUnavailable is returned by Publish while the fail-fast cooldown is open.
var ErrUnavailable = errors.New("cluster bus unavailable")

// DefaultCooldown bounds hot-path tail latency when the bus transport is down.
const DefaultCooldown = 10 * time.Second

// Bus publishes envelopes to owning instances and subscribes this instance's
// own channel. Publish is fire-and-forget best-effort: when the transport
// fails, a fixed cooldown window makes subsequent calls fail fast instead of
// blocking the accept path.
type Bus struct {
	nc       *nats.Conn
	cooldown *Cooldown
}

// NewBus wraps an established NATS connection.
func NewBus(nc *nats.Conn) *Bus {
	return &Bus{
		nc:       nc,
		cooldown: NewCooldown(DefaultCooldown),
	}
}

// Publish sends an envelope to the instance's push subject. Returns
// ErrUnavailable immediately while the cooldown window is open.
func (b *Bus) Publish(ctx context.Context, instanceId string, env *Envelope) error {
	if !b.cooldown.Available() {
		return ErrUnavailable
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if err := otelhelper.TracedPublish(ctx, b.nc, PushSubject(instanceId), data); err != nil {
		b.cooldown.Trip()
		slog.WarnContext(ctx, "Cluster bus publish failed, entering cooldown", "instance", instanceId, "error", err)
		return errors.Join(ErrUnavailable, err)
	}
	b.cooldown.Reset()
	return nil
}

// PublishStatusAck forwards a recipient's delivery/read ack to the status
// consumers.
func (b *Bus) PublishStatusAck(ctx context.Context, ack *StatusAck) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return otelhelper.TracedPublish(ctx, b.nc, StatusAckSubject, data)
}

// Subscribe starts delivering this instance's inbound envelopes to handler.
func (b *Bus) Subscribe(instanceId string, handler func(context.Context, *Envelope)) (*nats.Subscription, error) {
	return b.nc.Subscribe(PushSubject(instanceId), func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "cluster envelope")
		defer span.End()

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.WarnContext(ctx, "Invalid cluster envelope", "error", err)
			span.RecordError(err)
			return
		}
		handler(ctx, &env)
	})
}

// SubscribeKicks delivers fleet-wide KICK broadcasts. Every instance closes
// its own matching connections.
func (b *Bus) SubscribeKicks(handler func(context.Context, *Envelope)) (*nats.Subscription, error) {
	return b.nc.Subscribe(KickSubject, func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "kick broadcast")
		defer span.End()

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.WarnContext(ctx, "Invalid kick envelope", "error", err)
			span.RecordError(err)
			return
		}
		env.Type = EnvelopeKick
		handler(ctx, &env)
	})
}
