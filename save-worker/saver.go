package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/metric"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/routestore"
	"github.com/smf-h/mini-im-gateway/pkg/store"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// notLeaderDelay is the nak delay for entries seen while this instance does
// not hold the save lease. Keeps the consumer warm for failover without
// fighting the leader.
const notLeaderDelay = 5 * time.Second

// envelopePublisher is the publish side of *cluster.Bus.
type envelopePublisher interface {
	Publish(ctx context.Context, instanceId string, env *cluster.Envelope) error
}

// idRecorder is the record side of *msglog.MsgIdIndex.
type idRecorder interface {
	Record(ctx context.Context, fromUserId, clientMsgId, serverMsgId string) error
}

// Worker runs the save side of the pipeline: the leader-gated save consumer,
// the status-ack consumer and the resend sweep.
type Worker struct {
	cfg      Config
	store    store.MessageStore
	msgIds   idRecorder
	bus      envelopePublisher
	mirror   *routestore.Mirror
	isLeader func() bool

	savedCounter   metric.Int64Counter
	statusCounter  metric.Int64Counter
	resentCounter  metric.Int64Counter
	droppedCounter metric.Int64Counter
	saveDuration   metric.Float64Histogram
}

// RunSave consumes the accept log's save group. Only the lease holder
// processes entries; everyone else naks them back with a delay.
func (w *Worker) RunSave(ctx context.Context, cons jetstream.Consumer) error {
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		w.handleSave(ctx, msg)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

func (w *Worker) handleSave(ctx context.Context, msg jetstream.Msg) {
	if !w.isLeader() {
		_ = msg.NakWithDelay(notLeaderDelay)
		return
	}

	entry, err := msglog.DecodeEntry(msg.Data())
	if err != nil {
		slog.ErrorContext(ctx, "Discarding undecodable log entry", "error", err)
		_ = msg.Ack()
		return
	}

	start := time.Now()
	result, err := w.store.SaveMessage(ctx, &store.Message{
		ClientMsgId: entry.ClientMsgId,
		FromUserId:  entry.FromUserId,
		ToUserId:    entry.ToUserId,
		MsgType:     entry.MsgType,
		Body:        entry.Body,
		ClientTs:    entry.ClientTs,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Save failed, will redeliver",
			"from", entry.FromUserId, "clientMsgId", entry.ClientMsgId, "error", err)
		_ = msg.Nak()
		return
	}
	w.saveDuration.Record(ctx, time.Since(start).Seconds())
	if !result.AlreadyExisted {
		w.savedCounter.Add(ctx, 1)
	}

	if err := w.msgIds.Record(ctx, entry.FromUserId, entry.ClientMsgId, result.ServerMsgId); err != nil {
		// The deliver consumer gates on this record; without it the entry
		// would never push. Redeliver: SaveMessage replays idempotently.
		slog.ErrorContext(ctx, "Failed to record msg id, will redeliver",
			"serverMsgId", result.ServerMsgId, "error", err)
		_ = msg.Nak()
		return
	}

	w.ackSender(ctx, entry, result)
	_ = msg.Ack()
}

// ackSender pushes ACK(saved) back to the original sender. The originating
// device is preferred; if it has moved or gone, every current device of the
// sender gets the ack so a reconnected client still learns the serverMsgId.
func (w *Worker) ackSender(ctx context.Context, entry *msglog.Entry, result store.SaveResult) {
	frame := wire.EncodeSavedAck(entry.ClientMsgId, result.ServerMsgId, time.Now().UnixMilli())

	if route, ok := w.mirror.LookupConn(entry.FromUserId, entry.FromConnId); ok {
		env := &cluster.Envelope{
			Type:   cluster.EnvelopePush,
			UserId: entry.FromUserId,
			ConnId: entry.FromConnId,
			Frame:  frame,
		}
		if err := w.bus.Publish(ctx, route.InstanceId, env); err == nil {
			return
		}
	}

	for _, instance := range w.mirror.Instances(entry.FromUserId, "") {
		env := &cluster.Envelope{
			Type:   cluster.EnvelopePush,
			UserId: entry.FromUserId,
			Frame:  frame,
		}
		if err := w.bus.Publish(ctx, instance, env); err != nil {
			slog.DebugContext(ctx, "Saved-ack push failed",
				"user", entry.FromUserId, "instance", instance, "error", err)
		}
	}
}
