package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/otelhelper"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// SubscribeStatusAcks competes in the status queue group and applies
// recipient acks to the message rows. Transitions are monotonic at the SQL
// level, so replays and out-of-order acks collapse to no-ops.
func (w *Worker) SubscribeStatusAcks(nc *nats.Conn) (*nats.Subscription, error) {
	return nc.QueueSubscribe(cluster.StatusAckSubject, cluster.StatusAckQueue, func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "status ack")
		defer span.End()

		var ack cluster.StatusAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			slog.WarnContext(ctx, "Invalid status ack", "error", err)
			span.RecordError(err)
			return
		}
		if err := w.applyStatusAck(ctx, &ack); err != nil {
			span.RecordError(err)
		}
	})
}

// applyStatusAck advances one message row per the recipient's ack. Unknown or
// incomplete acks are logged and swallowed; the subject is at-most-once
// anyway.
func (w *Worker) applyStatusAck(ctx context.Context, ack *cluster.StatusAck) error {
	if ack.ServerMsgId == "" || ack.UserId == "" {
		return nil
	}

	var err error
	switch ack.AckType {
	case wire.AckReceive:
		err = w.store.MarkDelivered(ctx, ack.ServerMsgId, ack.UserId)
	case wire.AckRead:
		err = w.store.MarkRead(ctx, ack.ServerMsgId, ack.UserId)
	default:
		slog.WarnContext(ctx, "Unknown ack type", "ackType", ack.AckType)
		return nil
	}
	if err != nil {
		slog.WarnContext(ctx, "Failed to apply status ack",
			"serverMsgId", ack.ServerMsgId, "ackType", ack.AckType, "error", err)
		return err
	}
	w.statusCounter.Add(ctx, 1)
	return nil
}
