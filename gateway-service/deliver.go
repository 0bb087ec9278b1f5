package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// deliverMaxDeliver bounds redelivery of one log entry to the deliver group.
// With the nak delay below this covers a persist lag of a few minutes before
// the entry is abandoned to the resend sweep.
const deliverMaxDeliver = 30

// persistRecheckDelay is the nak delay while waiting for the save worker to
// assign a serverMsgId.
const persistRecheckDelay = 2 * time.Second

// RunDeliver consumes the accept log's deliver group and pushes each entry
// to the recipient. The group is queue-shared: exactly one instance handles
// each entry and forwards to peers over the bus when the recipient's devices
// live elsewhere.
func (g *Gateway) RunDeliver(ctx context.Context, cons jetstream.Consumer) error {
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		g.handleDeliver(ctx, msg)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

func (g *Gateway) handleDeliver(ctx context.Context, msg jetstream.Msg) {
	entry, err := msglog.DecodeEntry(msg.Data())
	if err != nil {
		// Poison entry: redelivery cannot fix it.
		slog.ErrorContext(ctx, "Discarding undecodable log entry", "error", err)
		_ = msg.Ack()
		return
	}

	serverMsgId := ""
	var msgSeq int64
	if !g.cfg.PushBeforePersist {
		id, ok, err := g.msgIds.Lookup(ctx, entry.FromUserId, entry.ClientMsgId)
		if err != nil {
			slog.WarnContext(ctx, "Persist check failed, retrying entry",
				"clientMsgId", entry.ClientMsgId, "error", err)
			_ = msg.NakWithDelay(persistRecheckDelay)
			return
		}
		if !ok {
			// Not persisted yet. Redeliver until the save worker catches up;
			// past MaxDeliver the resend sweep owns the message.
			_ = msg.NakWithDelay(persistRecheckDelay)
			return
		}
		serverMsgId = id
	}

	forwarded := wire.Encode(&wire.Chat{
		Type:        wire.TypeSingleChat,
		ClientMsgId: entry.ClientMsgId,
		From:        entry.FromUserId,
		To:          entry.ToUserId,
		MsgType:     entry.MsgType,
		Body:        entry.Body,
		Ts:          entry.ClientTs,
		ServerMsgId: serverMsgId,
		MsgSeq:      msgSeq,
	})

	local := g.pushLocal(ctx, entry.ToUserId, "", forwarded)
	remote := g.pushRemote(ctx, entry.ToUserId, "", forwarded)
	if local+remote == 0 {
		slog.DebugContext(ctx, "Recipient unreachable, leaving to resend sweep",
			"to", entry.ToUserId, "clientMsgId", entry.ClientMsgId)
	}

	// Ack regardless of reachability: the pushed copy is best effort and the
	// durable row already exists, so the sweep recovers offline recipients.
	_ = msg.Ack()
}

// HandleEnvelope processes one inbound cluster envelope addressed to this
// instance.
func (g *Gateway) HandleEnvelope(ctx context.Context, env *cluster.Envelope) {
	switch env.Type {
	case cluster.EnvelopePush:
		if len(env.Frame) == 0 || env.UserId == "" {
			return
		}
		g.pushLocal(ctx, env.UserId, env.ConnId, []byte(env.Frame))
	case cluster.EnvelopeKick:
		g.HandleKick(ctx, env)
	default:
		slog.WarnContext(ctx, "Unknown envelope type", "type", env.Type)
	}
}

// HandleKick force-closes this instance's connections for the named users,
// telling each client why first.
func (g *Gateway) HandleKick(ctx context.Context, env *cluster.Envelope) {
	users := env.UserIds
	if env.UserId != "" {
		users = append(users, env.UserId)
	}
	reason := env.Reason
	if reason == "" {
		reason = "disconnected by server"
	}

	for _, userId := range users {
		for _, c := range g.registry.Conns(userId) {
			if env.ConnId != "" && c.Id() != env.ConnId {
				continue
			}
			c.SendError(reason)
			g.cleanup(c)
			g.kickedCounter.Add(ctx, 1)
			slog.InfoContext(ctx, "Connection kicked", "user", userId, "conn", c.Id(), "reason", reason)
		}
	}
}
