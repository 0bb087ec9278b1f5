package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/store"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// acceptChat runs the accept path for one SINGLE_CHAT frame: rate limit,
// idempotency short-circuit, durable append. Acceptance carries no promise of
// delivery yet; the ACK(saved) arrives only after the save worker persists.
//
// When the log is unreachable the gateway fails open: it persists directly,
// acks and pushes itself, trading per-conversation ordering for availability.
func (g *Gateway) acceptChat(ctx context.Context, c *Conn, f *wire.Chat) {
	start := time.Now()

	if !g.limiter.Allow(c.UserId()) {
		c.SendError("rate limit exceeded")
		return
	}

	// Replay of an already-saved send: re-emit the original ack, nothing else.
	if serverMsgId, ok, err := g.msgIds.Lookup(ctx, c.UserId(), f.ClientMsgId); err == nil && ok {
		_ = c.Send(wire.EncodeSavedAck(f.ClientMsgId, serverMsgId, time.Now().UnixMilli()))
		return
	} else if err != nil {
		slog.WarnContext(ctx, "Idempotency lookup failed, accepting anyway",
			"user", c.UserId(), "clientMsgId", f.ClientMsgId, "error", err)
	}

	entry := &msglog.Entry{
		ClientMsgId:    f.ClientMsgId,
		FromUserId:     c.UserId(),
		FromConnId:     c.Id(),
		FromInstanceId: g.instanceId,
		ToUserId:       f.To,
		MsgType:        f.MsgType,
		Body:           f.Body,
		ClientTs:       f.Ts,
		AcceptedAt:     time.Now().UnixMilli(),
	}

	if g.logCooldown.Available() {
		if err := g.log.Append(ctx, entry); err != nil {
			g.logCooldown.Trip()
			slog.ErrorContext(ctx, "Message log append failed, entering degraded mode",
				"user", c.UserId(), "error", err)
		} else {
			g.logCooldown.Reset()
			g.acceptedCounter.Add(ctx, 1)
			g.acceptDuration.Record(ctx, time.Since(start).Seconds())
			return
		}
	}

	g.acceptDegraded(ctx, c, entry)
	g.acceptDuration.Record(ctx, time.Since(start).Seconds())
}

// acceptDegraded is the fail-open path while the log is down: persist
// synchronously, ack the sender and push directly. The save worker never sees
// the message, so delivery relies on this push plus the resend sweep.
func (g *Gateway) acceptDegraded(ctx context.Context, c *Conn, e *msglog.Entry) {
	result, err := g.store.SaveMessage(ctx, &store.Message{
		ClientMsgId: e.ClientMsgId,
		FromUserId:  e.FromUserId,
		ToUserId:    e.ToUserId,
		MsgType:     e.MsgType,
		Body:        e.Body,
		ClientTs:    e.ClientTs,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Degraded persist failed, message rejected",
			"user", e.FromUserId, "clientMsgId", e.ClientMsgId, "error", err)
		c.SendError("message not accepted, try again")
		return
	}
	g.degradedCounter.Add(ctx, 1)
	g.acceptedCounter.Add(ctx, 1)

	if err := g.msgIds.Record(ctx, e.FromUserId, e.ClientMsgId, result.ServerMsgId); err != nil {
		slog.WarnContext(ctx, "Failed to record msg id in degraded mode",
			"serverMsgId", result.ServerMsgId, "error", err)
	}

	_ = c.Send(wire.EncodeSavedAck(e.ClientMsgId, result.ServerMsgId, time.Now().UnixMilli()))

	forwarded := wire.Encode(&wire.Chat{
		Type:        wire.TypeSingleChat,
		ClientMsgId: e.ClientMsgId,
		From:        e.FromUserId,
		To:          e.ToUserId,
		MsgType:     e.MsgType,
		Body:        e.Body,
		Ts:          e.ClientTs,
		ServerMsgId: result.ServerMsgId,
		MsgSeq:      result.MsgSeq,
	})
	local := g.pushLocal(ctx, e.ToUserId, "", forwarded)
	remote := g.pushRemote(ctx, e.ToUserId, "", forwarded)
	if local+remote == 0 {
		slog.InfoContext(ctx, "Recipient offline in degraded mode, left for resend sweep",
			"to", e.ToUserId, "serverMsgId", result.ServerMsgId)
	}
}

// handleClientAck forwards a recipient's ack_receive/read to the status
// workers, which own the persisted status transition.
func (g *Gateway) handleClientAck(ctx context.Context, c *Conn, f *wire.Ack) {
	if f.ServerMsgId == "" {
		c.SendError("ACK requires serverMsgId")
		return
	}
	ack := &cluster.StatusAck{
		UserId:      c.UserId(),
		ServerMsgId: f.ServerMsgId,
		AckType:     f.AckType,
		Ts:          time.Now().UnixMilli(),
	}
	if err := g.bus.PublishStatusAck(ctx, ack); err != nil {
		slog.WarnContext(ctx, "Failed to forward status ack",
			"user", c.UserId(), "serverMsgId", f.ServerMsgId, "error", err)
	}
}
