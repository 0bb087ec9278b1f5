package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/store"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// RunResend is the fallback for every push that got lost: stale SAVED rows
// whose recipient is reachable are re-pushed directly over the bus, bypassing
// the log; rows unreachable past the drop deadline go to DROPPED. Leader-gated
// so the fleet runs exactly one sweep. Blocks until ctx is cancelled.
func (w *Worker) RunResend(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.isLeader() {
				continue
			}
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	now := time.Now()
	stale, err := w.store.ListStaleSaved(ctx,
		now.Add(-w.cfg.ResendStaleAfter),
		now.Add(-w.cfg.ResendStaleAfter),
		w.cfg.ResendBatch,
	)
	if err != nil {
		slog.WarnContext(ctx, "Resend sweep query failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	slog.InfoContext(ctx, "Resend sweep", "candidates", len(stale))

	for _, msg := range stale {
		if len(w.mirror.Lookup(msg.ToUserId)) > 0 {
			w.resend(ctx, msg)
			continue
		}
		if now.Sub(msg.SavedAt) > w.cfg.DropAfter {
			if err := w.store.MarkDropped(ctx, msg.ServerMsgId); err != nil {
				slog.WarnContext(ctx, "Failed to drop message", "serverMsgId", msg.ServerMsgId, "error", err)
				continue
			}
			w.droppedCounter.Add(ctx, 1)
			slog.InfoContext(ctx, "Message dropped, recipient never reachable",
				"serverMsgId", msg.ServerMsgId, "to", msg.ToUserId)
		}
		// Unreachable but inside the drop window: stays SAVED for next sweep.
	}
}

// resend re-pushes one stored message to every instance holding a connection
// for the recipient, then touches the row so the next sweep does not race
// this attempt.
func (w *Worker) resend(ctx context.Context, msg *store.Message) {
	frame := wire.Encode(&wire.Chat{
		Type:        wire.TypeSingleChat,
		ClientMsgId: msg.ClientMsgId,
		From:        msg.FromUserId,
		To:          msg.ToUserId,
		MsgType:     msg.MsgType,
		Body:        msg.Body,
		Ts:          msg.ClientTs,
		ServerMsgId: msg.ServerMsgId,
		MsgSeq:      msg.MsgSeq,
	})

	pushed := 0
	for _, instance := range w.mirror.Instances(msg.ToUserId, "") {
		env := &cluster.Envelope{
			Type:   cluster.EnvelopePush,
			UserId: msg.ToUserId,
			Frame:  frame,
		}
		if err := w.bus.Publish(ctx, instance, env); err != nil {
			slog.WarnContext(ctx, "Resend push failed",
				"serverMsgId", msg.ServerMsgId, "instance", instance, "error", err)
			continue
		}
		pushed++
	}
	if pushed == 0 {
		return
	}

	w.resentCounter.Add(ctx, 1)
	if err := w.store.Touch(ctx, msg.ServerMsgId); err != nil {
		slog.WarnContext(ctx, "Failed to touch resent message", "serverMsgId", msg.ServerMsgId, "error", err)
	}
}
