package main

import (
	"context"
	"errors"
	"testing"

	"github.com/smf-h/mini-im-gateway/pkg/routestore"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

func TestAcceptChat_AppendsToLog(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	c, _ := tg.newAuthedConn("alice")

	tg.gw.acceptChat(context.Background(), c, &wire.Chat{
		Type:        wire.TypeSingleChat,
		ClientMsgId: "m1",
		To:          "bob",
		MsgType:     "text",
		Body:        "hi",
		Ts:          123,
	})

	if len(tg.log.entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(tg.log.entries))
	}
	e := tg.log.entries[0]
	if e.FromUserId != "alice" || e.ToUserId != "bob" || e.ClientMsgId != "m1" {
		t.Errorf("Unexpected entry: %+v", e)
	}
	if e.FromConnId != c.Id() || e.FromInstanceId != "instance-1" {
		t.Errorf("Expected sender location on the entry, got conn=%q instance=%q", e.FromConnId, e.FromInstanceId)
	}
	// No ack yet: the saved ack arrives only after persist.
	if frames := drainConn(c); len(frames) != 0 {
		t.Errorf("Expected no immediate frames, got %d", len(frames))
	}
}

func TestAcceptChat_DuplicateReemitsSavedAck(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	c, _ := tg.newAuthedConn("alice")
	_ = tg.msgIds.Record(context.Background(), "alice", "m1", "srv-1")

	tg.gw.acceptChat(context.Background(), c, &wire.Chat{
		Type: wire.TypeSingleChat, ClientMsgId: "m1", To: "bob", Body: "hi",
	})

	if len(tg.log.entries) != 0 {
		t.Fatalf("Expected no new log entry for a replay, got %d", len(tg.log.entries))
	}
	frames := drainConn(c)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 ack frame, got %d", len(frames))
	}
	var ack wire.Ack
	unmarshalFrame(t, frames[0], &ack)
	if ack.AckType != wire.AckSaved || ack.ServerMsgId != "srv-1" || ack.ClientMsgId != "m1" {
		t.Errorf("Unexpected replay ack: %+v", ack)
	}
}

func TestAcceptChat_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSec = 1
	cfg.RateBurst = 1
	tg := newTestGateway(t, cfg)
	c, _ := tg.newAuthedConn("alice")

	tg.gw.acceptChat(context.Background(), c, &wire.Chat{ClientMsgId: "m1", To: "bob"})
	tg.gw.acceptChat(context.Background(), c, &wire.Chat{ClientMsgId: "m2", To: "bob"})

	if len(tg.log.entries) != 1 {
		t.Fatalf("Expected only 1 accepted entry, got %d", len(tg.log.entries))
	}
	frames := drainConn(c)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 rejection frame, got %d", len(frames))
	}
	var ef wire.ErrorFrame
	unmarshalFrame(t, frames[0], &ef)
	if ef.Type != wire.TypeError {
		t.Errorf("Expected ERROR frame, got %+v", ef)
	}
}

func TestAcceptChat_DegradedPersistsDirectly(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tg.log.err = errors.New("jetstream down")
	sender, _ := tg.newAuthedConn("alice")
	recipient, _ := tg.newAuthedConn("bob")

	tg.gw.acceptChat(context.Background(), sender, &wire.Chat{
		ClientMsgId: "m1", To: "bob", MsgType: "text", Body: "hi", Ts: 5,
	})

	if len(tg.store.saved) != 1 {
		t.Fatalf("Expected direct persist, got %d rows", len(tg.store.saved))
	}
	serverMsgId := tg.store.saved[0].ServerMsgId
	if serverMsgId == "" {
		t.Fatal("Expected an assigned serverMsgId")
	}

	if id, ok, _ := tg.msgIds.Lookup(context.Background(), "alice", "m1"); !ok || id != serverMsgId {
		t.Errorf("Expected idempotency record %q, got %q ok=%v", serverMsgId, id, ok)
	}

	senderFrames := drainConn(sender)
	if len(senderFrames) != 1 {
		t.Fatalf("Expected saved ack to sender, got %d frames", len(senderFrames))
	}
	var ack wire.Ack
	unmarshalFrame(t, senderFrames[0], &ack)
	if ack.AckType != wire.AckSaved || ack.ServerMsgId != serverMsgId {
		t.Errorf("Unexpected degraded ack: %+v", ack)
	}

	recipientFrames := drainConn(recipient)
	if len(recipientFrames) != 1 {
		t.Fatalf("Expected direct push to recipient, got %d frames", len(recipientFrames))
	}
	var chat wire.Chat
	unmarshalFrame(t, recipientFrames[0], &chat)
	if chat.From != "alice" || chat.ServerMsgId != serverMsgId || chat.Body != "hi" {
		t.Errorf("Unexpected pushed chat: %+v", chat)
	}
}

func TestAcceptChat_DegradedCooldownSkipsLog(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tg.log.err = errors.New("jetstream down")
	sender, _ := tg.newAuthedConn("alice")

	tg.gw.acceptChat(context.Background(), sender, &wire.Chat{ClientMsgId: "m1", To: "bob"})

	// The log recovers, but the cooldown window is still open: the second
	// accept must not even try the append.
	tg.log.err = nil
	tg.gw.acceptChat(context.Background(), sender, &wire.Chat{ClientMsgId: "m2", To: "bob"})

	if len(tg.log.entries) != 0 {
		t.Errorf("Expected appends skipped during cooldown, got %d", len(tg.log.entries))
	}
	if len(tg.store.saved) != 2 {
		t.Errorf("Expected both messages persisted directly, got %d", len(tg.store.saved))
	}
}

func TestAcceptChat_DegradedReplayKeepsServerMsgId(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tg.log.err = errors.New("jetstream down")
	sender, _ := tg.newAuthedConn("alice")

	tg.gw.acceptChat(context.Background(), sender, &wire.Chat{ClientMsgId: "m1", To: "bob"})
	first := drainConn(sender)

	tg.gw.acceptChat(context.Background(), sender, &wire.Chat{ClientMsgId: "m1", To: "bob"})
	second := drainConn(sender)

	if len(tg.store.saved) != 1 {
		t.Fatalf("Expected a single persisted row, got %d", len(tg.store.saved))
	}
	var a1, a2 wire.Ack
	unmarshalFrame(t, first[0], &a1)
	unmarshalFrame(t, second[0], &a2)
	if a1.ServerMsgId != a2.ServerMsgId {
		t.Errorf("Expected stable serverMsgId on replay, got %q then %q", a1.ServerMsgId, a2.ServerMsgId)
	}
}

func TestHandleClientAck_ForwardsToStatusWorkers(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	c, _ := tg.newAuthedConn("bob")

	tg.gw.handleClientAck(context.Background(), c, &wire.Ack{
		Type: wire.TypeAck, ServerMsgId: "srv-1", AckType: wire.AckReceive,
	})

	if len(tg.bus.statusAcks) != 1 {
		t.Fatalf("Expected 1 status ack, got %d", len(tg.bus.statusAcks))
	}
	ack := tg.bus.statusAcks[0]
	if ack.UserId != "bob" || ack.ServerMsgId != "srv-1" || ack.AckType != wire.AckReceive {
		t.Errorf("Unexpected status ack: %+v", ack)
	}
}

func TestHandleClientAck_RequiresServerMsgId(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	c, _ := tg.newAuthedConn("bob")

	tg.gw.handleClientAck(context.Background(), c, &wire.Ack{AckType: wire.AckRead})

	if len(tg.bus.statusAcks) != 0 {
		t.Errorf("Expected no status ack without serverMsgId, got %d", len(tg.bus.statusAcks))
	}
	if frames := drainConn(c); len(frames) != 1 {
		t.Errorf("Expected an ERROR frame, got %d frames", len(frames))
	}
}

func TestPushRemote_PublishesPerInstance(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tg.mirror.Set("bob", "c9", routestore.Route{InstanceId: "instance-2", ConnId: "c9"})
	tg.mirror.Set("bob", "c10", routestore.Route{InstanceId: "instance-3", ConnId: "c10"})
	// A device on this instance must not get a bus envelope.
	tg.mirror.Set("bob", "c11", routestore.Route{InstanceId: "instance-1", ConnId: "c11"})

	n := tg.gw.pushRemote(context.Background(), "bob", "", []byte(`{"type":"ERROR"}`))

	if n != 2 || len(tg.bus.published) != 2 {
		t.Fatalf("Expected 2 remote publishes, got n=%d published=%d", n, len(tg.bus.published))
	}
	for _, p := range tg.bus.published {
		if p.instanceId == "instance-1" {
			t.Error("Expected no envelope to this instance")
		}
		if p.env.UserId != "bob" {
			t.Errorf("Expected envelope for bob, got %q", p.env.UserId)
		}
	}
}
