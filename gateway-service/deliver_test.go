package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// fakeJSMsg records the ack decision taken on a consumed log entry.
type fakeJSMsg struct {
	data     []byte
	acked    bool
	naked    bool
	nakDelay time.Duration
}

func newFakeJSMsg(t *testing.T, e *msglog.Entry) *fakeJSMsg {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Failed to marshal entry: %v", err)
	}
	return &fakeJSMsg{data: data}
}

func (m *fakeJSMsg) Data() []byte         { return m.data }
func (m *fakeJSMsg) Headers() nats.Header { return nil }
func (m *fakeJSMsg) Subject() string      { return msglog.Subject }
func (m *fakeJSMsg) Reply() string        { return "" }

func (m *fakeJSMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{}, nil
}

func (m *fakeJSMsg) Ack() error                      { m.acked = true; return nil }
func (m *fakeJSMsg) DoubleAck(context.Context) error { m.acked = true; return nil }
func (m *fakeJSMsg) Nak() error                      { m.naked = true; return nil }

func (m *fakeJSMsg) NakWithDelay(d time.Duration) error {
	m.naked = true
	m.nakDelay = d
	return nil
}

func (m *fakeJSMsg) InProgress() error           { return nil }
func (m *fakeJSMsg) Term() error                 { return nil }
func (m *fakeJSMsg) TermWithReason(string) error { return nil }

func TestHandleDeliver_WaitsForPersist(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	tg.newAuthedConn("bob")

	msg := newFakeJSMsg(t, &msglog.Entry{ClientMsgId: "m1", FromUserId: "alice", ToUserId: "bob"})
	tg.gw.handleDeliver(context.Background(), msg)

	if !msg.naked || msg.acked {
		t.Fatalf("Expected nak while unpersisted, got acked=%v naked=%v", msg.acked, msg.naked)
	}
	if msg.nakDelay != persistRecheckDelay {
		t.Errorf("Expected nak delay %v, got %v", persistRecheckDelay, msg.nakDelay)
	}
}

func TestHandleDeliver_PushesPersistedMessage(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	recipient, _ := tg.newAuthedConn("bob")
	_ = tg.msgIds.Record(context.Background(), "alice", "m1", "srv-1")

	msg := newFakeJSMsg(t, &msglog.Entry{
		ClientMsgId: "m1", FromUserId: "alice", ToUserId: "bob",
		MsgType: "text", Body: "hi", ClientTs: 7,
	})
	tg.gw.handleDeliver(context.Background(), msg)

	if !msg.acked {
		t.Fatal("Expected ack after push")
	}
	frames := drainConn(recipient)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 pushed frame, got %d", len(frames))
	}
	var chat wire.Chat
	unmarshalFrame(t, frames[0], &chat)
	if chat.Type != wire.TypeSingleChat || chat.From != "alice" || chat.ServerMsgId != "srv-1" {
		t.Errorf("Unexpected forwarded chat: %+v", chat)
	}
}

func TestHandleDeliver_PushBeforePersistSkipsGate(t *testing.T) {
	cfg := testConfig()
	cfg.PushBeforePersist = true
	tg := newTestGateway(t, cfg)
	recipient, _ := tg.newAuthedConn("bob")

	msg := newFakeJSMsg(t, &msglog.Entry{ClientMsgId: "m1", FromUserId: "alice", ToUserId: "bob", Body: "hi"})
	tg.gw.handleDeliver(context.Background(), msg)

	if !msg.acked {
		t.Fatal("Expected ack")
	}
	frames := drainConn(recipient)
	if len(frames) != 1 {
		t.Fatalf("Expected immediate push, got %d frames", len(frames))
	}
	var chat wire.Chat
	unmarshalFrame(t, frames[0], &chat)
	if chat.ServerMsgId != "" {
		t.Errorf("Expected empty serverMsgId before persist, got %q", chat.ServerMsgId)
	}
}

func TestHandleDeliver_UnknownRouteStillAcks(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	_ = tg.msgIds.Record(context.Background(), "alice", "m1", "srv-1")

	msg := newFakeJSMsg(t, &msglog.Entry{ClientMsgId: "m1", FromUserId: "alice", ToUserId: "nobody"})
	tg.gw.handleDeliver(context.Background(), msg)

	if !msg.acked {
		t.Error("Expected ack even with no reachable recipient")
	}
}

func TestHandleDeliver_PoisonEntryAcked(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	msg := &fakeJSMsg{data: []byte("not json")}
	tg.gw.handleDeliver(context.Background(), msg)

	if !msg.acked || msg.naked {
		t.Errorf("Expected poison entry acked, got acked=%v naked=%v", msg.acked, msg.naked)
	}
}

func TestHandleEnvelope_PushTargetsOneDevice(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	c1, _ := tg.newAuthedConn("bob")
	c2, _ := tg.newAuthedConn("bob")

	frame := wire.EncodeError("ping")
	tg.gw.HandleEnvelope(context.Background(), &cluster.Envelope{
		Type: cluster.EnvelopePush, UserId: "bob", ConnId: c1.Id(), Frame: frame,
	})

	if got := len(drainConn(c1)); got != 1 {
		t.Errorf("Expected targeted device to get 1 frame, got %d", got)
	}
	if got := len(drainConn(c2)); got != 0 {
		t.Errorf("Expected other device to get nothing, got %d", got)
	}
}

func TestHandleEnvelope_PushFansOutWithoutConnId(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	c1, _ := tg.newAuthedConn("bob")
	c2, _ := tg.newAuthedConn("bob")

	tg.gw.HandleEnvelope(context.Background(), &cluster.Envelope{
		Type: cluster.EnvelopePush, UserId: "bob", Frame: wire.EncodeError("ping"),
	})

	if len(drainConn(c1)) != 1 || len(drainConn(c2)) != 1 {
		t.Error("Expected both devices to get the frame")
	}
}

func TestHandleKick_ClosesAndExplains(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	c, _ := tg.newAuthedConn("bob")

	tg.gw.HandleKick(context.Background(), &cluster.Envelope{
		Type: cluster.EnvelopeKick, UserId: "bob", Reason: "session revoked",
	})

	if !c.Closed() {
		t.Fatal("Expected kicked connection closed")
	}
	if tg.gw.registry.Len() != 0 {
		t.Errorf("Expected empty registry after kick, got %d", tg.gw.registry.Len())
	}
	frames := drainConn(c)
	if len(frames) != 1 {
		t.Fatalf("Expected an ERROR frame before close, got %d", len(frames))
	}
	var ef wire.ErrorFrame
	unmarshalFrame(t, frames[0], &ef)
	if ef.Reason != "session revoked" {
		t.Errorf("Expected kick reason on the frame, got %q", ef.Reason)
	}
}

func TestHandleKick_OtherUsersUntouched(t *testing.T) {
	tg := newTestGateway(t, testConfig())
	bob, _ := tg.newAuthedConn("bob")
	alice, _ := tg.newAuthedConn("alice")

	tg.gw.HandleKick(context.Background(), &cluster.Envelope{
		Type: cluster.EnvelopeKick, UserIds: []string{"bob"},
	})

	if !bob.Closed() {
		t.Error("Expected bob's connection closed")
	}
	if alice.Closed() {
		t.Error("Expected alice's connection untouched")
	}
}
