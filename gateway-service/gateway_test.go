package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/routestore"
	"github.com/smf-h/mini-im-gateway/pkg/store"
)

func testConfig() Config {
	return Config{
		Port:            "0",
		AuthGrace:       10 * time.Second,
		BpLowWatermark:  1024,
		BpHighWatermark: 4096,
		BpDeadline:      100 * time.Millisecond,
		BpPolicy:        BpPolicyClose,
		RatePerSec:      1000,
		RateBurst:       1000,
		RouteTTL:        45 * time.Second,
	}
}

// fakeWS is an in-memory wsLink. Reads come from the read channel; writes are
// captured for assertions.
type fakeWS struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	reads   chan []byte
}

func newFakeWS() *fakeWS {
	return &fakeWS{reads: make(chan []byte, 16)}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	data, ok := <-f.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeWS) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeWS) SetReadLimit(int64)               {}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// drainConn pulls queued frames straight off the send channel, bypassing the
// write pump, so tests stay deterministic.
func drainConn(c *Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case frame := <-c.send:
			c.gauge.sub(len(frame))
			out = append(out, frame)
		default:
			return out
		}
	}
}

type fakeBus struct {
	mu         sync.Mutex
	published  []publishedEnv
	statusAcks []*cluster.StatusAck
	err        error
}

type publishedEnv struct {
	instanceId string
	env        *cluster.Envelope
}

func (b *fakeBus) Publish(_ context.Context, instanceId string, env *cluster.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, publishedEnv{instanceId, env})
	return nil
}

func (b *fakeBus) PublishStatusAck(_ context.Context, ack *cluster.StatusAck) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.statusAcks = append(b.statusAcks, ack)
	return nil
}

type fakeLog struct {
	mu      sync.Mutex
	entries []*msglog.Entry
	err     error
}

func (l *fakeLog) Append(_ context.Context, e *msglog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

type fakeIdIndex struct {
	mu  sync.Mutex
	ids map[string]string // fromUserId+":"+clientMsgId -> serverMsgId
}

func newFakeIdIndex() *fakeIdIndex {
	return &fakeIdIndex{ids: make(map[string]string)}
}

func (i *fakeIdIndex) Lookup(_ context.Context, fromUserId, clientMsgId string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.ids[fromUserId+":"+clientMsgId]
	return id, ok, nil
}

func (i *fakeIdIndex) Record(_ context.Context, fromUserId, clientMsgId, serverMsgId string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids[fromUserId+":"+clientMsgId] = serverMsgId
	return nil
}

type fakeRoutes struct{}

func (fakeRoutes) Put(_, _, _ string) error { return nil }
func (fakeRoutes) Delete(_, _ string) error { return nil }

type fakeStore struct {
	mu        sync.Mutex
	saved     []*store.Message
	delivered []string
	read      []string
	dropped   []string
	touched   []string
	stale     []*store.Message
	saveErr   error
	nextSeq   int64
}

func (s *fakeStore) SaveMessage(_ context.Context, msg *store.Message) (store.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return store.SaveResult{}, s.saveErr
	}
	for _, existing := range s.saved {
		if existing.FromUserId == msg.FromUserId && existing.ClientMsgId == msg.ClientMsgId {
			return store.SaveResult{ServerMsgId: existing.ServerMsgId, MsgSeq: existing.MsgSeq, AlreadyExisted: true}, nil
		}
	}
	s.nextSeq++
	msg.ServerMsgId = fmt.Sprintf("srv-%d", s.nextSeq)
	msg.MsgSeq = s.nextSeq
	msg.Status = store.StatusSaved
	msg.SavedAt = time.Now()
	s.saved = append(s.saved, msg)
	return store.SaveResult{ServerMsgId: msg.ServerMsgId, MsgSeq: msg.MsgSeq}, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, serverMsgId, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, serverMsgId)
	return nil
}

func (s *fakeStore) MarkRead(_ context.Context, serverMsgId, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, serverMsgId)
	return nil
}

func (s *fakeStore) MarkRevoked(_ context.Context, _ string) error { return nil }

func (s *fakeStore) MarkDropped(_ context.Context, serverMsgId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, serverMsgId)
	return nil
}

func (s *fakeStore) Touch(_ context.Context, serverMsgId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, serverMsgId)
	return nil
}

func (s *fakeStore) ListStaleSaved(_ context.Context, _, _ time.Time, _ int) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale, nil
}

type testGateway struct {
	gw     *Gateway
	bus    *fakeBus
	log    *fakeLog
	msgIds *fakeIdIndex
	store  *fakeStore
	mirror *routestore.Mirror
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()
	bus := &fakeBus{}
	log := &fakeLog{}
	msgIds := newFakeIdIndex()
	st := &fakeStore{}
	mirror := routestore.NewMirror()

	gw, err := NewGateway(cfg, "instance-1", fakeRoutes{}, mirror, bus, log, msgIds, st,
		&staticVerifier{tokens: map[string]string{"tok-alice": "alice", "tok-bob": "bob"}})
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}
	return &testGateway{gw: gw, bus: bus, log: log, msgIds: msgIds, store: st, mirror: mirror}
}

// staticVerifier mirrors the dev-token verifier without importing it.
type staticVerifier struct {
	tokens map[string]string
}

func (v *staticVerifier) VerifyToken(_ context.Context, token string) (string, bool) {
	userId, ok := v.tokens[token]
	return userId, ok
}

// newAuthedConn builds a registered, authenticated connection.
func (tg *testGateway) newAuthedConn(userId string) (*Conn, *fakeWS) {
	ws := newFakeWS()
	c := newConn(ws, tg.gw.cfg)
	tg.gw.finishAuth(c, userId)
	drainConn(c) // discard AUTH_OK
	return c, ws
}

// unmarshalFrame decodes a captured server-to-client frame into dst.
func unmarshalFrame(t *testing.T, data []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("Failed to decode frame %s: %v", data, err)
	}
}
