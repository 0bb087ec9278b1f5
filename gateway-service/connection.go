package main

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// wsLink is the slice of *websocket.Conn the connection layer uses; tests
// substitute an in-memory fake.
type wsLink interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// ErrSendDropped reports a frame shed under the drop backpressure policy.
var ErrSendDropped = errors.New("outbound frame dropped: connection unwritable")

const writeTimeout = 10 * time.Second

// Conn is one client link. State machine: Unauthenticated -> Authenticated
// -> Closed. Identity is set exactly once, on a valid AUTH frame; the write
// pump owns all socket writes.
type Conn struct {
	id    string
	ws    wsLink
	gauge *bpGauge

	bpPolicy   string
	bpDeadline time.Duration

	mu            sync.RWMutex
	userId        string
	authenticated bool

	send        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	cleanupOnce sync.Once
}

func newConn(ws wsLink, cfg Config) *Conn {
	return &Conn{
		id:         uuid.NewString(),
		ws:         ws,
		gauge:      newBpGauge(cfg.BpLowWatermark, cfg.BpHighWatermark),
		bpPolicy:   cfg.BpPolicy,
		bpDeadline: cfg.BpDeadline,
		send:       make(chan []byte, 256),
		closed:     make(chan struct{}),
	}
}

func (c *Conn) Id() string { return c.id }

func (c *Conn) UserId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userId
}

func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// setUser marks the connection authenticated. Re-AUTH on the same link
// overwrites the identity, matching route-record overwrite semantics.
func (c *Conn) setUser(userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userId = userId
	c.authenticated = true
}

// Send queues an outbound frame. Under the drop policy an unwritable
// connection sheds the frame immediately; under the close policy frames
// keep queueing until the pump's deadline check force-closes the link.
func (c *Conn) Send(frame []byte) error {
	if c.Closed() {
		return errors.New("connection closed")
	}
	if c.bpPolicy == BpPolicyDrop && c.gauge.Unwritable() {
		return ErrSendDropped
	}

	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- frame:
		c.gauge.add(len(frame))
		return nil
	default:
		// Channel full: occupancy is far beyond the high watermark.
		if c.bpPolicy == BpPolicyDrop {
			return ErrSendDropped
		}
		c.gauge.add(len(frame))
		select {
		case c.send <- frame:
			return nil
		case <-c.closed:
			c.gauge.sub(len(frame))
			return errors.New("connection closed")
		case <-time.After(c.bpDeadline):
			c.gauge.sub(len(frame))
			c.Close()
			return errors.New("connection stalled past backpressure deadline")
		}
	}
}

// SendError writes an ERROR frame, best effort.
func (c *Conn) SendError(reason string) {
	_ = c.Send(wire.EncodeError(reason))
}

// Close tears down the link. Safe to call from any goroutine, any number of
// times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket and enforces the
// backpressure deadline. It exits when the connection closes.
func (c *Conn) writePump(onBackpressureClose func(*Conn)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.gauge.sub(len(frame))
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("Connection write failed", "conn", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if c.bpPolicy == BpPolicyClose && c.gauge.OverDeadline(c.bpDeadline) {
				slog.Warn("Closing stalled connection: above high watermark past deadline",
					"conn", c.id, "user", c.UserId(), "queued_bytes", c.gauge.Queued())
				if onBackpressureClose != nil {
					onBackpressureClose(c)
				}
				c.Close()
				return
			}
		}
	}
}
