package main

import (
	"bytes"
	"testing"
	"time"
)

func TestConn_SendQueuesAndAccounts(t *testing.T) {
	c := newConn(newFakeWS(), testConfig())

	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := c.gauge.Queued(); got != 5 {
		t.Errorf("Expected 5 queued bytes, got %d", got)
	}

	frames := drainConn(c)
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte("hello")) {
		t.Errorf("Expected queued frame 'hello', got %v", frames)
	}
	if got := c.gauge.Queued(); got != 0 {
		t.Errorf("Expected 0 queued bytes after drain, got %d", got)
	}
}

func TestConn_DropPolicySheds(t *testing.T) {
	cfg := testConfig()
	cfg.BpPolicy = BpPolicyDrop
	cfg.BpHighWatermark = 10
	c := newConn(newFakeWS(), cfg)

	if err := c.Send(make([]byte, 20)); err != nil {
		t.Fatalf("First send should queue: %v", err)
	}
	if err := c.Send([]byte("more")); err != ErrSendDropped {
		t.Errorf("Expected ErrSendDropped above high watermark, got %v", err)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	ws := newFakeWS()
	c := newConn(ws, testConfig())

	c.Close()
	c.Close()

	if !c.Closed() {
		t.Error("Expected connection to report closed")
	}
	if err := c.Send([]byte("late")); err == nil {
		t.Error("Expected Send on closed connection to fail")
	}
}

func TestConn_AuthStateTransition(t *testing.T) {
	c := newConn(newFakeWS(), testConfig())

	if c.Authenticated() {
		t.Error("Expected new connection unauthenticated")
	}
	c.setUser("alice")
	if !c.Authenticated() || c.UserId() != "alice" {
		t.Errorf("Expected authenticated as alice, got %q", c.UserId())
	}
}

func TestConn_WritePumpDeliversToSocket(t *testing.T) {
	ws := newFakeWS()
	c := newConn(ws, testConfig())
	go c.writePump(nil)
	defer c.Close()

	if err := c.Send([]byte("pushed")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frames := ws.frames(); len(frames) == 1 {
			if !bytes.Equal(frames[0], []byte("pushed")) {
				t.Fatalf("Expected 'pushed' on the socket, got %q", frames[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Write pump never delivered the frame")
}

func TestConn_WritePumpClosesStalledConnection(t *testing.T) {
	cfg := testConfig()
	cfg.BpHighWatermark = 10
	cfg.BpDeadline = 20 * time.Millisecond
	ws := newFakeWS()
	c := newConn(ws, cfg)

	// Fill past the high watermark without draining.
	c.gauge.add(100)

	var cleanedUp bool
	done := make(chan struct{})
	go func() {
		c.writePump(func(*Conn) { cleanedUp = true })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Write pump never enforced the backpressure deadline")
	}
	if !c.Closed() {
		t.Error("Expected connection closed after deadline")
	}
	if !cleanedUp {
		t.Error("Expected backpressure-close callback to run")
	}
}
