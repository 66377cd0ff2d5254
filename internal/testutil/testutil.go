// Package testutil provides testing utilities for almabot tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Eventually polls cond every few milliseconds until it returns true or
// timeout elapses, then fails the test with msg.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}

// Message is a decoded bridge frame.
type Message map[string]any

// Type returns the frame's "type" field.
func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// Responder decides how the fake bridge answers a frame. It may call
// conn.Send any number of times.
type Responder func(conn *BridgeConn, msg Message)

// FakeBridge is an in-process automation bridge speaking the websocket JSON
// protocol. By default it acknowledges initialize and answers get_state
// with "CONNECTED".
type FakeBridge struct {
	server *httptest.Server

	mu        sync.Mutex
	conns     []*BridgeConn
	received  []Message
	responder Responder
}

// BridgeConn is the server side of one dialed handle.
type BridgeConn struct {
	ws         *websocket.Conn
	Generation string
	mu         sync.Mutex
}

// Send writes a frame to the handle.
func (c *BridgeConn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Close drops the connection without a close handshake.
func (c *BridgeConn) Close() error {
	return c.ws.Close()
}

// DefaultResponder acknowledges initialize and reports CONNECTED for
// get_state.
func DefaultResponder(conn *BridgeConn, msg Message) {
	switch msg.Type() {
	case "initialize":
		_ = conn.Send(Message{"type": "initialized"})
	case "get_state":
		_ = conn.Send(Message{"type": "state", "id": msg["id"], "state": "CONNECTED"})
	}
}

// NewFakeBridge starts a fake bridge. It is closed when the test ends.
func NewFakeBridge(t *testing.T) *FakeBridge {
	t.Helper()

	fb := &FakeBridge{responder: DefaultResponder}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &BridgeConn{ws: ws, Generation: r.Header.Get("X-Almabot-Generation")}

		fb.mu.Lock()
		fb.conns = append(fb.conns, conn)
		fb.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			fb.mu.Lock()
			fb.received = append(fb.received, msg)
			respond := fb.responder
			fb.mu.Unlock()
			if respond != nil {
				respond(conn, msg)
			}
		}
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

// URL returns the ws:// URL of the bridge.
func (fb *FakeBridge) URL() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

// SetResponder replaces the frame handler. A nil responder ignores frames.
func (fb *FakeBridge) SetResponder(r Responder) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.responder = r
}

// Conns returns the connections accepted so far, oldest first.
func (fb *FakeBridge) Conns() []*BridgeConn {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]*BridgeConn(nil), fb.conns...)
}

// Received returns the types of all frames received so far, in order.
func (fb *FakeBridge) Received() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	types := make([]string, len(fb.received))
	for i, m := range fb.received {
		types[i] = m.Type()
	}
	return types
}

// ReceivedMessages returns copies of all frames received so far.
func (fb *FakeBridge) ReceivedMessages() []Message {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]Message(nil), fb.received...)
}
