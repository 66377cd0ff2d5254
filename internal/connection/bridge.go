package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/logging"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 75 * time.Second

	// GenerationHeader carries the handle generation on the dial request so
	// the bridge can tell a fresh handle from a stale reconnect.
	GenerationHeader = "X-Almabot-Generation"
)

// BridgeFactory builds handles backed by a websocket connection to the
// automation bridge. Each handle dials its own connection.
type BridgeFactory struct {
	URL        string
	SessionDir string
	Dialer     *websocket.Dialer // nil means websocket.DefaultDialer
	Logger     *logging.Logger
}

// New returns an undialed BridgeHandle; Initialize connects it.
func (f *BridgeFactory) New(gen uint64, sink Sink) (Handle, error) {
	if f.URL == "" {
		return nil, fmt.Errorf("bridge url is empty")
	}
	if sink == nil {
		sink = func(Event) {}
	}
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := f.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &BridgeHandle{
		url:        f.URL,
		sessionDir: f.SessionDir,
		gen:        gen,
		created:    time.Now(),
		dialer:     dialer,
		sink:       sink,
		logger:     logger.WithComponent("bridge").With("generation", gen),
		pending:    make(map[uint64]chan bridgeMessage),
		closed:     make(chan struct{}),
	}, nil
}

// BridgeHandle is a Handle speaking the bridge's JSON protocol.
type BridgeHandle struct {
	url        string
	sessionDir string
	gen        uint64
	created    time.Time
	dialer     *websocket.Dialer
	sink       Sink
	logger     *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	started  bool
	initDone chan error
	pending  map[uint64]chan bridgeMessage
	nextID   uint64
	closeErr error

	writeMu    sync.Mutex // serialises all conn writes
	destroyed  atomic.Bool
	remoteGone atomic.Bool   // bridge already reported a disconnect
	closed     chan struct{} // closed when the read loop exits
}

// Generation implements Handle.
func (h *BridgeHandle) Generation() uint64 { return h.gen }

// CreatedAt implements Handle.
func (h *BridgeHandle) CreatedAt() time.Time { return h.created }

// Initialize dials the bridge, asks it to start a session on the configured
// directory and waits for the bridge to acknowledge. Pairing and auth events
// may arrive through the sink while it waits.
func (h *BridgeHandle) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed.Load() {
		h.mu.Unlock()
		return errors.ErrHandleDestroyed
	}
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("handle %d already initialized", h.gen)
	}
	h.started = true
	h.mu.Unlock()

	header := http.Header{}
	header.Set(GenerationHeader, strconv.FormatUint(h.gen, 10))

	conn, resp, err := h.dialer.DialContext(ctx, h.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}

	initDone := make(chan error, 1)
	h.mu.Lock()
	if h.destroyed.Load() {
		h.mu.Unlock()
		conn.Close()
		return errors.ErrHandleDestroyed
	}
	h.conn = conn
	h.initDone = initDone
	h.mu.Unlock()

	go h.readLoop(conn)
	go h.pingLoop(conn)

	if err := h.write(bridgeMessage{Type: msgInitialize, SessionDir: h.sessionDir}); err != nil {
		return fmt.Errorf("send initialize: %w", err)
	}
	h.logger.Debug("initialize sent", "session_dir", h.sessionDir)

	select {
	case err := <-initDone:
		return err
	case <-h.closed:
		return h.closeError()
	case <-ctx.Done():
		return fmt.Errorf("waiting for bridge: %w", ctx.Err())
	}
}

// State asks the bridge for the current session state.
func (h *BridgeHandle) State(ctx context.Context) (string, error) {
	if h.destroyed.Load() {
		return "", errors.ErrHandleDestroyed
	}

	h.mu.Lock()
	if h.conn == nil {
		h.mu.Unlock()
		return "", fmt.Errorf("bridge not connected")
	}
	h.nextID++
	id := h.nextID
	reply := make(chan bridgeMessage, 1)
	h.pending[id] = reply
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := h.write(bridgeMessage{Type: msgGetState, ID: id}); err != nil {
		return "", fmt.Errorf("send get_state: %w", err)
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return "", fmt.Errorf("bridge: %s", msg.Error)
		}
		return msg.State, nil
	case <-h.closed:
		return "", h.closeError()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Destroy asks the bridge to tear the session down and closes the
// connection. It does not wait for the read loop to exit.
func (h *BridgeHandle) Destroy() error {
	if !h.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	h.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(bridgeMessage{Type: msgDestroy}); err != nil {
		h.logger.Debug("destroy not delivered", "error", err.Error())
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	h.writeMu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	h.logger.Debug("handle destroyed")
	return nil
}

func (h *BridgeHandle) write(msg bridgeMessage) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge not connected")
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (h *BridgeHandle) readLoop(conn *websocket.Conn) {
	defer close(h.closed)
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.mu.Lock()
			h.closeErr = err
			h.mu.Unlock()

			if !h.destroyed.Load() && !h.remoteGone.Load() {
				h.logger.Warn("bridge connection lost", "error", err.Error())
				h.emit(Event{Kind: EventDisconnected, Reason: ReasonConnectionLost})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("malformed bridge message", "error", err.Error())
			continue
		}
		h.dispatch(msg)
	}
}

func (h *BridgeHandle) dispatch(msg bridgeMessage) {
	switch msg.Type {
	case msgInitialized:
		h.finishInit(nil)
	case msgInitError:
		h.finishInit(fmt.Errorf("bridge: %s", msg.Error))
	case msgQR:
		h.emit(Event{Kind: EventPairing, Pairing: msg.QR})
	case msgAuthenticated:
		h.emit(Event{Kind: EventAuthenticated})
	case msgReady:
		h.emit(Event{Kind: EventReady})
	case msgChangeState:
		h.emit(Event{Kind: EventStateChange, State: msg.State})
	case msgAuthFailure:
		h.emit(Event{Kind: EventAuthFailure, Message: msg.Message})
	case msgDisconnected:
		h.remoteGone.Store(true)
		h.emit(Event{Kind: EventDisconnected, Reason: msg.Reason})
	case msgState:
		h.mu.Lock()
		reply := h.pending[msg.ID]
		h.mu.Unlock()
		if reply != nil {
			select {
			case reply <- msg:
			default:
			}
		}
	default:
		h.logger.Debug("unknown bridge message", "type", msg.Type)
	}
}

func (h *BridgeHandle) finishInit(err error) {
	h.mu.Lock()
	done := h.initDone
	h.initDone = nil
	h.mu.Unlock()
	if done != nil {
		done <- err
	}
}

func (h *BridgeHandle) emit(ev Event) {
	if h.destroyed.Load() {
		return
	}
	ev.Generation = h.gen
	ev.At = time.Now()
	h.sink(ev)
}

func (h *BridgeHandle) closeError() error {
	if h.destroyed.Load() {
		return errors.ErrHandleDestroyed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeErr != nil {
		return fmt.Errorf("bridge connection closed: %w", h.closeErr)
	}
	return fmt.Errorf("bridge connection closed")
}

func (h *BridgeHandle) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
