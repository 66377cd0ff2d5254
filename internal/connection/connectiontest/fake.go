// Package connectiontest provides a scriptable in-memory Handle and Factory
// for testing code that drives connection handles.
package connectiontest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/laprincesa/almabot/internal/connection"
	"github.com/laprincesa/almabot/internal/errors"
)

// Handle is a fake connection.Handle. Its behavior is set through the
// Configure hook of the Factory that built it.
type Handle struct {
	gen     uint64
	created time.Time
	sink    connection.Sink

	// InitErr is returned by Initialize.
	InitErr error
	// InitGate, when non-nil, makes Initialize block until it is closed or
	// the context ends.
	InitGate chan struct{}
	// OnInitialize runs at the start of Initialize.
	OnInitialize func(h *Handle)
	// StateValue and StateErr are returned by State.
	StateValue string
	StateErr   error

	initCalls atomic.Int32
	destroyed atomic.Bool
}

// Generation implements connection.Handle.
func (h *Handle) Generation() uint64 { return h.gen }

// CreatedAt implements connection.Handle.
func (h *Handle) CreatedAt() time.Time { return h.created }

// Initialize implements connection.Handle.
func (h *Handle) Initialize(ctx context.Context) error {
	h.initCalls.Add(1)
	if h.OnInitialize != nil {
		h.OnInitialize(h)
	}
	if h.InitGate != nil {
		select {
		case <-h.InitGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.destroyed.Load() {
		return errors.ErrHandleDestroyed
	}
	return h.InitErr
}

// State implements connection.Handle.
func (h *Handle) State(ctx context.Context) (string, error) {
	if h.destroyed.Load() {
		return "", errors.ErrHandleDestroyed
	}
	return h.StateValue, h.StateErr
}

// Destroy implements connection.Handle.
func (h *Handle) Destroy() error {
	h.destroyed.Store(true)
	return nil
}

// Destroyed reports whether Destroy was called.
func (h *Handle) Destroyed() bool { return h.destroyed.Load() }

// InitCalls returns how many times Initialize was called.
func (h *Handle) InitCalls() int { return int(h.initCalls.Load()) }

// Emit delivers ev through the handle's sink, stamped with its generation,
// unless the handle was destroyed.
func (h *Handle) Emit(ev connection.Event) {
	if h.destroyed.Load() {
		return
	}
	h.EmitAnyway(ev)
}

// EmitAnyway delivers ev even after Destroy, simulating a late event
// racing the teardown.
func (h *Handle) EmitAnyway(ev connection.Event) {
	ev.Generation = h.gen
	ev.At = time.Now()
	h.sink(ev)
}

// Pairing emits a pairing event with the given challenge.
func (h *Handle) Pairing(raw string) {
	h.Emit(connection.Event{Kind: connection.EventPairing, Pairing: raw})
}

// Ready emits authenticated followed by ready.
func (h *Handle) Ready() {
	h.Emit(connection.Event{Kind: connection.EventAuthenticated})
	h.Emit(connection.Event{Kind: connection.EventReady})
}

// Disconnect emits a disconnect with reason.
func (h *Handle) Disconnect(reason string) {
	h.Emit(connection.Event{Kind: connection.EventDisconnected, Reason: reason})
}

// Factory is a fake connection.Factory that records every handle it builds.
type Factory struct {
	// Configure, when set, is applied to each handle before New returns.
	Configure func(h *Handle)
	// NewErr, when set, is returned by New.
	NewErr error

	mu      sync.Mutex
	handles []*Handle
}

// New implements connection.Factory.
func (f *Factory) New(gen uint64, sink connection.Sink) (connection.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NewErr != nil {
		return nil, f.NewErr
	}
	h := &Handle{gen: gen, created: time.Now(), sink: sink}
	if f.Configure != nil {
		f.Configure(h)
	}
	f.handles = append(f.handles, h)
	return h, nil
}

// Handles returns every handle built so far, oldest first.
func (f *Factory) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.handles...)
}

// Count returns how many handles were built.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Last returns the most recently built handle, or nil.
func (f *Factory) Last() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}
