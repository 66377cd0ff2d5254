// Package connection defines the messaging connection handle the lifecycle
// controller drives, and a driver that talks to an external automation
// bridge over a websocket.
//
// A Handle is single-use: it is initialized once, emits lifecycle events
// through the Sink it was built with, and is destroyed. The controller never
// reuses or resets a handle; it builds a new one with a higher generation.
package connection

import (
	"context"
	"fmt"
	"time"
)

// EventKind identifies a lifecycle event emitted by a Handle.
type EventKind int

const (
	// EventPairing carries a pairing challenge the user must scan.
	EventPairing EventKind = iota + 1
	// EventAuthenticated means the pairing (or stored credentials) was accepted.
	EventAuthenticated
	// EventReady means the session is fully usable.
	EventReady
	// EventStateChange carries the bridge's raw state string. Informational.
	EventStateChange
	// EventAuthFailure means stored credentials were rejected.
	EventAuthFailure
	// EventDisconnected means the session ended; Reason says why.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventStateChange:
		return "change_state"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a lifecycle notification from a Handle.
type Event struct {
	Kind       EventKind
	Generation uint64 // generation of the emitting handle
	At         time.Time

	Pairing string // EventPairing: raw challenge
	State   string // EventStateChange: raw bridge state
	Reason  string // EventDisconnected: remote reason, e.g. "LOGOUT"
	Message string // EventAuthFailure: detail
}

// ReasonConnectionLost is the disconnect reason reported when the transport
// to the bridge fails rather than the remote ending the session.
const ReasonConnectionLost = "CONNECTION_LOST"

// Sink receives a handle's events. Implementations must not block for long;
// they are called from the handle's I/O goroutine.
type Sink func(Event)

// Handle is one instance of the messaging session.
type Handle interface {
	// Generation returns the generation the handle was built with.
	Generation() uint64
	// CreatedAt returns when the handle was built.
	CreatedAt() time.Time
	// Initialize starts the session. Events may be emitted before it returns.
	Initialize(ctx context.Context) error
	// State probes the remote session state.
	State(ctx context.Context) (string, error)
	// Destroy tears the handle down. Idempotent. After Destroy the handle
	// emits no further events.
	Destroy() error
}

// Factory builds handles. sink is bound once at construction.
type Factory interface {
	New(gen uint64, sink Sink) (Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(gen uint64, sink Sink) (Handle, error)

// New calls f.
func (f FactoryFunc) New(gen uint64, sink Sink) (Handle, error) {
	return f(gen, sink)
}
