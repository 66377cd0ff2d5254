package event

import "time"

// Event type identifiers, "category.action".
const (
	TypeStateChanged  = "lifecycle.state_changed"
	TypePairingIssued = "pairing.issued"
	TypeConnected     = "connection.ready"
	TypeDisconnected  = "connection.disconnected"
	TypeInitFailed    = "connection.init_failed"
	TypeSessionWiped  = "session.wiped"
	TypeLockLost      = "lock.lost"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// StateChangedEvent is emitted on every lifecycle state transition.
// States are carried as their string names.
type StateChangedEvent struct {
	baseEvent
	From       string
	To         string
	Generation uint64
}

// NewStateChangedEvent creates a StateChangedEvent.
func NewStateChangedEvent(from, to string, gen uint64) StateChangedEvent {
	return StateChangedEvent{
		baseEvent:  newBaseEvent(TypeStateChanged),
		From:       from,
		To:         to,
		Generation: gen,
	}
}

// PairingIssuedEvent is emitted when a new pairing challenge is cached.
type PairingIssuedEvent struct {
	baseEvent
	Generation uint64
	Raw        string // challenge string as sent by the bridge
	Image      []byte // PNG rendering of Raw
}

// NewPairingIssuedEvent creates a PairingIssuedEvent.
func NewPairingIssuedEvent(gen uint64, raw string, image []byte) PairingIssuedEvent {
	return PairingIssuedEvent{
		baseEvent:  newBaseEvent(TypePairingIssued),
		Generation: gen,
		Raw:        raw,
		Image:      image,
	}
}

// ConnectedEvent is emitted when the session becomes ready.
type ConnectedEvent struct {
	baseEvent
	Generation uint64
}

// NewConnectedEvent creates a ConnectedEvent.
func NewConnectedEvent(gen uint64) ConnectedEvent {
	return ConnectedEvent{
		baseEvent:  newBaseEvent(TypeConnected),
		Generation: gen,
	}
}

// DisconnectedEvent is emitted when the remote side drops the session.
type DisconnectedEvent struct {
	baseEvent
	Generation uint64
	Reason     string
	Logout     bool // the reason invalidated the persisted session
}

// NewDisconnectedEvent creates a DisconnectedEvent.
func NewDisconnectedEvent(gen uint64, reason string, logout bool) DisconnectedEvent {
	return DisconnectedEvent{
		baseEvent:  newBaseEvent(TypeDisconnected),
		Generation: gen,
		Reason:     reason,
		Logout:     logout,
	}
}

// InitFailedEvent is emitted when a handle fails to initialize.
type InitFailedEvent struct {
	baseEvent
	Generation uint64
	Err        error
}

// NewInitFailedEvent creates an InitFailedEvent.
func NewInitFailedEvent(gen uint64, err error) InitFailedEvent {
	return InitFailedEvent{
		baseEvent:  newBaseEvent(TypeInitFailed),
		Generation: gen,
		Err:        err,
	}
}

// SessionWipedEvent is emitted after the session store has been wiped.
// Err is non-nil when the wipe only partially succeeded.
type SessionWipedEvent struct {
	baseEvent
	Dir string
	Err error
}

// NewSessionWipedEvent creates a SessionWipedEvent.
func NewSessionWipedEvent(dir string, err error) SessionWipedEvent {
	return SessionWipedEvent{
		baseEvent: newBaseEvent(TypeSessionWiped),
		Dir:       dir,
		Err:       err,
	}
}

// LockLostEvent is emitted when the session lock file disappears while held.
type LockLostEvent struct {
	baseEvent
	Path string
}

// NewLockLostEvent creates a LockLostEvent.
func NewLockLostEvent(path string) LockLostEvent {
	return LockLostEvent{
		baseEvent: newBaseEvent(TypeLockLost),
		Path:      path,
	}
}
