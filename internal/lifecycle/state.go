package lifecycle

import (
	"strings"
	"time"
)

// State is the lifecycle state of the controller.
type State int

const (
	// StateIdle means there is no handle.
	StateIdle State = iota
	// StateInitializing means a handle was built and is starting.
	StateInitializing
	// StateAwaitingPairing means a pairing challenge is waiting to be scanned.
	StateAwaitingPairing
	// StateAuthenticated means credentials were accepted; not yet usable.
	StateAuthenticated
	// StateConnected means the session is ready.
	StateConnected
	// StateDisconnected means the handle was lost and a retry is scheduled.
	StateDisconnected
)

// String returns the state name as exposed on the control surface.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitializing:
		return "INITIALIZING"
	case StateAwaitingPairing:
		return "AWAITING_PAIRING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Status is a point-in-time view of the controller. It is computed per call
// and never persisted.
type Status struct {
	State             State
	Since             time.Time // when State was entered
	Connected         bool
	HasPendingPairing bool
	RawState          string // last state string reported by the bridge
	Generation        uint64 // generation of the current handle, 0 if none
	LastError         error
	RetryPending      bool
}

// logoutReasons are disconnect reasons meaning the remote side revoked the
// session, so stored credentials are useless.
var logoutReasons = map[string]bool{
	"LOGOUT":        true,
	"LOGGED_OUT":    true,
	"UNPAIRED":      true,
	"UNPAIRED_IDLE": true,
}

// IsLogoutReason reports whether a disconnect reason is a remote logout.
// Matching is case-insensitive.
func IsLogoutReason(reason string) bool {
	return logoutReasons[strings.ToUpper(strings.TrimSpace(reason))]
}
