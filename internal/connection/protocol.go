package connection

// Bridge message types. One JSON object per websocket text frame.
const (
	// outbound
	msgInitialize = "initialize"
	msgGetState   = "get_state"
	msgDestroy    = "destroy"

	// inbound
	msgInitialized   = "initialized"
	msgInitError     = "init_error"
	msgQR            = "qr"
	msgAuthenticated = "authenticated"
	msgReady         = "ready"
	msgChangeState   = "change_state"
	msgAuthFailure   = "auth_failure"
	msgDisconnected  = "disconnected"
	msgState         = "state"
)

// bridgeMessage is the union of every frame exchanged with the bridge.
type bridgeMessage struct {
	Type       string `json:"type"`
	ID         uint64 `json:"id,omitempty"`
	SessionDir string `json:"session_dir,omitempty"`
	QR         string `json:"qr,omitempty"`
	State      string `json:"state,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}
