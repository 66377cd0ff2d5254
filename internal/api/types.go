// Package api serves the HTTP control surface of a running almabot and
// provides a client for it.
package api

import (
	"time"

	"github.com/laprincesa/almabot/internal/lifecycle"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK             bool `json:"ok"`
	Ready          bool `json:"ready"`
	PairingPending bool `json:"pairingPending"`
}

// StateResponse is returned by GET /state. State is nil when there is no
// connection handle.
type StateResponse struct {
	State *string `json:"state"`
	Error string  `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	State          string    `json:"state"`
	Since          time.Time `json:"since"`
	Connected      bool      `json:"connected"`
	PairingPending bool      `json:"pairingPending"`
	RawState       string    `json:"rawState,omitempty"`
	Generation     uint64    `json:"generation"`
	LastError      string    `json:"lastError,omitempty"`
	RetryPending   bool      `json:"retryPending"`
}

// RestartResponse is returned by POST /restart.
type RestartResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func statusResponse(st lifecycle.Status) StatusResponse {
	resp := StatusResponse{
		State:          st.State.String(),
		Since:          st.Since,
		Connected:      st.Connected,
		PairingPending: st.HasPendingPairing,
		RawState:       st.RawState,
		Generation:     st.Generation,
		RetryPending:   st.RetryPending,
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	return resp
}
