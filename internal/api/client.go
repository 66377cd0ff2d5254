package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/laprincesa/almabot/internal/errors"
)

var (
	// ErrAlreadyConnected is returned by PairingImage when the session is
	// connected and there is nothing to pair.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrPairingUnavailable is returned by PairingImage when no pairing
	// code has been generated yet.
	ErrPairingUnavailable = errors.New("pairing code not generated yet")
)

// Client calls the control surface of a running almabot.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the given address or URL. A bare ":3000"
// is taken to mean localhost.
func NewClient(addr string) *Client {
	baseURL := strings.TrimRight(addr, "/")
	if strings.HasPrefix(baseURL, ":") {
		baseURL = "localhost" + baseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: restartTimeout + 10*time.Second}}
}

// BaseURL returns the URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.getJSON(ctx, "/health", &resp)
	return resp, err
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.getJSON(ctx, "/status", &resp)
	return resp, err
}

// State calls GET /state. A probe failure reported by the server is
// returned as an error.
func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := c.getJSON(ctx, "/state", &resp)
	return resp, err
}

// Restart calls POST /restart.
func (c *Client) Restart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/restart", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out RestartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode restart response (%s): %w", resp.Status, err)
	}
	if !out.OK {
		return fmt.Errorf("restart failed: %s", out.Error)
	}
	return nil
}

// PairingImage fetches the current pairing QR code as PNG bytes.
func (c *Client) PairingImage(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pairing-image", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNoContent:
		return nil, ErrAlreadyConnected
	case http.StatusServiceUnavailable:
		return nil, ErrPairingUnavailable
	default:
		return nil, readErrorResponse(resp)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readErrorResponse(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func readErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, payload.Error)
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("%s: %s", resp.Status, msg)
	}
	return fmt.Errorf("%s", resp.Status)
}
