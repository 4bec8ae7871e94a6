package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"socket-sentinel/internal/models"
)

// maxPayloadSize upper bound on a /api/system body
const maxPayloadSize = 1 << 20

// Transport device-side API used by the Adapter
type Transport interface {
	FetchSystem(ctx context.Context) ([]byte, error)
	SetRelay(ctx context.Context, socketID int, on bool) error
	SetIsolation(ctx context.Context, on bool, secret string) error
	ResetCommunication(ctx context.Context, secret string) error
	UpdateConfig(ctx context.Context, patch models.ConfigPatch) error
}

// Client talks HTTP to the socket controller
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a device client. A nil httpClient gets one with the given timeout.
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// FetchSystem retrieves the raw /api/system payload. Errors wrap ErrTransport.
func (c *Client) FetchSystem(ctx context.Context) ([]byte, error) {
	url := c.baseURL + "/api/system"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request for %s: %v", ErrTransport, url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch %s: %w", ErrTransport, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status code %d from %s", ErrTransport, resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body from %s: %w", ErrTransport, url, err)
	}
	return body, nil
}

// SetRelay switches one socket relay
func (c *Client) SetRelay(ctx context.Context, socketID int, on bool) error {
	return c.post(ctx, "/api/relay", map[string]any{"socketId": socketID, "status": on})
}

// SetIsolation engages or releases the isolation relay
func (c *Client) SetIsolation(ctx context.Context, on bool, secret string) error {
	return c.post(ctx, "/api/isolation", map[string]any{"status": on, "password": secret})
}

// ResetCommunication clears the communication block on the device
func (c *Client) ResetCommunication(ctx context.Context, secret string) error {
	return c.post(ctx, "/api/reset", map[string]any{"password": secret})
}

// UpdateConfig pushes a partial config to the device
func (c *Client) UpdateConfig(ctx context.Context, patch models.ConfigPatch) error {
	return c.post(ctx, "/api/config", patch)
}

// post sends a control request. 401/403 map to ErrInvalidSecret, everything else that fails
// maps to ErrUnreachable.
func (c *Client) post(ctx context.Context, path string, body any) error {
	url := c.baseURL + path
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: failed to create request for %s: %w", ErrUnreachable, url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayloadSize))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: device answered %d", ErrInvalidSecret, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: unexpected status code %d from %s", ErrUnreachable, resp.StatusCode, url)
	}
	return nil
}
