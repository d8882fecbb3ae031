package energymanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// devicesPath is the EnergyManager local REST endpoint listing all
// kiwigrid devices with their current tag values.
const devicesPath = "/rest/kiwigrid/wizard/devices"

// TransportErrorKind classifies a failed device fetch.
type TransportErrorKind string

const (
	KindUnreachable       TransportErrorKind = "unreachable"
	KindTimeout           TransportErrorKind = "timeout"
	KindMalformedResponse TransportErrorKind = "malformed_response"
	KindUnexpectedStatus  TransportErrorKind = "unexpected_status"
)

// TransportError is returned by Client.Fetch when the device could not
// be queried. Kind tags the failure class; Status is set for
// KindUnexpectedStatus.
type TransportError struct {
	Kind   TransportErrorKind
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case KindUnexpectedStatus:
		return fmt.Sprintf("energymanager: unexpected status %d", e.Status)
	default:
		return fmt.Sprintf("energymanager: %s: %v", e.Kind, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client queries a single EnergyManager gateway. It keeps no state
// between calls and performs no retries; retry policy belongs to the
// poll coordinator.
type Client struct {
	url    string
	httpc  *http.Client
	logger *slog.Logger
}

// NewClient creates a client for the gateway at host. The timeout
// bounds one whole fetch including body read.
func NewClient(host string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url:    "http://" + host + devicesPath,
		httpc:  &http.Client{Timeout: timeout},
		logger: logger.With("component", "emclient"),
	}
}

// URL returns the devices endpoint URL the client queries.
func (c *Client) URL() string { return c.url }

// Fetch performs one request against the devices endpoint and decodes
// the response envelope. The context cancels an in-flight request.
func (c *Client) Fetch(ctx context.Context) (*Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &TransportError{Kind: KindUnreachable, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("querying gateway", "url", c.url)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyRequestError(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway responded", "status", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Kind: KindUnexpectedStatus, Status: resp.StatusCode}
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &TransportError{Kind: KindMalformedResponse, Err: err}
	}
	return &env, nil
}

// TestConnection fetches once and resolves the gateway identity. Used
// at configuration time to validate a host before polling starts.
func (c *Client) TestConnection(ctx context.Context) (*GatewayInfo, error) {
	env, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	info, err := DecodeGatewayInfo(env)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func classifyRequestError(err error) *TransportError {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Err: err}
	}
	return &TransportError{Kind: KindUnreachable, Err: err}
}
