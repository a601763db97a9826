// Package transport provides the two wire bindings the bridge can ride on: a
// persistent full-duplex websocket (socket mode) and an HTTP POST channel
// paired with a server-pushed event stream (extension mode).
//
// Both variants present the same contract: Open establishes the channel, Send
// writes one outbound frame, Frames delivers inbound frames in arrival order,
// and Close tears the channel down idempotently. No cross-frame ordering
// guarantee beyond arrival order is offered; frames are self-describing via
// their id.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode selects the wire binding.
type Mode string

const (
	// ModeAuto infers the binding from the endpoint scheme: ws/wss selects
	// socket mode, http/https selects extension mode.
	ModeAuto Mode = "auto"
	// ModeSocket forces the full-duplex websocket binding.
	ModeSocket Mode = "socket"
	// ModeExtension forces the HTTP POST + event-stream binding.
	ModeExtension Mode = "extension"
)

// ErrInvalidEndpoint reports an endpoint URL the factory cannot serve.
var ErrInvalidEndpoint = errors.New("transport: invalid endpoint")

// ErrClosed reports an operation on a transport that has been closed.
var ErrClosed = errors.New("transport: closed")

// StatusError reports a non-2xx HTTP exchange: a failed health probe, a
// rejected websocket upgrade, or an extension-mode POST the remote refused.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote returned HTTP %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("remote returned HTTP %d", e.Code)
}

// Config carries the caller-supplied settings shared by both bindings.
type Config struct {
	// Endpoint is the remote URL. ws(s):// for socket mode, http(s):// for
	// extension mode.
	Endpoint string
	// Mode selects the binding; ModeAuto derives it from the scheme.
	Mode Mode
	// DialTimeout bounds Open, including the socket-mode health probe.
	DialTimeout time.Duration
	// SkipHealthCheck disables the socket-mode pre-flight probe.
	SkipHealthCheck bool
	// HTTPClient, when set, overrides the client used for the health probe and
	// for extension mode. Tests inject httptest clients here.
	HTTPClient *http.Client
	// FrameBuffer is the capacity of the inbound frame channel.
	FrameBuffer int
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 30 * time.Second
}

func (c Config) frameBuffer() int {
	if c.FrameBuffer > 0 {
		return c.FrameBuffer
	}
	return 64
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Transport is the contract both bindings implement.
type Transport interface {
	// Open establishes the channel. It must not leave a half-open channel
	// behind on failure.
	Open(ctx context.Context) error

	// Send writes one outbound frame.
	Send(frame []byte) error

	// Frames delivers inbound frames in arrival order. The channel is closed
	// when the transport terminates.
	Frames() <-chan []byte

	// Errs delivers the terminal transport error, if any, once the inbound
	// loop stops.
	Errs() <-chan error

	// Close tears the channel down. It is safe to call any number of times.
	Close() error
}

// New selects and constructs the binding for the given configuration.
func New(cfg Config, logger *zap.Logger) (Transport, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, cfg.Endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, cfg.Endpoint)
	}

	mode := cfg.Mode
	if mode == "" || mode == ModeAuto {
		switch u.Scheme {
		case "ws", "wss":
			mode = ModeSocket
		case "http", "https":
			mode = ModeExtension
		default:
			return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
		}
	}

	switch mode {
	case ModeSocket:
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("%w: socket mode requires a ws(s) endpoint, got %q", ErrInvalidEndpoint, u.Scheme)
		}
		return newSocketTransport(cfg, u, logger), nil
	case ModeExtension:
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("%w: extension mode requires an http(s) endpoint, got %q", ErrInvalidEndpoint, u.Scheme)
		}
		return newExtensionTransport(cfg, u, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidEndpoint, mode)
	}
}

// HealthURL derives the plain-HTTP health-check URL for a socket endpoint by
// swapping the scheme (ws -> http, wss -> https) and replacing the path with
// /health.
func HealthURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// Already an HTTP URL; keep the scheme.
	default:
		return "", fmt.Errorf("%w: cannot derive health URL from scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	u.Path = "/health"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// CheckHealth issues the plain-text health probe for an endpoint: GET on the
// derived health URL, expecting HTTP 200. Socket mode runs this before every
// dial; the health command exposes it directly.
func CheckHealth(ctx context.Context, endpoint string, client *http.Client) error {
	healthURL, err := HealthURL(endpoint)
	if err != nil {
		return err
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("building health probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: trimBody(body)}
	}
	return nil
}

// trimBody shortens an HTTP error body for inclusion in error messages.
func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
