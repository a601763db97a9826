// internal/bridge/errors.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xkilldash9x/marionette-cli/internal/bridge/protocol"
	"github.com/xkilldash9x/marionette-cli/internal/bridge/transport"
)

// Kind is the closed taxonomy of bridge failure classes. Every raw error that
// escapes the transport or protocol layer is classified into exactly one Kind,
// and the Kind is stable across retries even though the underlying messages
// vary.
type Kind int

const (
	// KindUnknown is the catch-all for errors no other rule matched.
	KindUnknown Kind = iota
	// KindNetwork covers connection refusal, resets, and other transport-level
	// delivery failures.
	KindNetwork
	// KindTimeout covers exceeded deadlines, both per-call and dial.
	KindTimeout
	// KindAuthentication covers rejected credentials (401/403-equivalent).
	KindAuthentication
	// KindProtocol covers malformed or unexpected frame shapes.
	KindProtocol
	// KindServer covers handshake rejections and RPC errors carrying a
	// server-supplied error body.
	KindServer
	// KindConfiguration covers invalid endpoint URLs and missing required
	// settings.
	KindConfiguration
	// KindCanceled marks calls terminated by an explicit disconnect or a
	// caller-side context cancellation.
	KindCanceled
	// KindBreakerOpen marks calls short-circuited by an open circuit breaker
	// before any transport attempt was made.
	KindBreakerOpen
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	case KindConfiguration:
		return "configuration"
	case KindCanceled:
		return "canceled"
	case KindBreakerOpen:
		return "breaker_open"
	default:
		return "unknown"
	}
}

// Retryable reports whether a reconnect attempt can plausibly clear this
// failure class. Authentication and Configuration failures cannot succeed on
// retry with the same inputs, so they never consume retry budget. BreakerOpen
// and Canceled are terminal for the sequence that observed them.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindUnknown:
		return true
	default:
		return false
	}
}

// BridgeError is the single tagged error type for the bridge. It replaces a
// per-kind error hierarchy with one struct carrying the Kind plus the context
// accumulated over a retry sequence, so callers can branch on Kind
// programmatically via errors.As.
type BridgeError struct {
	Kind     Kind
	Endpoint string
	Message  string

	// Attempts, FirstSeenAt and LastAttemptAt describe one logical
	// connect/reconnect sequence. For a single failed call they are 1 and the
	// failure instant on both ends.
	Attempts      int
	FirstSeenAt   time.Time
	LastAttemptAt time.Time

	cause error
}

func (e *BridgeError) Error() string {
	var b strings.Builder
	b.WriteString("bridge: ")
	b.WriteString(e.Kind.String())
	if e.Endpoint != "" {
		b.WriteString(" (endpoint ")
		b.WriteString(e.Endpoint)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	return b.String()
}

func (e *BridgeError) Unwrap() error { return e.cause }

// Is lets errors.Is match two BridgeErrors on Kind alone, which is what tests
// and caller branching actually care about.
func (e *BridgeError) Is(target error) bool {
	var be *BridgeError
	if errors.As(target, &be) {
		return e.Kind == be.Kind
	}
	return false
}

// Retryable reports whether the reconnection supervisor may retry after this
// error.
func (e *BridgeError) Retryable() bool { return e.Kind.Retryable() }

// newError builds a single-attempt BridgeError anchored at the current time.
func newError(kind Kind, endpoint, message string, cause error) *BridgeError {
	now := time.Now()
	return &BridgeError{
		Kind:          kind,
		Endpoint:      endpoint,
		Message:       message,
		Attempts:      1,
		FirstSeenAt:   now,
		LastAttemptAt: now,
		cause:         cause,
	}
}

// Classify maps a raw failure to exactly one BridgeError. It is pure and
// total: it never returns nil for a non-nil error and never panics. Rules are
// evaluated first match wins, mirroring the order errors actually surface in:
// already-classified, cancellation, deadline, auth, server body, protocol
// shape, connection-level network faults, configuration, then unknown.
func Classify(err error, endpoint string) *BridgeError {
	if err == nil {
		return nil
	}

	// Errors that already carry a Kind pass through untouched so the taxonomy
	// is assigned exactly once per raw failure.
	var be *BridgeError
	if errors.As(err, &be) {
		return be
	}

	switch {
	case errors.Is(err, context.Canceled):
		return newError(KindCanceled, endpoint, "operation canceled", err)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return newError(KindTimeout, endpoint, "deadline exceeded", err)
	}

	// HTTP status failures from either transport variant: the health probe,
	// the extension-mode POST path, or a rejected websocket upgrade.
	var se *transport.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return newError(KindAuthentication, endpoint, se.Error(), err)
		default:
			return newError(KindServer, endpoint, se.Error(), err)
		}
	}

	// Malformed frames detected at the codec boundary.
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return newError(KindProtocol, endpoint, de.Error(), err)
	}

	// A structured error body from the server, e.g. a rejected handshake.
	var detail *protocol.ErrorDetail
	if errors.As(err, &detail) {
		return newError(KindServer, endpoint, detail.Error(), err)
	}

	// net.Error timeouts that are not context-based (e.g. dial timeouts).
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(KindTimeout, endpoint, ne.Error(), err)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, transport.ErrClosed):
		return newError(KindNetwork, endpoint, err.Error(), err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newError(KindNetwork, endpoint, opErr.Error(), err)
	}

	// An abnormal websocket close is a connection loss, not a protocol fault:
	// the frame stream ended, it did not go bad.
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return newError(KindNetwork, endpoint, ce.Error(), err)
	}

	if errors.Is(err, transport.ErrInvalidEndpoint) {
		return newError(KindConfiguration, endpoint, err.Error(), err)
	}

	return newError(KindUnknown, endpoint, err.Error(), err)
}
