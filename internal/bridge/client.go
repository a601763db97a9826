// Package bridge implements the resilient remote-control bridge: a long-lived
// bidirectional RPC channel to a remote automation endpoint that survives
// transient failures through classified retries, exponential backoff, and a
// per-endpoint circuit breaker.
//
// A Client owns one Transport, runs the initialize handshake, and then serves
// correlated request/response calls over the channel while a background
// receive loop feeds the correlator. Unsolicited server pushes are routed to
// a side notification channel. Connection loss hands control to the
// reconnection supervisor, whose attempts are themselves gated by the shared
// circuit breaker for the endpoint.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/marionette-cli/internal/bridge/protocol"
	"github.com/xkilldash9x/marionette-cli/internal/bridge/transport"
)

// State is the connection lifecycle position. Transitions follow the fixed
// machine: Disconnected -> Connecting -> Connected -> {Reconnecting,
// Disconnected}, with disconnect() legal from any state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "invalid"
	}
}

// Options is the caller-supplied configuration surface of the bridge. The
// protocol mandates no defaults; zero values fall back to conservative ones
// so a partially filled Options is still usable.
type Options struct {
	// Endpoint is the remote automation endpoint URL.
	Endpoint string
	// Mode selects the transport binding (auto, socket, extension).
	Mode transport.Mode
	// ProtocolVersion is declared in the initialize handshake.
	ProtocolVersion string
	// Capabilities are the features requested during the handshake.
	Capabilities protocol.Capabilities
	// AuthToken is an optional bearer-style token sent with the handshake.
	AuthToken string

	// CallTimeout bounds each RPC call wall-clock, independent of any other
	// call's deadline.
	CallTimeout time.Duration
	// HandshakeTimeout bounds the initialize exchange.
	HandshakeTimeout time.Duration
	// DialTimeout bounds transport open, including the health probe.
	DialTimeout time.Duration
	// SkipHealthCheck disables the socket-mode pre-flight probe.
	SkipHealthCheck bool

	// Retry bounds the reconnection supervisor.
	Retry RetryPolicy
	// Breaker configures the endpoint's circuit breaker.
	Breaker BreakerSettings
	// Breakers, when set, shares breaker state across clients talking to the
	// same endpoint. Left nil, the client keeps a private registry.
	Breakers *BreakerRegistry

	// DisableReconnect turns connection loss into a plain transition to
	// Disconnected instead of a supervised reconnect.
	DisableReconnect bool

	// NotificationBuffer is the capacity of the unsolicited-event channel.
	NotificationBuffer int

	// RateLimit throttles outbound calls when positive (calls per second).
	// Automation endpoints frequently enforce their own limits; shaping here
	// turns hard server rejections into local waits.
	RateLimit      float64
	RateLimitBurst int
}

func (o Options) callTimeout() time.Duration {
	if o.CallTimeout > 0 {
		return o.CallTimeout
	}
	return 30 * time.Second
}

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return 15 * time.Second
}

func (o Options) notificationBuffer() int {
	if o.NotificationBuffer > 0 {
		return o.NotificationBuffer
	}
	return 128
}

// transportFactory is a seam so tests can supply an in-memory transport.
type transportFactory func(cfg transport.Config, logger *zap.Logger) (transport.Transport, error)

// Client is the bridge connection manager.
type Client struct {
	opts   Options
	logger *zap.Logger

	state atomic.Int32

	corr    *correlator
	breaker *Breaker
	limiter *rate.Limiter

	newTransport transportFactory

	// mu guards the fields below: the live transport, the negotiated
	// capabilities, and the receive-loop lifecycle handles.
	mu         sync.Mutex
	tr         transport.Transport
	caps       protocol.Capabilities
	recvCancel context.CancelFunc
	recvDone   chan struct{}

	// sessionCtx spans one Connect..Disconnect session. Disconnect cancels it,
	// which stops an in-flight reconnect sequence instead of letting it keep
	// dialing a session that is already over.
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	notifs chan protocol.Message

	// lastErr records the terminal error of the most recent failed
	// connect/reconnect sequence.
	lastErrMu sync.Mutex
	lastErr   *BridgeError

	closed atomic.Bool
}

// NewClient validates the options and builds a disconnected client. An
// unparseable endpoint is a Configuration failure surfaced here rather than
// at connect time.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bridge")

	if opts.Endpoint == "" {
		return nil, newError(KindConfiguration, "", "endpoint is required", nil)
	}
	// Run the factory once to reject bad URLs up front; the returned transport
	// is discarded unopened.
	if _, err := transport.New(transport.Config{Endpoint: opts.Endpoint, Mode: opts.Mode}, zap.NewNop()); err != nil {
		return nil, Classify(err, opts.Endpoint)
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = "1.0"
	}

	registry := opts.Breakers
	if registry == nil {
		registry = NewBreakerRegistry(opts.Breaker, logger)
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	warnIfTokenExpired(opts.AuthToken, logger)

	c := &Client{
		opts:         opts,
		logger:       logger,
		corr:         newCorrelator(logger),
		breaker:      registry.Get(opts.Endpoint),
		limiter:      limiter,
		newTransport: transport.New,
		notifs:       make(chan protocol.Message, opts.notificationBuffer()),
	}
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// IsConnected reports whether the bridge is in the Connected state.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Capabilities returns the server-declared feature map from the last
// successful handshake. It is read-only.
func (c *Client) Capabilities() protocol.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Notifications returns the stream of unsolicited server pushes. Frames
// without a recognized pending id land here; the channel is buffered and
// overflow is logged, never silent.
func (c *Client) Notifications() <-chan protocol.Message { return c.notifs }

// LastError returns the terminal error of the most recent failed connection
// sequence, if any.
func (c *Client) LastError() *BridgeError {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

func (c *Client) setLastError(err *BridgeError) {
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()
}

// Connect brings the bridge to Connected. The full connect/handshake sequence
// runs under the reconnection supervisor, so transient dial failures consume
// retry budget with exponential backoff while authentication and
// configuration failures surface immediately. A failed sequence leaves the
// client Disconnected; calling Connect again starts a fresh sequence.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return newError(KindConfiguration, c.opts.Endpoint,
			"connect is only legal from the disconnected state (current: "+c.State().String()+")", nil)
	}
	// A previous Disconnect ended that session; this call starts a fresh one.
	c.closed.Store(false)
	sctx, scancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.sessionCtx = sctx
	c.sessionCancel = scancel
	c.mu.Unlock()

	sup := newSupervisor(c.opts.Retry, c.opts.Endpoint, c.breaker, c.logger)
	if err := sup.run(ctx, c.establish); err != nil {
		scancel()
		be := Classify(err, c.opts.Endpoint)
		c.setLastError(be)
		c.state.Store(int32(StateDisconnected))
		return be
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		// Disconnect raced the sequence and won; the session is over and the
		// transport must not outlive it.
		be := newError(KindCanceled, c.opts.Endpoint, "disconnected during connect", nil)
		c.teardown(be)
		return be
	}
	c.logger.Info("Bridge connected", zap.String("endpoint", c.opts.Endpoint))
	return nil
}

// establish performs one full connect attempt: open the transport, run the
// initialize handshake, and start the receive loop. On any failure the
// transport is closed before the error is returned, so a failed handshake
// never leaves a half-open channel behind.
func (c *Client) establish(ctx context.Context) error {
	tr, err := c.newTransport(transport.Config{
		Endpoint:        c.opts.Endpoint,
		Mode:            c.opts.Mode,
		DialTimeout:     c.opts.DialTimeout,
		SkipHealthCheck: c.opts.SkipHealthCheck,
	}, c.logger)
	if err != nil {
		return err
	}

	if err := tr.Open(ctx); err != nil {
		_ = tr.Close()
		return err
	}

	caps, err := c.handshake(ctx, tr)
	if err != nil {
		_ = tr.Close()
		return err
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.tr = tr
	c.caps = caps
	c.recvCancel = cancel
	c.recvDone = done
	c.mu.Unlock()

	go c.receiveLoop(recvCtx, tr, done)
	return nil
}

// handshake sends the initialize frame and waits for the capability map. It
// reads the transport's frame channel directly; the receive loop does not
// exist yet.
func (c *Client) handshake(ctx context.Context, tr transport.Transport) (protocol.Capabilities, error) {
	id := uuid.NewString()
	frame, err := protocol.EncodeInitialize(id, c.opts.ProtocolVersion, c.opts.Capabilities, c.opts.AuthToken)
	if err != nil {
		return nil, err
	}
	if err := tr.Send(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.handshakeTimeout())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, context.DeadlineExceeded
		case err := <-tr.Errs():
			return nil, err
		case raw, ok := <-tr.Frames():
			if !ok {
				return nil, transport.ErrClosed
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				return nil, err
			}
			if msg.Type != protocol.TypeResponse || msg.ID != id {
				// Servers may push events before answering the handshake;
				// keep them rather than dropping them on the floor.
				if msg.Type == protocol.TypeNotification {
					c.publishNotification(msg)
					continue
				}
				return nil, &protocol.DecodeError{Reason: "unexpected frame during handshake"}
			}
			if msg.Err != nil {
				// The server rejected the handshake with a structured error.
				return nil, msg.Err
			}
			return protocol.ParseCapabilities(msg.Result)
		}
	}
}

// maxMalformedFrames is the number of consecutive undecodable frames after
// which the peer is treated as lost rather than noisy.
const maxMalformedFrames = 5

// receiveLoop dispatches inbound frames until the transport dies or the loop
// is canceled. Responses go to the correlator; everything else is a
// notification. A malformed frame fails nothing but itself: it is logged and
// the connection carries on, unless nothing but malformed frames arrive, in
// which case the stream is treated as a connection loss.
func (c *Client) receiveLoop(ctx context.Context, tr transport.Transport, done chan struct{}) {
	defer close(done)

	malformed := 0
	for {
		select {
		case <-ctx.Done():
			return

		case err := <-tr.Errs():
			c.handleConnectionLoss(err)
			return

		case raw, ok := <-tr.Frames():
			if !ok {
				// Frame channel closed without a terminal error: surface the
				// loss through the errs channel if one arrives, else treat as
				// a closed transport.
				select {
				case err := <-tr.Errs():
					c.handleConnectionLoss(err)
				default:
					c.handleConnectionLoss(transport.ErrClosed)
				}
				return
			}

			msg, err := protocol.Decode(raw)
			if err != nil {
				malformed++
				c.logger.Warn("Discarding malformed frame", zap.Error(err),
					zap.Int("bytes", len(raw)),
					zap.Int("consecutive", malformed))
				if malformed >= maxMalformedFrames {
					c.handleConnectionLoss(fmt.Errorf("%d consecutive malformed frames: %w", malformed, err))
					return
				}
				continue
			}
			malformed = 0

			switch msg.Type {
			case protocol.TypeResponse:
				// resolve logs and drops responses with no pending id; the
				// caller already received its terminal outcome.
				c.corr.resolve(msg)
			case protocol.TypeNotification:
				c.publishNotification(msg)
			}
		}
	}
}

func (c *Client) publishNotification(msg protocol.Message) {
	select {
	case c.notifs <- msg:
	default:
		c.logger.Warn("Notification buffer full, dropping event",
			zap.String("method", msg.Method))
	}
}

// handleConnectionLoss classifies the failure, fails every outstanding call,
// and either hands control to the reconnection supervisor or settles in
// Disconnected. Only the goroutine that wins the Connected -> Reconnecting
// swap proceeds, so concurrent loss signals cannot start duplicate
// supervisors. The supervisor runs under the session context, so Disconnect
// ends the sequence instead of waiting for its retry budget.
func (c *Client) handleConnectionLoss(cause error) {
	be := Classify(cause, c.opts.Endpoint)

	if c.opts.DisableReconnect || c.closed.Load() || !be.Retryable() {
		if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
			c.logger.Warn("Connection lost, reconnection disabled",
				zap.String("kind", be.Kind.String()), zap.Error(cause))
			c.teardown(be)
			c.setLastError(be)
		}
		return
	}

	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}

	c.logger.Warn("Connection lost, reconnecting",
		zap.String("endpoint", c.opts.Endpoint),
		zap.String("kind", be.Kind.String()),
		zap.Error(cause))
	c.teardown(be)

	c.mu.Lock()
	sctx := c.sessionCtx
	c.mu.Unlock()
	if sctx == nil {
		sctx = context.Background()
	}

	sup := newSupervisor(c.opts.Retry, c.opts.Endpoint, c.breaker, c.logger)
	if err := sup.run(sctx, c.establish); err != nil {
		c.state.CompareAndSwap(int32(StateReconnecting), int32(StateDisconnected))
		if c.closed.Load() {
			// Disconnect ended the session while the sequence was running.
			return
		}
		final := Classify(err, c.opts.Endpoint)
		c.setLastError(final)
		c.logger.Error("Reconnection abandoned",
			zap.String("kind", final.Kind.String()),
			zap.Int("attempts", final.Attempts))
		return
	}

	if !c.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnected)) {
		// Disconnect won the race against a succeeding attempt; the fresh
		// transport must not outlive the session.
		c.teardown(newError(KindCanceled, c.opts.Endpoint, "bridge disconnected", nil))
		return
	}
	c.logger.Info("Bridge reconnected", zap.String("endpoint", c.opts.Endpoint))
}

// teardown closes the current transport and fails all pending calls with the
// given error. The receive loop is assumed dead or dying.
func (c *Client) teardown(cause *BridgeError) {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	if c.recvCancel != nil {
		c.recvCancel()
		c.recvCancel = nil
	}
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.corr.failAll(cause)
}

// Call issues one correlated RPC and blocks until it resolves, fails, or
// times out. Concurrent calls are independent; each gets its own deadline and
// no ordering is guaranteed between completions. Calls are gated by the
// endpoint's circuit breaker: once it opens, calls fail immediately with a
// KindBreakerOpen error and no transport attempt.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// A call rejected here never reached the endpoint, so it fails before the
	// breaker and charges no failure count.
	if c.State() != StateConnected {
		return nil, newError(KindNetwork, c.opts.Endpoint, "bridge is not connected", nil)
	}

	var result json.RawMessage
	err := c.breaker.Do(func() error {
		var callErr error
		result, callErr = c.call(ctx, method, params)
		return callErr
	})
	if err != nil {
		return nil, Classify(err, c.opts.Endpoint)
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if c.State() != StateConnected {
		return nil, newError(KindNetwork, c.opts.Endpoint, "bridge is not connected", nil)
	}

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return nil, newError(KindNetwork, c.opts.Endpoint, "bridge is not connected", nil)
	}

	id := uuid.NewString()
	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pr, ok := c.corr.register(id)
	if !ok {
		return nil, newError(KindUnknown, c.opts.Endpoint, "duplicate request id "+id, nil)
	}

	if err := tr.Send(frame); err != nil {
		c.corr.remove(id)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.callTimeout())
	defer cancel()

	select {
	case out := <-pr.done:
		if out.err != nil {
			var detail *protocol.ErrorDetail
			if errors.As(out.err, &detail) {
				// The frame's error body is a server-side failure of this one
				// call, not of the connection.
				return nil, newError(KindServer, c.opts.Endpoint, detail.Error(), out.err)
			}
			return nil, out.err
		}
		return out.result, nil

	case <-callCtx.Done():
		// Remove first: once the entry is gone a late response cannot resolve
		// this call, so the timeout is its one terminal outcome.
		c.corr.remove(id)
		if ctx.Err() == context.Canceled {
			return nil, newError(KindCanceled, c.opts.Endpoint, "call canceled: "+method, ctx.Err())
		}
		return nil, newError(KindTimeout, c.opts.Endpoint,
			"no response to "+method+" within "+c.opts.callTimeout().String(), context.DeadlineExceeded)
	}
}

// Disconnect moves the bridge to Disconnected from any state, cancels every
// outstanding request with a cancellation-kind failure, and terminates the
// receive loop. It is terminal for the session; a fresh Connect starts over.
func (c *Client) Disconnect() {
	c.closed.Store(true)
	prev := State(c.state.Swap(int32(StateDisconnected)))

	c.mu.Lock()
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	done := c.recvDone
	c.mu.Unlock()

	c.teardown(newError(KindCanceled, c.opts.Endpoint, "bridge disconnected", nil))

	if done != nil {
		<-done
	}

	if prev != StateDisconnected {
		c.logger.Info("Bridge disconnected", zap.String("previous_state", prev.String()))
	}
}
