// internal/bridge/transport/socket.go
package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	socketWriteWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	socketPongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than socketPongWait.
	socketPingPeriod = (socketPongWait * 9) / 10
	// Maximum message size allowed from peer.
	socketMaxMessageSize = 2048 * 2048 // 4MB
)

// socketTransport carries both directions over one full-duplex websocket.
type socketTransport struct {
	cfg      Config
	endpoint *url.URL
	logger   *zap.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	frames chan []byte
	errs   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newSocketTransport(cfg Config, endpoint *url.URL, logger *zap.Logger) *socketTransport {
	return &socketTransport{
		cfg:      cfg,
		endpoint: endpoint,
		logger:   logger.Named("socket_transport"),
		frames:   make(chan []byte, cfg.frameBuffer()),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// Probe issues the pre-flight health check over the derived HTTP URL. A
// reachable remote answers 200 with a plain-text body.
func (t *socketTransport) Probe(ctx context.Context) error {
	if err := CheckHealth(ctx, t.endpoint.String(), t.cfg.httpClient()); err != nil {
		return err
	}
	t.logger.Debug("Health probe succeeded", zap.String("endpoint", t.endpoint.String()))
	return nil
}

// Open probes the remote, dials the websocket, and starts the read pump. On
// any failure the connection is fully torn down before the error is returned.
func (t *socketTransport) Open(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.dialTimeout())
	defer cancel()

	if !t.cfg.SkipHealthCheck {
		if err := t.Probe(dialCtx); err != nil {
			return err
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.dialTimeout(),
	}

	conn, resp, err := dialer.DialContext(dialCtx, t.endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			// The server answered the upgrade with a plain HTTP status; keep
			// it so the classifier can tell auth rejections from outages.
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return &StatusError{Code: resp.StatusCode, Body: trimBody(body)}
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetReadLimit(socketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	go t.readPump()
	go t.pingLoop()

	t.logger.Debug("Socket transport open", zap.String("endpoint", t.endpoint.String()))
	return nil
}

// Send writes one text frame. gorilla/websocket does not allow concurrent
// writers, so all writes are serialized through writeMu.
func (t *socketTransport) Send(frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *socketTransport) Frames() <-chan []byte { return t.frames }
func (t *socketTransport) Errs() <-chan error    { return t.errs }

// readPump delivers inbound frames in arrival order until the connection
// dies. The terminal error, if the close was not requested locally, lands on
// the errs channel.
func (t *socketTransport) readPump() {
	defer close(t.frames)

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		// Close ran before the pump started.
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				// Local close unblocked the read; not a failure.
			default:
				t.errs <- fmt.Errorf("websocket read: %w", err)
			}
			return
		}

		select {
		case t.frames <- message:
		case <-t.closed:
			return
		}
	}
}

// pingLoop keeps the connection alive. A failed ping is surfaced by the read
// pump when the connection collapses, so failures here just end the loop.
func (t *socketTransport) pingLoop() {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.connMu.RLock()
			conn := t.conn
			t.connMu.RUnlock()
			if conn == nil {
				return
			}
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close is idempotent. It sends a best-effort close frame, then tears the
// connection down, which also unblocks the read pump.
func (t *socketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.connMu.Lock()
		conn := t.conn
		t.conn = nil
		t.connMu.Unlock()

		if conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(socketWriteWait),
			)
			t.writeMu.Unlock()
			_ = conn.Close()
		}
		t.logger.Debug("Socket transport closed")
	})
	return nil
}
