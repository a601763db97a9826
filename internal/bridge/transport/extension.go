// internal/bridge/transport/extension.go
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// extensionRPCPath receives each outbound frame as a discrete POST.
	extensionRPCPath = "/rpc"
	// extensionEventsPath serves the long-lived server-push stream.
	extensionEventsPath = "/events"
)

// extensionTransport talks to a local browser extension over plain HTTP:
// outbound frames are discrete POSTs to a fixed RPC path, inbound frames
// arrive as data events on a long-lived text/event-stream GET.
type extensionTransport struct {
	cfg      Config
	endpoint *url.URL
	logger   *zap.Logger

	client *http.Client

	streamMu     sync.Mutex
	streamCancel context.CancelFunc

	frames chan []byte
	errs   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newExtensionTransport(cfg Config, endpoint *url.URL, logger *zap.Logger) *extensionTransport {
	return &extensionTransport{
		cfg:      cfg,
		endpoint: endpoint,
		logger:   logger.Named("extension_transport"),
		client:   cfg.httpClient(),
		frames:   make(chan []byte, cfg.frameBuffer()),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (t *extensionTransport) pathURL(p string) string {
	u := *t.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

// Open establishes the event stream. The RPC path needs no setup; each Send
// is its own HTTP exchange.
func (t *extensionTransport) Open(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	// The stream must outlive Open's caller context; only Close ends it.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.pathURL(extensionEventsPath), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("building event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	type dialResult struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		resp, err := t.client.Do(req)
		resCh <- dialResult{resp, err}
	}()

	var resp *http.Response
	dialCtx, dialCancel := context.WithTimeout(ctx, t.cfg.dialTimeout())
	defer dialCancel()
	select {
	case <-dialCtx.Done():
		cancel()
		return fmt.Errorf("event stream dial: %w", dialCtx.Err())
	case res := <-resCh:
		if res.err != nil {
			cancel()
			return fmt.Errorf("event stream dial: %w", res.err)
		}
		resp = res.resp
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return &StatusError{Code: resp.StatusCode, Body: trimBody(body)}
	}

	t.streamMu.Lock()
	t.streamCancel = cancel
	t.streamMu.Unlock()

	go t.readStream(resp.Body)

	t.logger.Debug("Extension transport open", zap.String("endpoint", t.endpoint.String()))
	return nil
}

// Send posts one frame to the RPC path. The body of a 2xx answer is an ack
// and is discarded; responses proper arrive on the event stream.
func (t *extensionTransport) Send(frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	req, err := http.NewRequest(http.MethodPost, t.pathURL(extensionRPCPath), bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: trimBody(body)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *extensionTransport) Frames() <-chan []byte { return t.frames }
func (t *extensionTransport) Errs() <-chan error    { return t.errs }

// readStream parses the text/event-stream body. Successive "data:" lines of
// one event are joined with newlines per the SSE framing rules; a blank line
// terminates the event and delivers the accumulated payload as one frame.
func (t *extensionTransport) readStream(body io.ReadCloser) {
	defer body.Close()
	defer close(t.frames)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) > 0 {
				frame := []byte(strings.Join(data, "\n"))
				data = data[:0]
				select {
				case t.frames <- frame:
				case <-t.closed:
					return
				}
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// Comment line; servers use these as keep-alives.
		default:
			// Other SSE fields (event:, id:, retry:) are irrelevant to the
			// bridge; the payload is self-describing.
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-t.closed:
		default:
			t.errs <- fmt.Errorf("event stream read: %w", err)
		}
		return
	}

	// EOF without a local close means the remote ended the stream.
	select {
	case <-t.closed:
	default:
		t.errs <- fmt.Errorf("event stream read: %w", io.ErrUnexpectedEOF)
	}
}

// Close is idempotent and cancels the event stream, which unblocks readStream.
func (t *extensionTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.streamMu.Lock()
		if t.streamCancel != nil {
			t.streamCancel()
			t.streamCancel = nil
		}
		t.streamMu.Unlock()
		t.logger.Debug("Extension transport closed")
	})
	return nil
}
