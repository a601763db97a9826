// internal/bridge/transport/extension_test.go
package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// extensionServer fakes the browser-extension host: frames POSTed to /rpc are
// recorded, and anything written to the events channel is flushed to the
// event stream as one SSE data event.
type extensionServer struct {
	server *httptest.Server
	events chan string

	mu       sync.Mutex
	received [][]byte
}

func newExtensionServer(t *testing.T) *extensionServer {
	t.Helper()
	es := &extensionServer{events: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		es.mu.Lock()
		es.received = append(es.received, body)
		es.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case chunk := <-es.events:
				if _, err := io.WriteString(w, chunk); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	es.server = httptest.NewServer(mux)
	t.Cleanup(es.server.Close)
	return es
}

func (es *extensionServer) receivedCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.received)
}

func openExtension(t *testing.T, es *extensionServer) Transport {
	t.Helper()
	tr, err := New(Config{
		Endpoint:   es.server.URL,
		HTTPClient: es.server.Client(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestExtensionTransport_SendPostsFrames(t *testing.T) {
	es := newExtensionServer(t)
	tr := openExtension(t, es)

	require.NoError(t, tr.Send([]byte(`{"id":"1","method":"navigate"}`)))
	require.NoError(t, tr.Send([]byte(`{"id":"2","method":"click"}`)))

	assert.Equal(t, 2, es.receivedCount())
	es.mu.Lock()
	assert.JSONEq(t, `{"id":"1","method":"navigate"}`, string(es.received[0]))
	es.mu.Unlock()
}

func TestExtensionTransport_EventStreamDelivery(t *testing.T) {
	es := newExtensionServer(t)
	tr := openExtension(t, es)

	es.events <- "data: {\"method\":\"page.loaded\"}\n\n"

	select {
	case frame := <-tr.Frames():
		assert.JSONEq(t, `{"method":"page.loaded"}`, string(frame))
	case err := <-tr.Errs():
		t.Fatalf("Unexpected transport error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for event frame")
	}
}

// Successive data lines of one event are joined with newlines, per the SSE
// framing rules.
func TestExtensionTransport_MultiLineDataJoined(t *testing.T) {
	es := newExtensionServer(t)
	tr := openExtension(t, es)

	es.events <- "data: {\"method\":\"dom.snapshot\",\ndata: \"params\":{}}\n\n"

	select {
	case frame := <-tr.Frames():
		assert.JSONEq(t, `{"method":"dom.snapshot","params":{}}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for joined frame")
	}
}

// Comment lines are keep-alives and produce no frames.
func TestExtensionTransport_CommentsIgnored(t *testing.T) {
	es := newExtensionServer(t)
	tr := openExtension(t, es)

	es.events <- ": keep-alive\n\n"
	es.events <- "data: {\"method\":\"real\"}\n\n"

	select {
	case frame := <-tr.Frames():
		assert.JSONEq(t, `{"method":"real"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for the real frame")
	}
}

func TestExtensionTransport_RPCErrorStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	tr, err := New(Config{Endpoint: server.URL, HTTPClient: server.Client()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })

	err = tr.Send([]byte(`{}`))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestExtensionTransport_EventStreamRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stream for you", http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	tr, err := New(Config{Endpoint: server.URL, HTTPClient: server.Client()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	err = tr.Open(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
}

// The remote ending the stream is a connection loss, surfaced on errs.
func TestExtensionTransport_RemoteStreamEndSurfacesError(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	tr, err := New(Config{Endpoint: server.URL, HTTPClient: server.Client()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })

	close(release) // the handler returns, ending the stream

	select {
	case err := <-tr.Errs():
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for stream loss")
	}
}

func TestExtensionTransport_CloseIsQuiet(t *testing.T) {
	es := newExtensionServer(t)
	tr := openExtension(t, es)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrClosed)

	select {
	case err := <-tr.Errs():
		t.Fatalf("Local close must not surface an error, got %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
