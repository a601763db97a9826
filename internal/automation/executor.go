// Package automation is the thin command layer riding on the bridge. Every
// operation here is a direct pass-through to the remote endpoint's RPC
// surface: this package marshals parameters and decodes results, nothing
// more. Command semantics live on the other side of the wire.
package automation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/bridge/protocol"
)

// Command method names understood by remote automation endpoints.
const (
	MethodNavigate   = "navigate"
	MethodClick      = "click"
	MethodType       = "type"
	MethodScreenshot = "screenshot"
	MethodGetHTML    = "getHtml"
	MethodEvaluate   = "evaluate"
)

// Executor runs one named automation command. The remote implementation
// forwards over the bridge; the local engine drives a browser directly.
type Executor interface {
	Execute(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// RPC is the slice of the bridge client the remote executor needs.
type RPC interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Capabilities() protocol.Capabilities
}

// ErrNotSupported reports a command the handshake did not advertise.
type ErrNotSupported struct {
	Method string
}

func (e *ErrNotSupported) Error() string {
	return fmt.Sprintf("automation: remote endpoint does not support %q", e.Method)
}

// Remote is the pass-through Executor backed by a bridge client.
type Remote struct {
	rpc    RPC
	logger *zap.Logger
}

// NewRemote builds a remote executor.
func NewRemote(rpc RPC, logger *zap.Logger) *Remote {
	return &Remote{rpc: rpc, logger: logger.Named("automation")}
}

// Execute forwards the command over the bridge. When the server declared a
// capability map during the handshake, commands it did not advertise are
// refused locally instead of burning a round trip on a guaranteed failure.
func (r *Remote) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	caps := r.rpc.Capabilities()
	if len(caps) > 0 && !caps.Supports(method) {
		return nil, &ErrNotSupported{Method: method}
	}

	r.logger.Debug("Executing remote command", zap.String("method", method))
	return r.rpc.Call(ctx, method, params)
}

// -- Typed convenience wrappers --

// Navigate loads the given URL in the remote browser.
func (r *Remote) Navigate(ctx context.Context, url string) error {
	_, err := r.Execute(ctx, MethodNavigate, map[string]string{"url": url})
	return err
}

// Click clicks the element matching the selector.
func (r *Remote) Click(ctx context.Context, selector string) error {
	_, err := r.Execute(ctx, MethodClick, map[string]string{"selector": selector})
	return err
}

// Type sends text input to the element matching the selector.
func (r *Remote) Type(ctx context.Context, selector, text string) error {
	_, err := r.Execute(ctx, MethodType, map[string]string{"selector": selector, "text": text})
	return err
}

// Screenshot captures the current page and returns decoded PNG bytes.
func (r *Remote) Screenshot(ctx context.Context) ([]byte, error) {
	raw, err := r.Execute(ctx, MethodScreenshot, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("automation: decoding screenshot result: %w", err)
	}
	img, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("automation: screenshot payload is not base64: %w", err)
	}
	return img, nil
}

// HTML returns the serialized DOM of the current page.
func (r *Remote) HTML(ctx context.Context) (string, error) {
	raw, err := r.Execute(ctx, MethodGetHTML, nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("automation: decoding html result: %w", err)
	}
	return payload.HTML, nil
}

// Evaluate runs a JavaScript expression in the page and returns the raw
// JSON-encoded value.
func (r *Remote) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	return r.Execute(ctx, MethodEvaluate, map[string]string{"expression": expression})
}
