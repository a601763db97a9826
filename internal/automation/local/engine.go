// Package local drives a locally launched headless Chrome through chromedp,
// exposing the same Executor surface as the remote bridge so commands can run
// without any remote endpoint.
package local

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/automation"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// ErrNotStarted reports an Execute before Start.
var ErrNotStarted = errors.New("local: engine not started")

// Engine is a chromedp-backed automation.Executor.
type Engine struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
}

// NewEngine builds an engine; the browser is not launched until Start.
func NewEngine(cfg config.BrowserConfig, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger.Named("local_engine")}
}

// Start launches the browser process.
func (e *Engine) Start(ctx context.Context) error {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !e.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if e.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.ExecPath))
	}
	if e.cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if e.cfg.WindowWidth > 0 && e.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(e.cfg.WindowWidth, e.cfg.WindowHeight))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	if e.cfg.Debug {
		// Mirror page console output into our logs while debugging sessions.
		chromedp.ListenTarget(browserCtx, func(ev any) {
			if call, ok := ev.(*runtime.EventConsoleAPICalled); ok {
				args := make([]string, 0, len(call.Args))
				for _, a := range call.Args {
					args = append(args, string(a.Value))
				}
				e.logger.Debug("Browser console",
					zap.String("type", string(call.Type)),
					zap.Strings("args", args))
			}
		})
	}

	// Launch eagerly so a missing binary fails Start, not the first command.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return fmt.Errorf("local: launching browser: %w", err)
	}

	e.allocCancel = allocCancel
	e.browserCtx = browserCtx
	e.cancel = cancel
	e.logger.Info("Local browser engine started", zap.Bool("headless", e.cfg.Headless))
	return nil
}

// Execute runs one command against the local browser.
func (e *Engine) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if e.browserCtx == nil {
		return nil, ErrNotStarted
	}

	p, err := decodeParams(params)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithCancel(e.browserCtx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-opCtx.Done():
		}
	}()

	switch method {
	case automation.MethodNavigate:
		if p["url"] == "" {
			return nil, fmt.Errorf("local: navigate requires a url parameter")
		}
		if err := chromedp.Run(opCtx, chromedp.Navigate(p["url"])); err != nil {
			return nil, err
		}
		return okResult(), nil

	case automation.MethodClick:
		if p["selector"] == "" {
			return nil, fmt.Errorf("local: click requires a selector parameter")
		}
		err := chromedp.Run(opCtx, chromedp.Tasks{
			chromedp.ScrollIntoView(p["selector"], chromedp.ByQuery),
			chromedp.WaitVisible(p["selector"], chromedp.ByQuery),
			chromedp.Click(p["selector"], chromedp.ByQuery),
		})
		if err != nil {
			return nil, err
		}
		return okResult(), nil

	case automation.MethodType:
		if p["selector"] == "" {
			return nil, fmt.Errorf("local: type requires a selector parameter")
		}
		err := chromedp.Run(opCtx, chromedp.Tasks{
			chromedp.WaitVisible(p["selector"], chromedp.ByQuery),
			chromedp.SendKeys(p["selector"], p["text"], chromedp.ByQuery),
		})
		if err != nil {
			return nil, err
		}
		return okResult(), nil

	case automation.MethodScreenshot:
		var buf []byte
		if err := chromedp.Run(opCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"data": base64.StdEncoding.EncodeToString(buf),
		})

	case automation.MethodGetHTML:
		var html string
		if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"html": html})

	case automation.MethodEvaluate:
		if p["expression"] == "" {
			return nil, fmt.Errorf("local: evaluate requires an expression parameter")
		}
		var value json.RawMessage
		if err := chromedp.Run(opCtx, chromedp.Evaluate(p["expression"], &value)); err != nil {
			return nil, err
		}
		return value, nil

	default:
		return nil, fmt.Errorf("local: unknown command %q", method)
	}
}

// Close shuts the browser down. Safe to call before Start.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.allocCancel != nil {
		e.allocCancel()
		e.allocCancel = nil
	}
	e.browserCtx = nil
}

// decodeParams normalizes params into a flat string map. Commands here only
// take string parameters; anything richer belongs on the remote side.
func decodeParams(params any) (map[string]string, error) {
	if params == nil {
		return map[string]string{}, nil
	}
	if m, ok := params.(map[string]string); ok {
		return m, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("local: encoding params: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("local: params must be an object of strings: %w", err)
	}
	return m, nil
}

func okResult() json.RawMessage {
	return json.RawMessage(`{"ok":true}`)
}
