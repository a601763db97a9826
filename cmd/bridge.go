// -- cmd/bridge.go --
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/automation"
	"github.com/xkilldash9x/marionette-cli/internal/automation/local"
	"github.com/xkilldash9x/marionette-cli/internal/bridge"
	"github.com/xkilldash9x/marionette-cli/internal/bridge/transport"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// newBridgeClient builds a bridge client from the loaded configuration.
func newBridgeClient(cfg *config.Config, logger *zap.Logger) (*bridge.Client, error) {
	if cfg.Bridge.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured; pass --endpoint or set bridge.endpoint")
	}

	return bridge.NewClient(bridge.Options{
		Endpoint:         cfg.Bridge.Endpoint,
		Mode:             transport.Mode(cfg.Bridge.Mode),
		ProtocolVersion:  cfg.Bridge.ProtocolVersion,
		AuthToken:        cfg.Bridge.AuthToken,
		CallTimeout:      cfg.Bridge.CallTimeout,
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
		DialTimeout:      cfg.Bridge.DialTimeout,
		SkipHealthCheck:  cfg.Bridge.SkipHealthCheck,
		Retry: bridge.RetryPolicy{
			MaxRetries:    cfg.Bridge.MaxRetries,
			BaseDelay:     cfg.Bridge.BaseDelay,
			BackoffFactor: cfg.Bridge.BackoffFactor,
		},
		Breaker: bridge.BreakerSettings{
			FailureThreshold: cfg.Bridge.FailureThreshold,
			RecoveryTimeout:  cfg.Bridge.RecoveryTimeout,
		},
		DisableReconnect:   cfg.Bridge.DisableReconnect,
		NotificationBuffer: cfg.Bridge.NotificationBuffer,
		RateLimit:          cfg.Bridge.RateLimit,
		RateLimitBurst:     cfg.Bridge.RateLimitBurst,
	}, logger)
}

// connectExecutor yields the command executor: a connected remote bridge, or
// the local chromedp engine when --local is set. The bridge client is nil in
// local mode. The returned cleanup tears down whichever backend was built.
func connectExecutor(ctx context.Context, useLocal bool, cfg *config.Config, logger *zap.Logger) (automation.Executor, *bridge.Client, func(), error) {
	if useLocal {
		engine := local.NewEngine(cfg.Browser, logger)
		if err := engine.Start(ctx); err != nil {
			return nil, nil, nil, err
		}
		return engine, nil, engine.Close, nil
	}

	client, err := newBridgeClient(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}
	return automation.NewRemote(client, logger), client, client.Disconnect, nil
}
