// -- cmd/health.go --
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/bridge/transport"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
)

var healthTimeout time.Duration

// healthCmd probes the configured endpoint's health route without opening a
// full bridge session.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the configured endpoint and report reachability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		endpoint := cfg.Bridge.Endpoint
		if endpoint == "" {
			return fmt.Errorf("no endpoint configured; pass --endpoint or set bridge.endpoint")
		}

		url, err := transport.HealthURL(endpoint)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		start := time.Now()
		if err := transport.CheckHealth(ctx, endpoint, nil); err != nil {
			logger.Warn("Health probe failed", zap.String("url", url), zap.Error(err))
			return fmt.Errorf("endpoint unhealthy: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%s)\n", url, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "probe timeout")
	rootCmd.AddCommand(healthCmd)
}
