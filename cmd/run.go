// -- cmd/run.go --
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/marionette-cli/internal/bridge"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
)

var (
	runLocal  bool
	runEvents bool
)

// scriptStep is one entry of a command script.
type scriptStep struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// runCmd executes a JSON list of commands sequentially.
var runCmd = &cobra.Command{
	Use:   "run <script.json>",
	Short: "Execute a JSON command script against the configured endpoint",
	Long: `Reads a JSON array of {"method": ..., "params": ...} steps and executes
them in order over the bridge (or the local engine with --local). With
--events, unsolicited server notifications are printed to stderr as they
arrive. Execution stops at the first failing step.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading script: %w", err)
		}
		var steps []scriptStep
		if err := json.Unmarshal(data, &steps); err != nil {
			return fmt.Errorf("parsing script: %w", err)
		}
		if len(steps) == 0 {
			return fmt.Errorf("script contains no steps")
		}

		exec, client, cleanup, err := connectExecutor(cmd.Context(), runLocal, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		runCtx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		g, ctx := errgroup.WithContext(runCtx)

		if runEvents && client != nil {
			g.Go(func() error {
				printNotifications(ctx, client, cmd)
				return nil
			})
		}

		g.Go(func() error {
			// Ends the event printer once the script completes.
			defer cancel()
			for i, step := range steps {
				var params any
				if len(step.Params) > 0 {
					params = step.Params
				}
				logger.Info("Executing step",
					zap.Int("step", i+1),
					zap.String("method", step.Method))
				result, err := exec.Execute(ctx, step.Method, params)
				if err != nil {
					return fmt.Errorf("step %d (%s): %w", i+1, step.Method, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", summarize(result))
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	runCmd.Flags().BoolVar(&runLocal, "local", false, "run against a locally launched browser instead of the remote endpoint")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "print unsolicited server notifications to stderr")
	rootCmd.AddCommand(runCmd)
}

// printNotifications drains the client's notification stream until the
// context ends.
func printNotifications(ctx context.Context, client *bridge.Client, cmd *cobra.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Notifications():
			if !ok {
				return
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "event %s %s\n", msg.Method, string(msg.Params))
		}
	}
}

func summarize(result json.RawMessage) string {
	if len(result) == 0 {
		return "null"
	}
	return string(result)
}
