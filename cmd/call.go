// -- cmd/call.go --
package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/marionette-cli/internal/observability"
)

var (
	callParams    []string
	callParamJSON string
	callLocal     bool
)

// callCmd issues a single named command and prints its JSON result.
var callCmd = &cobra.Command{
	Use:   "call <method>",
	Short: "Issue one automation command against the configured endpoint",
	Long: `Issues a single named command over the bridge (or the local engine with
--local) and prints the JSON result. Parameters are given as repeated
-p key=value pairs or as a raw JSON object via --params.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		method := args[0]

		params, err := buildParams(callParams, callParamJSON)
		if err != nil {
			return err
		}

		exec, _, cleanup, err := connectExecutor(cmd.Context(), callLocal, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := exec.Execute(cmd.Context(), method, params)
		if err != nil {
			return err
		}
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return nil
	},
}

func init() {
	callCmd.Flags().StringArrayVarP(&callParams, "param", "p", nil, "command parameter as key=value (repeatable)")
	callCmd.Flags().StringVar(&callParamJSON, "params", "", "command parameters as a raw JSON object")
	callCmd.Flags().BoolVar(&callLocal, "local", false, "run against a locally launched browser instead of the remote endpoint")
	rootCmd.AddCommand(callCmd)
}

// buildParams merges -p pairs and --params JSON, the latter taking priority.
func buildParams(pairs []string, rawJSON string) (any, error) {
	if rawJSON != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(rawJSON), &m); err != nil {
			return nil, fmt.Errorf("--params is not a JSON object: %w", err)
		}
		return m, nil
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	m := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		m[key] = value
	}
	return m, nil
}
