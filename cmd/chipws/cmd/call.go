package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/itchyny/gojq"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/client"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <command> [key=value...]",
	Short: "Send one command to a chipws server and print the result",
	Long: `Send one command to a chipws server and print its result as JSON.

Arguments are given as key=value pairs. A value that parses as JSON is sent
as that JSON value, anything else is sent as a string. --args supplies a JSON
object of arguments; key=value pairs are applied on top of it.

Examples:
  chipws call start_listening
  chipws call device_controller.GetFabricId
  chipws call device_controller.CommissionWithCode setupPayload=3497-011-2337 label=kitchen
  chipws call device_controller.ReadAttribute nodeid=1 attributes='["BasicInformation.VendorName"]'
  chipws call --jq '.attributes.OnOff' device_controller.ReadAttribute --args '{"nodeid": 1}'
  chipws call --jq 'length' device_controller.GetNodes`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

var (
	callURL         string
	callArgsJSON    string
	callJQ          string
	callDialTimeout time.Duration
	callTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(callCmd)

	defaultURL := envOr("CHIP_WS_URL", "ws://localhost:"+envOr("CHIP_WS_SERVER_PORT", defaultPort)+"/chip_ws")
	callCmd.Flags().StringVar(&callURL, "url", defaultURL, "WebSocket URL of the server")
	callCmd.Flags().StringVar(&callArgsJSON, "args", "", "JSON object of command arguments")
	callCmd.Flags().StringVar(&callJQ, "jq", "", "jq filter applied to the result before printing")
	callCmd.Flags().DurationVar(&callDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 60*time.Second, "Total operation timeout")
}

func runCall(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return errors.Wrap(err, "failed to setup logger")
	}
	defer logger.Sync()

	command := args[0]
	callArgs, err := parseCallArgs(callArgsJSON, args[1:])
	if err != nil {
		return err
	}

	var filter *gojq.Code
	if callJQ != "" {
		if filter, err = compileFilter(callJQ); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	wsClient, err := client.NewClient().
		WithURL(callURL).
		WithLogger(logger).
		WithDialTimeout(callDialTimeout).
		Build()
	if err != nil {
		return errors.Wrap(err, "failed to create WebSocket client")
	}

	if err := wsClient.Connect(ctx); err != nil {
		return errors.Wrap(err, "failed to connect to WebSocket server")
	}
	defer func() {
		if closeErr := wsClient.Close(); closeErr != nil {
			logger.Warn("Error during client close", zap.Error(closeErr))
		}
	}()

	hs := wsClient.Handshake()
	logger.Debug("Connected to chipws server",
		zap.String("url", callURL),
		zap.Int("server_version", hs.ServerVersion),
		zap.Int("max_schema_version", hs.MaxSchemaVersion),
	)

	raw, err := wsClient.Call(ctx, command, callArgs)
	if err != nil {
		return err
	}

	var result any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return errors.Wrap(err, "decoding result")
		}
	}

	return printResult(cmd.OutOrStdout(), result, filter)
}

// parseCallArgs merges the --args object with key=value pairs.
func parseCallArgs(argsJSON string, pairs []string) (map[string]any, error) {
	result := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &result); err != nil {
			return nil, errors.Wrap(err, "--args must be a JSON object")
		}
		if result == nil {
			result = map[string]any{}
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Newf("argument %q is not of the form key=value", pair)
		}
		result[key] = parseArgValue(value)
	}

	return result, nil
}

func parseArgValue(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		return v
	}
	return value
}

func compileFilter(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse jq filter '%s'", src)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile jq filter '%s'", src)
	}
	return code, nil
}

// runFilter returns every value the filter emits for input.
func runFilter(code *gojq.Code, input any) ([]any, error) {
	var outputs []any
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			var haltErr *gojq.HaltError
			if errors.As(err, &haltErr) && haltErr.Value() == nil {
				break
			}
			return nil, err
		}
		outputs = append(outputs, v)
	}
	return outputs, nil
}

func printResult(w io.Writer, result any, filter *gojq.Code) error {
	outputs := []any{result}
	if filter != nil {
		var err error
		if outputs, err = runFilter(filter, result); err != nil {
			return err
		}
	}

	for _, out := range outputs {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, string(data)); err != nil {
			return err
		}
	}
	return nil
}
