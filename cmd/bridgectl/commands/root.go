package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"inference-bridge/internal/client"
)

// flag names
const (
	flagServer  = "server"
	flagTimeout = "timeout"
)

// environment variable names
const (
	envServer = "BRIDGE_SERVER"
)

var (
	// apiClient is the shared bridge client, built in PersistentPreRunE.
	apiClient *client.Client
	// serverAddress holds the target bridge address. Flag parsing sets this.
	serverAddress string
	// requestTimeout bounds every non-streaming call.
	requestTimeout time.Duration
)

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:           "bridgectl",
	Short:         "Command line client for the inference bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// Flag > env var > default.
		if !cmd.Flags().Changed(flagServer) {
			if env := os.Getenv(envServer); env != "" {
				serverAddress = env
			}
		}
		if serverAddress == "" {
			return fmt.Errorf("server address cannot be empty")
		}
		return initClient()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverAddress, flagServer, "s", client.DefaultBaseURL, "Bridge address (env: "+envServer+")")
	RootCmd.PersistentFlags().DurationVar(&requestTimeout, flagTimeout, client.DefaultTimeout, "Per-request timeout")

	RootCmd.AddCommand(submitCmd, statusCmd, cancelCmd, queueCmd, watchCmd, modelsCmd, stylesCmd)
}

func initClient() error {
	opts := client.DefaultOptions()
	opts.BaseURL = serverAddress
	opts.Timeout = requestTimeout

	var err error
	apiClient, err = client.NewClient(opts)
	return err
}

// printJSON pretty prints v to the command's output.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
