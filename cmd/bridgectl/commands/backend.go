package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	modelsCmd.AddCommand(switchModelCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the backend's models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		raw, err := apiClient.Models(ctx)
		if err != nil {
			return fmt.Errorf("error fetching models: %w", err)
		}
		return printRaw(cmd, raw)
	},
}

var switchModelCmd = &cobra.Command{
	Use:   "switch <model-id>",
	Short: "Ask the backend to load another model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		raw, err := apiClient.SwitchModel(ctx, args[0])
		if err != nil {
			return fmt.Errorf("error switching model: %w", err)
		}
		return printRaw(cmd, raw)
	},
}

var stylesCmd = &cobra.Command{
	Use:   "styles",
	Short: "List the backend's style presets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		raw, err := apiClient.Styles(ctx)
		if err != nil {
			return fmt.Errorf("error fetching styles: %w", err)
		}
		return printRaw(cmd, raw)
	},
}

func printRaw(cmd *cobra.Command, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}
