package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"inference-bridge/internal/models"
)

func init() {
	submitCmd.Flags().StringArrayP("param", "p", nil, "Job parameter as key=value (repeatable; numbers and booleans are typed)")
	submitCmd.Flags().String("json", "", "Full JSON parameter object; -p values are merged on top")
	submitCmd.Flags().BoolP("wait", "w", false, "Poll until the job finishes and print the final state")
	submitCmd.Flags().Duration("poll", time.Second, "Poll interval used with --wait")
}

var submitCmd = &cobra.Command{
	Use:   "submit <job-type>",
	Short: "Submit a job (generate, inpaint, upscale, ...)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("json")
		pairs, _ := cmd.Flags().GetStringArray("param")
		params, err := buildParams(raw, pairs)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		resp, err := apiClient.Submit(ctx, args[0], params)
		if err != nil {
			return fmt.Errorf("error submitting job: %w", err)
		}

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		poll, _ := cmd.Flags().GetDuration("poll")
		sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		final, err := apiClient.Wait(sigCtx, resp.JobID, poll)
		if err != nil {
			return fmt.Errorf("error waiting for job %s: %w", resp.JobID, err)
		}
		return printJSON(cmd.OutOrStdout(), final)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		st, err := apiClient.Job(ctx, args[0])
		if err != nil {
			return fmt.Errorf("error fetching job: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job, or discard the outcome of the running one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		resp, err := apiClient.Cancel(ctx, args[0])
		if err != nil {
			return fmt.Errorf("error cancelling job: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the queue snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		snap, err := apiClient.Queue(ctx)
		if err != nil {
			return fmt.Errorf("error fetching queue: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job lifecycle events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(cmd.OutOrStdout())
		err := apiClient.Watch(ctx, func(evt models.Event) error {
			return enc.Encode(evt)
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("error watching events: %w", err)
		}
		return nil
	},
}

// buildParams merges a JSON object with key=value pairs.
func buildParams(raw string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("invalid --json: must be a JSON object: %w", err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		params[key] = parseValue(value)
	}
	return params, nil
}

func parseValue(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
