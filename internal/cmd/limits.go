package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/limits"
)

var limitsCmd = &cobra.Command{
	Use:   "limits <provider> <model>",
	Short: "Resolve the effective concurrency limit for a model",
	Long: `Resolve the limit this machine would apply to a request right now.

The result combines the static preset, the limit learned from past 429
responses, this instance's share of the fleet budget, and any
PACER_MAX_CONCURRENCY override. The most restrictive input wins and is
reported as the limiting factor.

Examples:
  pacer limits anthropic claude-opus-4
  pacer limits openai gpt-4o-mini --tier scale --json
  pacer limits anthropic claude-haiku --operation tool_call`,
	Args: cobra.ExactArgs(2),
	RunE: runLimits,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
	limitsCmd.Flags().String("tier", "", "account tier (default from the preset table)")
	limitsCmd.Flags().String("operation", string(limits.OperationLLM), "operation type: llm or tool_call")
	limitsCmd.Flags().String("priority", "", "request priority, for display only")
	limitsCmd.Flags().Bool("json", false, "output as JSON")
}

func runLimits(cmd *cobra.Command, args []string) error {
	tier, _ := cmd.Flags().GetString("tier")
	op, _ := cmd.Flags().GetString("operation")
	priority, _ := cmd.Flags().GetString("priority")

	opType := limits.OperationType(op)
	if opType != limits.OperationLLM && opType != limits.OperationToolCall {
		return errors.Validation("limits", "operation", fmt.Sprintf("must be %q or %q, got %q", limits.OperationLLM, limits.OperationToolCall, op))
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	if err := rt.RateControl().Load(); err != nil {
		return fmt.Errorf("failed to load learned limits: %w", err)
	}
	rt.Registry().RefreshShare()

	in := limits.Input{
		Provider:      strings.ToLower(args[0]),
		Model:         args[1],
		Tier:          tier,
		OperationType: opType,
		Priority:      priority,
	}
	res := rt.Resolver().Resolve(in)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printLimits(out, in, res)
	return nil
}

func printLimits(w io.Writer, in limits.Input, res limits.Result) {
	fmt.Fprintf(w, "%s:%s (%s)\n", in.Provider, in.Model, in.OperationType)
	fmt.Fprintln(w, strings.Repeat("─", 50))
	fmt.Fprintf(w, "Effective concurrency: %d\n", res.EffectiveConcurrency)
	fmt.Fprintf(w, "Effective RPM:         %d\n", res.EffectiveRPM)
	if res.EffectiveTPM > 0 {
		fmt.Fprintf(w, "Effective TPM:         %d\n", res.EffectiveTPM)
	}
	fmt.Fprintf(w, "Limiting factor:       %s\n", res.LimitingFactor)
	if res.LimitingReason != "" {
		fmt.Fprintf(w, "                       %s\n", muted(w, res.LimitingReason))
	}
	fmt.Fprintf(w, "Preset source:         %s\n", res.PresetSource)

	fmt.Fprintln(w, "\nBreakdown:")
	b := res.Breakdown
	fmt.Fprintf(w, "  preset          %d\n", b.Preset)
	fmt.Fprintf(w, "  adaptive        %d\n", b.Adaptive)
	fmt.Fprintf(w, "  cross_instance  %d\n", b.CrossInstance)
	fmt.Fprintf(w, "  runtime         %d\n", b.Runtime)
	if b.Prediction != nil {
		fmt.Fprintf(w, "  prediction      p(429)=%.2f throttled=%v\n", b.Prediction.Probability, b.Prediction.Throttled)
	}
}
