package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pacer/internal/presets"
)

var presetsCmd = &cobra.Command{
	Use:   "presets [provider]",
	Short: "Show the effective provider preset table",
	Long: `Show the static per-provider limits, after layering the presets file
(presets.file) over the built-in table. Model rules are listed in match
order after each tier's default.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPresets,
}

func init() {
	rootCmd.AddCommand(presetsCmd)
	presetsCmd.Flags().Bool("json", false, "output as JSON")
}

// presetRow is one line of the flattened table.
type presetRow struct {
	Provider string `json:"provider"`
	Tier     string `json:"tier"`
	Pattern  string `json:"pattern"`
	presets.Limits
}

func runPresets(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	table := rt.Presets()

	var only string
	if len(args) == 1 {
		only = strings.ToLower(args[0])
		if _, ok := table.Providers[only]; !ok {
			return fmt.Errorf("unknown provider %q", args[0])
		}
	}

	var entries []presetRow
	for _, e := range table.Entries() {
		if only != "" && e.Provider != only {
			continue
		}
		entries = append(entries, presetRow{Provider: e.Provider, Tier: e.Tier, Pattern: e.Pattern, Limits: e.Limits})
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			DefaultTier string         `json:"default_tier"`
			Fallback    presets.Limits `json:"fallback"`
			Entries     []presetRow    `json:"entries"`
		}{table.DefaultTier, table.Fallback, entries})
	}

	fmt.Fprintf(out, "Default tier: %s\n", table.DefaultTier)
	fmt.Fprintf(out, "Fallback:     %d concurrent, %d rpm\n", table.Fallback.Concurrency, table.Fallback.RPM)

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		tpm := "-"
		if e.TPM > 0 {
			tpm = strconv.Itoa(e.TPM)
		}
		rows = append(rows, []string{e.Provider, e.Tier, e.Pattern, strconv.Itoa(e.Concurrency), strconv.Itoa(e.RPM), tpm})
	}
	section(out, "Presets")
	renderTable(out, []string{"PROVIDER", "TIER", "MODEL", "CONCURRENCY", "RPM", "TPM"}, rows)
	return nil
}
