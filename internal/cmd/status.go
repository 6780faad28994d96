package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pacer/internal/coordination"
	"github.com/Iron-Ham/pacer/internal/ratecontrol"
	"github.com/Iron-Ham/pacer/internal/registry"
	"github.com/Iron-Ham/pacer/internal/store"
	"github.com/Iron-Ham/pacer/internal/totallimit"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instances, learned limits, and locks",
	Long: `Show the shared runtime state: live instances and their load, the
adaptive fleet-wide limit, per-model limits learned from 429 responses,
and the advisory locks currently held.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "output as JSON")
}

// statusReport is everything status shows.
type statusReport struct {
	RuntimeDir    string                              `json:"runtime_dir"`
	Instances     []registry.InstanceInfo             `json:"instances"`
	TotalMaxLLM   int                                 `json:"total_max_llm"`
	TotalLimit    *totallimit.State                   `json:"total_limit,omitempty"`
	LearnedLimits map[string]ratecontrol.LearnedLimit `json:"learned_limits"`
	Locks         []store.Lock                        `json:"locks"`
	GeneratedAt   time.Time                           `json:"generated_at"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}

	report, err := collectStatus(rt)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(out, report)
	return nil
}

func collectStatus(rt *coordination.Runtime) (*statusReport, error) {
	instances, err := rt.Registry().GetActiveInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	if err := rt.RateControl().Load(); err != nil {
		return nil, fmt.Errorf("failed to load learned limits: %w", err)
	}
	locks, err := rt.Store().ListLocks()
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}

	report := &statusReport{
		RuntimeDir:    rt.Store().Root(),
		Instances:     instances,
		TotalMaxLLM:   rt.Registry().TotalMaxLLM(),
		LearnedLimits: rt.RateControl().Snapshot(),
		Locks:         locks,
		GeneratedAt:   time.Now(),
	}
	if rt.Config().TotalLimit.Enabled {
		st, err := rt.TotalLimit().State()
		if err != nil {
			return nil, fmt.Errorf("failed to read total limit: %w", err)
		}
		report.TotalLimit = &st
	}
	return report, nil
}

func printStatus(w io.Writer, r *statusReport) {
	now := r.GeneratedAt
	width := terminalWidth(w)

	fmt.Fprintf(w, "Runtime: %s\n", r.RuntimeDir)

	section(w, fmt.Sprintf("Instances (%d active, fleet budget %d)", len(r.Instances), r.TotalMaxLLM))
	rows := make([][]string, 0, len(r.Instances))
	for _, inst := range r.Instances {
		models := strings.Join(inst.ActiveModels, ",")
		if models == "" {
			models = "-"
		}
		rows = append(rows, []string{
			inst.InstanceID,
			strconv.Itoa(inst.PID),
			inst.Hostname,
			strconv.Itoa(inst.PendingTaskCount),
			models,
			age(now, inst.LastHeartbeat),
			truncate(inst.Cwd, max(20, width/4)),
		})
	}
	renderTable(w, []string{"ID", "PID", "HOST", "PENDING", "MODELS", "HEARTBEAT", "CWD"}, rows)

	section(w, "Total limit")
	if r.TotalLimit == nil {
		fmt.Fprintln(w, "  disabled")
	} else {
		tl := r.TotalLimit
		fmt.Fprintf(w, "  learned %d (base %d, range %d-%d)\n", tl.LearnedLimit, tl.BaseLimit, tl.MinLimit, tl.HardMax)
		if tl.LastDecisionReason != "" {
			fmt.Fprintf(w, "  last decision: %s %s\n", tl.LastDecisionReason,
				muted(w, age(now, time.UnixMilli(tl.LastDecisionAtMs))))
		}
		if tl.CooldownUntilMs > now.UnixMilli() {
			fmt.Fprintf(w, "  cooling down for %s\n", time.UnixMilli(tl.CooldownUntilMs).Sub(now).Round(time.Second))
		}
		fmt.Fprintf(w, "  samples in window: %d\n", len(tl.Samples))
	}

	section(w, "Learned limits")
	keys := make([]string, 0, len(r.LearnedLimits))
	for k := range r.LearnedLimits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows = rows[:0]
	for _, k := range keys {
		l := r.LearnedLimits[k]
		recovery := "-"
		if l.RecoveryScheduled {
			recovery = age(now, l.RecoveryDueAt)
		}
		rows = append(rows, []string{
			k,
			fmt.Sprintf("%d/%d", l.Concurrency, l.OriginalConcurrency),
			strconv.Itoa(l.Total429Count),
			age(now, l.Last429At),
			fmt.Sprintf("%.2f", l.Predicted429Probability),
			recovery,
		})
	}
	renderTable(w, []string{"MODEL", "LIMIT", "429S", "LAST 429", "P(429)", "RECOVERY"}, rows)

	section(w, "Locks")
	rows = rows[:0]
	for _, l := range r.Locks {
		state := age(now, l.ExpiresAt)
		if l.Expired(now) {
			state = "expired " + state
		}
		rows = append(rows, []string{l.Resource, l.Owner, age(now, l.AcquiredAt), state})
	}
	renderTable(w, []string{"RESOURCE", "OWNER", "ACQUIRED", "EXPIRES"}, rows)
}
