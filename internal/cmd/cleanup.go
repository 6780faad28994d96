package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pacer/internal/errors"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove state left behind by crashed instances",
	Long: `Cleanup reclaims shared runtime state that no live instance owns:

  - heartbeat leases whose instance stopped refreshing them
  - advisory locks past their TTL
  - queue-state records of dead instances

Live instances do this on their own heartbeat; run it by hand after a
crash when no instance is running. Use --checkpoints to also prune
preemption checkpoints older than the given age.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Duration("checkpoints", 0, "also prune checkpoints older than this age (0 keeps them)")
	cleanupCmd.Flags().Bool("json", false, "output as JSON")
}

// cleanupResult counts what was removed.
type cleanupResult struct {
	Leases      int `json:"leases"`
	Locks       int `json:"locks"`
	QueueStates int `json:"queue_states"`
	Checkpoints int `json:"checkpoints"`
}

func runCleanup(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var res cleanupResult
	var errs []error

	// Leases first, so the queue-state pass sees the reclaimed instances as gone
	if res.Leases, err = rt.Registry().CleanupDeadInstances(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leases: %w", err))
	}
	if res.QueueStates, err = rt.Stealing().CleanupQueueStates(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue states: %w", err))
	}
	if res.Locks, err = rt.Store().CleanupExpiredLocks(); err != nil {
		errs = append(errs, fmt.Errorf("locks: %w", err))
	}
	if maxAge, _ := cmd.Flags().GetDuration("checkpoints"); maxAge > 0 {
		if res.Checkpoints, err = rt.Checkpoints().Prune(maxAge); err != nil {
			errs = append(errs, fmt.Errorf("checkpoints: %w", err))
		}
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Removed %d dead lease(s), %d stale queue state(s), %d expired lock(s)", res.Leases, res.QueueStates, res.Locks)
		if res.Checkpoints > 0 {
			fmt.Fprintf(out, ", %d checkpoint(s)", res.Checkpoints)
		}
		fmt.Fprintln(out)
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup incomplete: %w", errors.Join(errs...))
	}
	return nil
}
