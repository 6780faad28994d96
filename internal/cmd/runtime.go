package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pacer/internal/config"
	"github.com/Iron-Ham/pacer/internal/coordination"
	"github.com/Iron-Ham/pacer/internal/logging"
)

// runtimeFs backs the shared store. Tests replace it with a memory filesystem.
var runtimeFs afero.Fs = afero.NewOsFs()

// openRuntime builds an unregistered runtime over the configured runtime
// directory. Commands use it to read and repair shared state without
// joining the fleet.
func openRuntime(cmd *cobra.Command) (*coordination.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NopLogger()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger = logging.NewWithWriter(cmd.ErrOrStderr(), "debug")
	}

	rt, err := coordination.New(cfg,
		coordination.WithFs(runtimeFs),
		coordination.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime at %s: %w", cfg.ResolvedRuntimeDir(), err)
	}
	return rt, nil
}
