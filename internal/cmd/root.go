package cmd

import (
	"context"
	"strings"

	"github.com/Iron-Ham/pacer/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pacer",
	Short: "Inspect and maintain a fleet of LLM rate-limit coordinators",
	Long: `Pacer coordinates LLM request concurrency across every process that
shares a runtime directory. Each instance holds a heartbeat lease, learns
provider limits from 429 responses, and may steal queued work from busier
peers.

These commands read and repair the shared runtime state.`,
	SilenceUsage: true,
}

// Execute runs the root command. Cancelling ctx aborts lock waits in
// long-running commands.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/pacer/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "write debug logs to stderr")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PACER")
	// e.g., PACER_SCHEDULER_TICK_INTERVAL_MS for scheduler.tick_interval_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = config.BindEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
