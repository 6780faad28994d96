package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/pacer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View Pacer configuration",
	Long: `View Pacer configuration.

Without arguments, displays the effective configuration after merging
defaults, the config file, and PACER_* environment variables.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a config file at ~/.config/pacer/config.yaml holding every available option.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// settings returns the effective configuration keyed the way the config
// file spells it.
func settings() (map[string]any, error) {
	if _, err := config.Load(); err != nil {
		return nil, err
	}
	all := viper.AllSettings()
	delete(all, "config")
	return all, nil
}

// configFileUsed returns the config file viper read, or "" when none exists.
func configFileUsed() string {
	used := viper.ConfigFileUsed()
	if used == "" {
		return ""
	}
	if _, err := os.Stat(used); err != nil {
		return ""
	}
	return used
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	all, err := settings()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if used := configFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	}
	fmt.Fprintf(out, "# Runtime dir: %s\n", config.Get().ResolvedRuntimeDir())

	data, err := yaml.Marshal(all)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	all, err := settings()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	data, err := yaml.Marshal(all)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := "# Pacer configuration\n# Durations are in milliseconds (*_ms keys).\n\n"
	if err := os.WriteFile(configFile, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if used := configFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: PACER_* (e.g., PACER_SCHEDULER_TICK_INTERVAL_MS)")
	return nil
}
