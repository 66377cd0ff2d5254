// Package config provides CLI commands for inspecting almabot configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/laprincesa/almabot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View almabot configuration",
	Long: `View almabot configuration.

Without arguments, displays the effective configuration (defaults, config
file and environment combined). Use subcommands to create a config file or
check it.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/almabot/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration for errors",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load(viper.GetViper())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults and environment)")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := appconfig.Load(viper.GetViper()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}

// defaultConfigContent is written by config init.
const defaultConfigContent = `# almabot configuration
# Environment variables override this file: ALMABOT_<SECTION>_<KEY>, plus
# SESSION_DIR, LOCK_STALE_AFTER, FORCE_LOCK_RESET, PORT and BRIDGE_URL.

session:
  # Directory holding the bridge's auth state and the lock file
  dir: .wwebjs_auth
  # A lock not refreshed for this long may be taken over
  lock_stale_after: 2m
  # How often the running process touches its lock
  lock_refresh_interval: 30s
  # Delete any existing lock on start (operator escape hatch)
  force_lock_reset: false

server:
  host: ""
  port: 3000

connection:
  # Websocket endpoint of the automation bridge
  bridge_url: ws://127.0.0.1:9380/session
  init_timeout: 90s

lifecycle:
  # Delay before reconnecting after a disconnect
  retry_delay: 2s
  # How often to log a heartbeat (0 disables it)
  heartbeat_interval: 10s

pairing:
  # Print QR codes to the terminal
  terminal: true
  # Also write the current QR code to this PNG file
  image_file: ""

logging:
  # debug, info, warn or error
  level: info
  # Log to this file instead of stderr
  file: ""
  max_size_mb: 10
  max_backups: 3
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(configFile); err == nil && !force {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", configFile)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize almabot's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_LIFECYCLE_RETRY_DELAY)\n", appconfig.EnvPrefix, appconfig.EnvPrefix)
	return nil
}
