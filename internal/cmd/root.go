package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/laprincesa/almabot/internal/cmd/config"
	"github.com/laprincesa/almabot/internal/cmd/lock"
	appconfig "github.com/laprincesa/almabot/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "almabot",
	Short: "Session lifecycle service for the restaurant chat-bot",
	Long: `almabot keeps one messaging session alive for the restaurant bot.

It holds an exclusive lock on the session directory, drives the automation
bridge through pairing, connection and reconnection, wipes the session after
a remote logout and serves a small HTTP control surface.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadConfigFile)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a YAML config file (default "+appconfig.ConfigFile()+")")
	_ = viper.BindPFlag("config", flags.Lookup("config"))

	config.Register(rootCmd)
	lock.Register(rootCmd)
}

// loadConfigFile layers the optional config file over the built-in defaults
// and ALMABOT_* environment variables. A missing file is not an error.
func loadConfigFile() {
	appconfig.SetDefaults(viper.GetViper())

	explicit := viper.GetString("config")
	if explicit != "" {
		viper.SetConfigFile(explicit)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, dir := range []string{appconfig.ConfigDir(), "."} {
			viper.AddConfigPath(dir)
		}
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && (explicit != "" || !errors.As(err, &notFound)) {
		fmt.Fprintf(os.Stderr, "almabot: ignoring config file: %v\n", err)
	}
}
