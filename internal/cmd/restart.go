package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the session of a running almabot",
	Long: `Ask a running almabot to destroy its connection and initialize a new one.
Persisted credentials are kept; the session reconnects without pairing if
they are still valid.`,
	Args: cobra.NoArgs,
	RunE: runRestart,
}

func init() {
	addControlFlags(restartCmd)
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}

	if err := client.Restart(cmd.Context()); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Restarted")+dimStyle.Render(" (check progress with almabot status)"))
	return nil
}
