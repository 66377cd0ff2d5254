package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/laprincesa/almabot/internal/api"
	"github.com/laprincesa/almabot/internal/config"
)

const requestTimeout = 10 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running almabot",
	Long: `Query the control surface of a running almabot and display the session
lifecycle state, the live bridge state and whether a pairing code is waiting
to be scanned.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	addControlFlags(statusCmd)
	statusCmd.Flags().Bool("json", false, "Print the raw status as JSON")
	rootCmd.AddCommand(statusCmd)
}

// addControlFlags adds the flags shared by commands talking to a running
// server.
func addControlFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "Control server address (default from server.host and server.port)")
}

func controlClient(cmd *cobra.Command) (*api.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		addr = cfg.Server.ListenAddr()
	}
	return api.NewClient(addr), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach almabot at %s: %w", client.BaseURL(), err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	// The live probe is informational; a failure does not fail the command
	bridge := "unknown"
	if live, err := client.State(ctx); err == nil {
		if live.State != nil {
			bridge = *live.State
		} else {
			bridge = "no handle"
		}
	}

	printStatus(out, st, bridge)
	return nil
}

func printStatus(out io.Writer, st api.StatusResponse, bridge string) {
	since := "-"
	if !st.Since.IsZero() {
		since = fmt.Sprintf("%s (%s ago)", st.Since.Format("2006-01-02 15:04:05"), time.Since(st.Since).Round(time.Second))
	}

	fmt.Fprintln(out, field("State:", stateStyle(st.State).Render(st.State)))
	fmt.Fprintln(out, field("Since:", since))
	fmt.Fprintln(out, field("Generation:", fmt.Sprintf("%d", st.Generation)))
	fmt.Fprintln(out, field("Bridge state:", bridge))
	if st.PairingPending {
		fmt.Fprintln(out, field("Pairing:", warnStyle.Render("waiting for scan")+dimStyle.Render(" (almabot qr)")))
	}
	if st.RetryPending {
		fmt.Fprintln(out, field("Retry:", "scheduled"))
	}
	if st.LastError != "" {
		fmt.Fprintln(out, field("Last error:", errStyle.Render(st.LastError)))
	}
}
