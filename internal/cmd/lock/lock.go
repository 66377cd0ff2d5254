// Package lock provides CLI commands for inspecting and clearing the session
// directory lock.
package lock

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/laprincesa/almabot/internal/config"
	"github.com/laprincesa/almabot/internal/session"
)

// fs is swapped for an in-memory filesystem in tests.
var fs afero.Fs = afero.NewOsFs()

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(14)
	freshStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the session directory lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the session lock",
	Args:  cobra.NoArgs,
	RunE:  runLockStatus,
}

var lockResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove a stale session lock",
	Long: `Remove the session lock file.

A lock that is still being refreshed belongs to a running almabot and is only
removed with --force. Removing a live lock makes that process shut down.`,
	Args: cobra.NoArgs,
	RunE: runLockReset,
}

func init() {
	lockCmd.PersistentFlags().String("dir", "", "Session directory (default from session.dir)")
	lockResetCmd.Flags().BoolP("force", "f", false, "Remove the lock even if it is fresh")
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockResetCmd)
}

// Register adds the lock commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(lockCmd)
}

func inspect(cmd *cobra.Command) (*session.LockStatus, error) {
	cfg, err := appconfig.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.Session.Dir
	}
	return session.Inspect(fs, dir, cfg.Session.LockStaleAfter)
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	st, err := inspect(cmd)
	if err != nil {
		return err
	}
	printLockStatus(cmd.OutOrStdout(), st)
	return nil
}

func printLockStatus(out io.Writer, st *session.LockStatus) {
	row := func(label, value string) {
		fmt.Fprintln(out, labelStyle.Render(label)+value)
	}

	row("Lock file:", st.Path)
	if !st.Held {
		row("Status:", dimStyle.Render("not held"))
		return
	}

	if st.Stale {
		row("Status:", staleStyle.Render("stale"))
	} else {
		row("Status:", freshStyle.Render("held"))
	}
	row("Refreshed:", fmt.Sprintf("%s ago", st.Age.Round(time.Second)))
	if st.Holder == nil {
		row("Holder:", dimStyle.Render("unreadable"))
		return
	}
	alive := "not running"
	if st.OwnerAlive {
		alive = "running"
	}
	row("Holder:", fmt.Sprintf("pid %d on %s (%s)", st.Holder.PID, st.Holder.Hostname, alive))
	row("Owner ID:", st.Holder.OwnerID)
	row("Acquired:", st.Holder.AcquiredAt.Format("2006-01-02 15:04:05"))
}

func runLockReset(cmd *cobra.Command, args []string) error {
	st, err := inspect(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !st.Held {
		fmt.Fprintln(out, "No lock to remove.")
		return nil
	}

	force, _ := cmd.Flags().GetBool("force")
	if !st.Stale && !force {
		holder := "another process"
		if st.Holder != nil {
			holder = fmt.Sprintf("pid %d on %s", st.Holder.PID, st.Holder.Hostname)
		}
		return fmt.Errorf("lock is held by %s and was refreshed %s ago; use --force to remove it anyway",
			holder, st.Age.Round(time.Second))
	}

	if err := fs.Remove(st.Path); err != nil {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	fmt.Fprintf(out, "Removed %s\n", st.Path)
	return nil
}
