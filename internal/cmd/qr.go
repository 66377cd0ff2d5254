package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/laprincesa/almabot/internal/api"
	"github.com/laprincesa/almabot/internal/errors"
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Save the pending pairing QR code of a running almabot",
	Long: `Download the pairing QR code from a running almabot and save it as a PNG.
Scan it from the phone's Linked Devices screen to pair the session.`,
	Args: cobra.NoArgs,
	RunE: runQR,
}

func init() {
	addControlFlags(qrCmd)
	qrCmd.Flags().StringP("output", "o", "qr.png", "File to write the PNG to")
	rootCmd.AddCommand(qrCmd)
}

func runQR(cmd *cobra.Command, args []string) error {
	client, err := controlClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	img, err := client.PairingImage(ctx)
	switch {
	case errors.Is(err, api.ErrAlreadyConnected):
		fmt.Fprintln(out, okStyle.Render("Already connected")+dimStyle.Render(", nothing to pair"))
		return nil
	case errors.Is(err, api.ErrPairingUnavailable):
		return fmt.Errorf("no pairing code yet, try again in a few seconds")
	case err != nil:
		return fmt.Errorf("failed to fetch pairing code: %w", err)
	}

	path, _ := cmd.Flags().GetString("output")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Pairing code saved to %s\n", path)
	return nil
}
