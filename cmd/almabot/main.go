// Package main implements the almabot CLI.
package main

import (
	"os"

	"github.com/laprincesa/almabot/internal/cmd"
	"github.com/laprincesa/almabot/internal/errors"
)

// exitLocked is used when another process holds the session lock, so a
// supervisor can tell contention apart from other failures.
const exitLocked = 3

func main() {
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errors.ErrSessionLocked) {
			os.Exit(exitLocked)
		}
		os.Exit(1)
	}
}
