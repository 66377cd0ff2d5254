package lifecycle

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/laprincesa/almabot/internal/errors"
)

// maxProbeTimeout caps how long one heartbeat waits for the bridge.
const maxProbeTimeout = 5 * time.Second

// heartbeat logs the controller status and the live bridge state every
// interval. It never changes state or triggers a restart.
func (c *Controller) heartbeat(interval time.Duration) {
	defer close(c.hbDone)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.logger.Debug("process stats unavailable", "error", err.Error())
		proc = nil
	}

	probeTimeout := min(interval, maxProbeTimeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.baseCtx.Done():
			return
		case <-ticker.C:
			c.beat(proc, probeTimeout)
		}
	}
}

func (c *Controller) beat(proc *process.Process, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(c.baseCtx, timeout)
	defer cancel()

	bridgeState, probeErr := c.ProbeState(ctx)
	st := c.Status()

	args := []any{
		"state", st.State.String(),
		"connected", st.Connected,
		"pairing_pending", st.HasPendingPairing,
		"generation", st.Generation,
		"retry_pending", st.RetryPending,
	}
	switch {
	case errors.Is(probeErr, errors.ErrNoHandle):
		args = append(args, "bridge_state", "NO_HANDLE")
	case probeErr != nil:
		args = append(args, "bridge_state", "NO_STATE", "probe_error", probeErr.Error())
	default:
		args = append(args, "bridge_state", bridgeState)
	}
	if proc != nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			args = append(args, "rss_mb", mem.RSS/1024/1024)
		}
	}

	c.logger.Info("heartbeat", args...)
}
