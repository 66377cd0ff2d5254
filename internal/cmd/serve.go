package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/laprincesa/almabot/internal/api"
	"github.com/laprincesa/almabot/internal/config"
	"github.com/laprincesa/almabot/internal/connection"
	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/event"
	"github.com/laprincesa/almabot/internal/lifecycle"
	"github.com/laprincesa/almabot/internal/logging"
	"github.com/laprincesa/almabot/internal/pairing"
	"github.com/laprincesa/almabot/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session and its HTTP control surface",
	Long: `Acquire the session directory lock, bring up the messaging session and
serve the control routes until interrupted.

The process exits immediately if another live process holds the session
lock. Use --force-lock-reset (or FORCE_LOCK_RESET=true) to discard a lock
you know is stuck.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("force-lock-reset", false, "Delete any existing session lock before acquiring")
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	serveCmd.Flags().String("session-dir", "", "Session directory (overrides session.dir)")
	serveCmd.Flags().Bool("print-qr", false, "Print pairing QR codes even when stdout is not a terminal")
	_ = viper.BindPFlag("session.force_lock_reset", serveCmd.Flags().Lookup("force-lock-reset"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("session.dir", serveCmd.Flags().Lookup("session-dir"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	printQR, _ := cmd.Flags().GetBool("print-qr")
	return serve(cmd.Context(), cfg, serveDeps{
		fs:      afero.NewOsFs(),
		logger:  logger,
		stdout:  cmd.OutOrStdout(),
		printQR: printQR,
	})
}

type serveDeps struct {
	fs      afero.Fs
	logger  *logging.Logger
	stdout  io.Writer
	printQR bool
	// factory replaces the bridge driver in tests.
	factory connection.Factory
}

func serve(parent context.Context, cfg *config.Config, deps serveDeps) error {
	logger := deps.logger
	logger.Info("starting almabot",
		"session_dir", cfg.Session.Dir,
		"addr", cfg.Server.ListenAddr(),
		"bridge_url", cfg.Connection.BridgeURL,
	)

	// Nothing touches the session directory before the lock is ours
	lock, err := session.Acquire(cfg.Session.Dir, session.Options{
		StaleAfter: cfg.Session.LockStaleAfter,
		ForceReset: cfg.Session.ForceLockReset,
		Fs:         deps.fs,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("cannot acquire session lock, exiting",
			"error", err.Error(), "severity", errors.GetSeverity(err).String())
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release session lock", "error", err.Error())
		}
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	bus := event.NewBus(event.WithLogger(logger))
	outputs := []string{bus.SubscribeAll(func(e event.Event) {
		logger.Debug("lifecycle event", "type", e.EventType())
	})}
	if cfg.Pairing.Terminal {
		outputs = append(outputs, pairing.NewTerminalPrinter(deps.stdout, deps.printQR, logger).Subscribe(bus))
	}
	if cfg.Pairing.ImageFile != "" {
		outputs = append(outputs, pairing.NewFileWriter(deps.fs, cfg.Pairing.ImageFile, logger).Subscribe(bus)...)
	}
	logger.Debug("event outputs attached", "subscriptions", bus.SubscriptionCount())

	factory := deps.factory
	if factory == nil {
		factory = &connection.BridgeFactory{
			URL:        cfg.Connection.BridgeURL,
			SessionDir: cfg.Session.Dir,
			Logger:     logger,
		}
	}

	ctrl, err := lifecycle.New(lifecycle.Config{
		Factory:           factory,
		Store:             session.NewStore(deps.fs, cfg.Session.Dir, logger),
		Bus:               bus,
		Logger:            logger,
		InitTimeout:       cfg.Connection.InitTimeout,
		RetryDelay:        cfg.Lifecycle.RetryDelay,
		HeartbeatInterval: cfg.Lifecycle.HeartbeatInterval,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	server, err := api.NewServer(api.ServerOptions{
		Addr:       cfg.Server.ListenAddr(),
		Controller: ctrl,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	lockLost := func(cause error) {
		bus.Publish(event.NewLockLostEvent(lock.Path()))
		cancel(cause)
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := server.ListenAndServe(ctx); err != nil {
			cancel(fmt.Errorf("control server: %w", err))
		}
	})
	wg.Go(func() {
		if err := lock.KeepAlive(ctx, cfg.Session.LockRefreshInterval); err != nil {
			lockLost(err)
		}
	})
	if watcher, err := session.NewWatcher(lock, logger); err != nil {
		logger.Warn("lock watcher unavailable, relying on keepalive", "error", err.Error())
	} else {
		wg.Go(func() {
			_ = watcher.Run(ctx, func() {
				lockLost(errors.NewLockError("watch", errors.ErrLockNotHeld).WithDir(cfg.Session.Dir))
			})
		})
	}
	wg.Go(func() {
		if err := ctrl.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("session start failed; POST /restart to retry", "error", err.Error())
		}
	})

	<-ctx.Done()
	cause := context.Cause(ctx)
	logger.Info("shutting down", "reason", cause.Error())

	ctrl.Close()
	wg.Wait()

	// Close has delivered the final IDLE transition to the outputs
	for _, id := range outputs {
		bus.Unsubscribe(id)
	}

	if errors.Is(cause, context.Canceled) {
		return nil
	}
	logger.Error("stopped abnormally", "error", cause.Error(), "severity", errors.GetSeverity(cause).String())
	return cause
}
