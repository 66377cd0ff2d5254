// Package logging provides structured logging for the almabot service.
//
// It wraps Go's log/slog JSON handler behind a small [Logger] type with
// persistent attributes. Components derive child loggers with [Logger.With]
// or [Logger.WithComponent] so every record carries where it came from:
//
//	logger, err := logging.New(logging.Options{Level: "info"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	ctrlLog := logger.WithComponent("lifecycle")
//	ctrlLog.Info("state changed", "from", "INITIALIZING", "to", "CONNECTED")
//
// When Options.File is set the records go to a [RotatingWriter] that rolls
// the file over once it grows past MaxSizeMB, keeping MaxBackups old files.
//
// All types in this package are safe for concurrent use.
package logging
