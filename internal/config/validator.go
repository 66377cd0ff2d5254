package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "session.lock_stale_after")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateSession()...)
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateConnection()...)
	errs = append(errs, c.validateLifecycle()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateSession() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Session.Dir) == "" {
		errs = append(errs, ValidationError{
			Field:   "session.dir",
			Value:   c.Session.Dir,
			Message: "must not be empty",
		})
	}

	const minStale = 5 * time.Second
	if c.Session.LockStaleAfter < minStale {
		errs = append(errs, ValidationError{
			Field:   "session.lock_stale_after",
			Value:   c.Session.LockStaleAfter,
			Message: fmt.Sprintf("must be at least %s", minStale),
		})
	}

	// The owner must refresh at least twice per staleness window or a slow
	// tick could let a second process reclaim a live lock.
	if c.Session.LockRefreshInterval <= 0 || c.Session.LockRefreshInterval*2 > c.Session.LockStaleAfter {
		errs = append(errs, ValidationError{
			Field:   "session.lock_refresh_interval",
			Value:   c.Session.LockRefreshInterval,
			Message: "must be positive and at most half of session.lock_stale_after",
		})
	}

	return errs
}

func (c *Config) validateServer() []ValidationError {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return []ValidationError{{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		}}
	}
	return nil
}

func (c *Config) validateConnection() []ValidationError {
	var errs []ValidationError

	u, err := url.Parse(c.Connection.BridgeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "connection.bridge_url",
			Value:   c.Connection.BridgeURL,
			Message: "must be a ws:// or wss:// URL",
		})
	}

	if c.Connection.InitTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "connection.init_timeout",
			Value:   c.Connection.InitTimeout,
			Message: "must be positive",
		})
	}

	return errs
}

func (c *Config) validateLifecycle() []ValidationError {
	var errs []ValidationError

	// Anything faster hot-loops against a remote that just rejected us.
	const minRetryDelay = 500 * time.Millisecond
	if c.Lifecycle.RetryDelay < minRetryDelay {
		errs = append(errs, ValidationError{
			Field:   "lifecycle.retry_delay",
			Value:   c.Lifecycle.RetryDelay,
			Message: fmt.Sprintf("must be at least %s", minRetryDelay),
		})
	}

	if c.Lifecycle.HeartbeatInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "lifecycle.heartbeat_interval",
			Value:   c.Lifecycle.HeartbeatInterval,
			Message: "must be non-negative (0 disables the heartbeat)",
		})
	}

	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errs
}
