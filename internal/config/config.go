// Package config loads almabot configuration from defaults, an optional
// YAML file and the environment, using viper.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every automatically bound environment variable,
// e.g. ALMABOT_LIFECYCLE_RETRY_DELAY for lifecycle.retry_delay.
const EnvPrefix = "ALMABOT"

// Config represents the complete almabot configuration
type Config struct {
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle" yaml:"lifecycle"`
	Pairing    PairingConfig    `mapstructure:"pairing" yaml:"pairing"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// SessionConfig controls the persisted session directory and its lock
type SessionConfig struct {
	// Dir holds the automation bridge's auth state and the lock file.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// LockStaleAfter is how old the lock file's mtime must be before another
	// process may reclaim it.
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after" yaml:"lock_stale_after"`
	// LockRefreshInterval is how often the owner touches the lock file.
	// Must be well below LockStaleAfter.
	LockRefreshInterval time.Duration `mapstructure:"lock_refresh_interval" yaml:"lock_refresh_interval"`
	// ForceLockReset deletes any existing lock before acquiring. Operator
	// escape hatch for a stuck lock.
	ForceLockReset bool `mapstructure:"force_lock_reset" yaml:"force_lock_reset"`
}

// ServerConfig controls the HTTP control surface
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// ConnectionConfig controls how connection handles reach the automation bridge
type ConnectionConfig struct {
	// BridgeURL is the websocket endpoint of the automation bridge.
	BridgeURL string `mapstructure:"bridge_url" yaml:"bridge_url"`
	// InitTimeout bounds a single Initialize call.
	InitTimeout time.Duration `mapstructure:"init_timeout" yaml:"init_timeout"`
}

// LifecycleConfig controls reconnection and health reporting
type LifecycleConfig struct {
	// RetryDelay is the fixed delay before re-initializing after a disconnect.
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// HeartbeatInterval is how often the connection state is probed and
	// logged (0 = disabled).
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// PairingConfig controls where pairing QR codes are shown besides HTTP
type PairingConfig struct {
	// Terminal prints the QR code to stdout when it is a terminal.
	Terminal bool `mapstructure:"terminal" yaml:"terminal"`
	// ImageFile, when set, receives a PNG copy of each QR code (best effort).
	ImageFile string `mapstructure:"image_file" yaml:"image_file"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// File sends logs to a rotating file instead of stderr when set.
	File string `mapstructure:"file" yaml:"file"`
	// MaxSizeMB is the maximum log file size before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Dir:                 ".wwebjs_auth",
			LockStaleAfter:      120 * time.Second,
			LockRefreshInterval: 30 * time.Second,
			ForceLockReset:      false,
		},
		Server: ServerConfig{
			Host: "",
			Port: 3000,
		},
		Connection: ConnectionConfig{
			BridgeURL:   "ws://127.0.0.1:9380/session",
			InitTimeout: 90 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			RetryDelay:        2 * time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Pairing: PairingConfig{
			Terminal:  true,
			ImageFile: "",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// envAliases are the plain operator-facing variable names accepted in
// addition to the ALMABOT_ prefixed ones.
var envAliases = map[string]string{
	"session.dir":              "SESSION_DIR",
	"session.lock_stale_after": "LOCK_STALE_AFTER",
	"session.force_lock_reset": "FORCE_LOCK_RESET",
	"server.port":              "PORT",
	"connection.bridge_url":    "BRIDGE_URL",
}

// SetDefaults registers default values and environment bindings with v
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("session.dir", d.Session.Dir)
	v.SetDefault("session.lock_stale_after", d.Session.LockStaleAfter)
	v.SetDefault("session.lock_refresh_interval", d.Session.LockRefreshInterval)
	v.SetDefault("session.force_lock_reset", d.Session.ForceLockReset)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("connection.bridge_url", d.Connection.BridgeURL)
	v.SetDefault("connection.init_timeout", d.Connection.InitTimeout)

	v.SetDefault("lifecycle.retry_delay", d.Lifecycle.RetryDelay)
	v.SetDefault("lifecycle.heartbeat_interval", d.Lifecycle.HeartbeatInterval)

	v.SetDefault("pairing.terminal", d.Pairing.Terminal)
	v.SetDefault("pairing.image_file", d.Pairing.ImageFile)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)

	v.SetEnvPrefix(EnvPrefix)
	// e.g., ALMABOT_SESSION_DIR for session.dir
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, alias)
	}
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisecondsHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// millisecondsHook lets durations be given as bare integers, read as
// milliseconds (LOCK_STALE_AFTER=120000).
func millisecondsHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(ms) * time.Millisecond, nil
			}
		case reflect.Int, reflect.Int32, reflect.Int64:
			if d, ok := data.(time.Duration); ok {
				return d, nil
			}
			return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
		}
		return data, nil
	}
}

// ListenAddr returns host:port for the HTTP server.
func (s ServerConfig) ListenAddr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "almabot")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".almabot"
	}
	return filepath.Join(home, ".config", "almabot")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
