package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses PULSECACHE_CONFIG_DIR env var if set, otherwise defaults to
// ~/.pulsecache. Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("PULSECACHE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pulsecache")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path for the IPC server.
func SocketPath() string {
	return filepath.Join(getConfigDir(), "daemon.sock")
}

// PidPath returns the PID file path.
func PidPath() string {
	return filepath.Join(getConfigDir(), "daemon.pid")
}

// LogPath returns the log file path.
// Uses PULSECACHE_DAEMON_LOG env var if set.
func LogPath() string {
	if envPath := os.Getenv("PULSECACHE_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// LockPath returns the lock file path.
func LockPath() string {
	return filepath.Join(getConfigDir(), "daemon.lock")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// Settings is the daemon configuration from settings.yaml. The poll
// intervals are the latency/cost trade-off knobs: fast_poll_ms bounds how
// quickly a signalled change is noticed, full_poll_ms bounds how stale a
// node can stay when every signal is missed.
type Settings struct {
	LogLevel      string `yaml:"log_level"`      // trace, debug, info, warn, off (default: off)
	Listen        string `yaml:"listen"`         // subscriber websocket address (default: 127.0.0.1:7421)
	LogDB         string `yaml:"log_db"`         // operation log database path
	MarkerFile    string `yaml:"marker_file"`    // shared change marker path
	FastPollMS    int    `yaml:"fast_poll_ms"`   // marker observe period (default: 250)
	FullPollMS    int    `yaml:"full_poll_ms"`   // unconditional drain period (default: 15000)
	CacheCapacity int    `yaml:"cache_capacity"` // max cached entries (default: 1024)
	QueueSize     int    `yaml:"queue_size"`     // per-subscriber push queue (default: 64)
	BusyTimeout   int    `yaml:"busy_timeout"`   // sqlite busy_timeout in ms, 0 = default
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.Listen == "" {
		s.Listen = "127.0.0.1:7421"
	}
	if s.LogDB == "" {
		s.LogDB = filepath.Join(getConfigDir(), "oplog.db")
	}
	if s.MarkerFile == "" {
		s.MarkerFile = filepath.Join(getConfigDir(), "changed")
	}
	if s.FastPollMS <= 0 {
		s.FastPollMS = 250
	}
	if s.FullPollMS <= 0 {
		s.FullPollMS = 15000
	}
	if s.CacheCapacity <= 0 {
		s.CacheCapacity = 1024
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 64
	}
}

// FastInterval returns the marker observe period.
func (s *Settings) FastInterval() time.Duration {
	return time.Duration(s.FastPollMS) * time.Millisecond
}

// FullInterval returns the unconditional drain period.
func (s *Settings) FullInterval() time.Duration {
	return time.Duration(s.FullPollMS) * time.Millisecond
}

// LoggingEnabled returns whether logging is enabled (any level other than
// "off", "none" or empty).
func (s *Settings) LoggingEnabled() bool {
	level := strings.ToLower(s.LogLevel)
	return level != "" && level != "none" && level != "off"
}

// LoadSettings loads settings.yaml from the config dir. A missing file
// yields defaults.
func LoadSettings() (*Settings, error) {
	settings := &Settings{}
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings.ApplyDefaults()
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	settings.ApplyDefaults()
	return settings, nil
}
