// Package config locates the synchronizer's state directory and loads the
// optional settings file.
//
// Durable reconciliation state (the saved tree, the delta cursor, the
// anchored root id, the sync location) lives in the SQLite store, not
// here — see internal/sync.Store. This package only covers what must be
// known before the store can be opened: where the state directory is, and
// the handful of client tuning knobs read from settings.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvStateDir relocates the state directory (database, token, settings).
// Named for compatibility with the original client's override variable.
const EnvStateDir = "ONEDRIVE_CONFIG_PATH"

// appName is the directory name used under the platform config root.
const appName = "driftsync"

// StateDir returns the directory holding the database, token file, and
// settings. The ONEDRIVE_CONFIG_PATH environment variable overrides the
// platform default (os.UserConfigDir()/driftsync).
func StateDir() (string, error) {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return dir, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locating user config dir: %w", err)
	}

	return filepath.Join(base, appName), nil
}

// DatabasePath returns the SQLite store path inside dir.
func DatabasePath(dir string) string {
	return filepath.Join(dir, "driftsync.db")
}

// TokenPath returns the OAuth token file path inside dir.
func TokenPath(dir string) string {
	return filepath.Join(dir, "token.json")
}

// settingsFile is the optional TOML tuning file inside the state dir.
const settingsFile = "settings.toml"

// Settings are the client tuning knobs. All of them have working defaults;
// the settings file is optional and most installs never create one.
type Settings struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// BandwidthLimit caps transfer throughput, e.g. "2MB/s". "0" or empty
	// means unlimited.
	BandwidthLimit string `toml:"bandwidth_limit"`

	// UserAgent overrides the HTTP User-Agent header.
	UserAgent string `toml:"user_agent"`

	// Websocket enables change-notification sockets in watch mode, so
	// remote edits trigger a run without waiting for the poll interval.
	Websocket bool `toml:"websocket"`

	// PollInterval is the remote poll cadence in watch mode, e.g. "5m".
	PollInterval string `toml:"poll_interval"`
}

// DefaultSettings returns the values used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:       "warn",
		BandwidthLimit: "0",
		Websocket:      true,
		PollInterval:   "5m",
	}
}

// BandwidthBytes parses BandwidthLimit into bytes per second. Accepts a
// bare byte count or a KB/MB/GB-suffixed rate, with an optional "/s".
// Zero means unlimited.
func (s Settings) BandwidthBytes() (int64, error) {
	raw := strings.TrimSpace(s.BandwidthLimit)
	if raw == "" || raw == "0" {
		return 0, nil
	}

	raw = strings.TrimSuffix(strings.ToUpper(raw), "/S")

	multiplier := int64(1)

	switch {
	case strings.HasSuffix(raw, "GB"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "GB")
	case strings.HasSuffix(raw, "MB"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "MB")
	case strings.HasSuffix(raw, "KB"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "KB")
	case strings.HasSuffix(raw, "B"):
		raw = strings.TrimSuffix(raw, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: invalid bandwidth_limit %q", s.BandwidthLimit)
	}

	return n * multiplier, nil
}

// PollDuration parses PollInterval, defaulting to five minutes.
func (s Settings) PollDuration() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}

	return d
}

// LoadSettings reads dir/settings.toml over the defaults. A missing file
// returns the defaults; unknown keys are an error so typos surface instead
// of silently doing nothing.
func LoadSettings(dir string) (Settings, error) {
	s := DefaultSettings()

	path := filepath.Join(dir, settingsFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}

		return s, fmt.Errorf("config: reading %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return s, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return s, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	return s, nil
}
