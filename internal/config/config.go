// Package config defines the agent configuration: built-in defaults, file
// loading (JSON or YAML keyed by extension), clamping of out-of-range
// values, and a live Manager that workers snapshot on every pass.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the agent reads. Relative paths (cache_dir,
// state_dir, log_file, status_file, ipc_path) are resolved against the
// config file directory at load time so the agent behaves the same
// regardless of working directory.
type Config struct {
	// Remote campaign API.
	APIURL             string `json:"api_url" yaml:"api_url"`
	APIKey             string `json:"api_key" yaml:"api_key"`
	EnvironmentID      string `json:"environment_id" yaml:"environment_id"`
	OnlyStandby        bool   `json:"only_standby" yaml:"only_standby"`
	SearchIn           string `json:"search_in" yaml:"search_in"`
	IncludeDescendants bool   `json:"include_descendants" yaml:"include_descendants"`
	Limit              int    `json:"limit" yaml:"limit"`
	PollIntervalSec    int    `json:"poll_interval_sec" yaml:"poll_interval_sec"`
	RequestTimeoutSec  int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	DefaultDurationMS  int    `json:"default_duration_ms" yaml:"default_duration_ms"` // used when the API omits exposure time

	// Media storage.
	CacheDir                  string `json:"cache_dir" yaml:"cache_dir"`
	StateDir                  string `json:"state_dir" yaml:"state_dir"` // "" = <cache_dir>/.state
	CacheMaxFiles             int    `json:"cache_max_files" yaml:"cache_max_files"`
	CacheMaxBytes             int64  `json:"cache_max_bytes" yaml:"cache_max_bytes"`
	DownloadRateLimitBytesSec int    `json:"download_rate_limit_bytes_sec" yaml:"download_rate_limit_bytes_sec"` // 0 = unlimited

	// Offline behaviour.
	OfflineFallback                  bool    `json:"offline_fallback" yaml:"offline_fallback"`
	OfflineMaxAgeHours               float64 `json:"offline_max_age_hours" yaml:"offline_max_age_hours"` // 0 = no age limit
	OfflineIgnoreMaxAgeWhenNoNetwork bool    `json:"offline_ignore_max_age_when_no_network" yaml:"offline_ignore_max_age_when_no_network"`
	RequireFullDownloadBeforeSwitch  bool    `json:"require_full_download_before_switch" yaml:"require_full_download_before_switch"`
	AllowEmptyPlaylistFromAPI        bool    `json:"allow_empty_playlist_from_api" yaml:"allow_empty_playlist_from_api"`
	DisableCleanupWhenOffline        bool    `json:"disable_cleanup_when_offline" yaml:"disable_cleanup_when_offline"`

	// Player process.
	PlayerPath      string `json:"player_path" yaml:"player_path"`
	IPCPath         string `json:"ipc_path" yaml:"ipc_path"`
	RotationDeg     int    `json:"rotation_deg" yaml:"rotation_deg"` // 0 | 90 | 180 | 270
	LowResourceMode bool   `json:"low_resource_mode" yaml:"low_resource_mode"`
	PreloadNext     bool   `json:"preload_next" yaml:"preload_next"`
	Mute            bool   `json:"mute" yaml:"mute"`
	LockInput       bool   `json:"lock_input" yaml:"lock_input"`
	Hwdec           string `json:"hwdec" yaml:"hwdec"`

	// Hotkeys and local config UI.
	HotkeysEnabled  bool   `json:"hotkeys_enabled" yaml:"hotkeys_enabled"`
	HotkeyOpenKey   string `json:"hotkey_open_key" yaml:"hotkey_open_key"`
	ConfigUIEnabled bool   `json:"config_ui_enabled" yaml:"config_ui_enabled"`
	ConfigUIBind    string `json:"config_ui_bind" yaml:"config_ui_bind"`
	ConfigUIPort    int    `json:"config_ui_port" yaml:"config_ui_port"`

	// Telemetry heartbeats.
	TelemetryEnabled     bool   `json:"telemetry_enabled" yaml:"telemetry_enabled"`
	TelemetryURL         string `json:"telemetry_url" yaml:"telemetry_url"`
	TelemetryToken       string `json:"telemetry_token" yaml:"telemetry_token"`
	TelemetryIntervalSec int    `json:"telemetry_interval_sec" yaml:"telemetry_interval_sec"`
	TelemetryTimeoutSec  int    `json:"telemetry_timeout_sec" yaml:"telemetry_timeout_sec"`
	StationID            string `json:"station_id" yaml:"station_id"`

	// Logging and status file.
	LogFile           string `json:"log_file" yaml:"log_file"` // "" = stderr only
	LogLevel          string `json:"log_level" yaml:"log_level"`
	StatusFile        string `json:"status_file" yaml:"status_file"` // "" = status writer disabled
	StatusIntervalSec int    `json:"status_interval_sec" yaml:"status_interval_sec"`

	// Watchdog probes.
	WatchdogIntervalSec       int `json:"watchdog_interval_sec" yaml:"watchdog_interval_sec"`
	PlaybackStallSec          int `json:"playback_stall_sec" yaml:"playback_stall_sec"`       // 0 = stall probe off
	PlaybackMismatchSec       int `json:"playback_mismatch_sec" yaml:"playback_mismatch_sec"` // 0 = mismatch probe off
	MediaLoadRetryCooldownSec int `json:"media_load_retry_cooldown_sec" yaml:"media_load_retry_cooldown_sec"`

	// Cache cleanup.
	TmpMaxAgeSec       int `json:"tmp_max_age_sec" yaml:"tmp_max_age_sec"`
	CleanupIntervalSec int `json:"cleanup_interval_sec" yaml:"cleanup_interval_sec"` // 0 = cleanup off

	// UTC cycle synchronisation.
	SyncEnabled               bool   `json:"sync_enabled" yaml:"sync_enabled"`
	SyncDriftThresholdMS      int    `json:"sync_drift_threshold_ms" yaml:"sync_drift_threshold_ms"`
	SyncHardResyncMS          int    `json:"sync_hard_resync_ms" yaml:"sync_hard_resync_ms"`
	SyncBootHardCheckSec      int    `json:"sync_boot_hard_check_sec" yaml:"sync_boot_hard_check_sec"` // 0 = no boot check
	SyncCheckpointIntervalSec int    `json:"sync_checkpoint_interval_sec" yaml:"sync_checkpoint_interval_sec"`
	SyncPrepMode              string `json:"sync_prep_mode" yaml:"sync_prep_mode"` // play_then_resync | wait | wait_until_anchor | hold_until_anchor
	SyncNTPCommand            string `json:"sync_ntp_command" yaml:"sync_ntp_command"`

	// Proof-of-play journal.
	JournalEnabled       bool `json:"journal_enabled" yaml:"journal_enabled"`
	JournalRetentionDays int  `json:"journal_retention_days" yaml:"journal_retention_days"`
}

// prepWaitModes are the sync_prep_mode values that hold playback until the
// daily anchor instead of playing through the PREP window.
var prepWaitModes = map[string]bool{
	"wait":              true,
	"wait_until_anchor": true,
	"hold_until_anchor": true,
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIURL:             "https://api.doohlabs.io/v1/campaigns/search",
		OnlyStandby:        true,
		SearchIn:           "campaign",
		IncludeDescendants: true,
		Limit:              20,
		PollIntervalSec:    1800,
		RequestTimeoutSec:  15,
		DefaultDurationMS:  10000,

		CacheDir: "./media_cache",

		OfflineFallback:                  true,
		OfflineIgnoreMaxAgeWhenNoNetwork: true,
		RequireFullDownloadBeforeSwitch:  true,
		DisableCleanupWhenOffline:        true,

		PlayerPath:  "mpv",
		IPCPath:     DefaultIPCPath(),
		PreloadNext: true,
		LockInput:   true,
		Hwdec:       "auto",

		HotkeysEnabled:  true,
		HotkeyOpenKey:   "Ctrl+s",
		ConfigUIEnabled: true,
		ConfigUIBind:    "127.0.0.1",
		ConfigUIPort:    8765,

		TelemetryEnabled:     true,
		TelemetryURL:         "https://api.doohlabs.io/v1/telemetry",
		TelemetryIntervalSec: 60,
		TelemetryTimeoutSec:  10,

		LogLevel:          "info",
		StatusIntervalSec: 5,

		WatchdogIntervalSec:       10,
		PlaybackStallSec:          25,
		PlaybackMismatchSec:       10,
		MediaLoadRetryCooldownSec: 60,

		TmpMaxAgeSec:       3600,
		CleanupIntervalSec: 1800,

		SyncEnabled:               true,
		SyncDriftThresholdMS:      300,
		SyncHardResyncMS:          1200,
		SyncBootHardCheckSec:      300,
		SyncCheckpointIntervalSec: 3600,
		SyncPrepMode:              "play_then_resync",
		SyncNTPCommand:            DefaultNTPCommand(),

		JournalEnabled:       true,
		JournalRetentionDays: 14,
	}
}

// DefaultIPCPath places the player IPC socket in the system temp dir.
func DefaultIPCPath() string {
	return filepath.Join(os.TempDir(), "mpv-kiosk.sock")
}

// DefaultNTPCommand is the platform clock-nudge command run when the agent
// boots inside the PREP window. Empty means no nudge.
func DefaultNTPCommand() string {
	if runtime.GOOS == "linux" {
		return "chronyc -a makestep"
	}
	return ""
}

// Load reads the file at path over the defaults. A missing file is created
// with defaults so a freshly imaged device boots into offline mode instead
// of crashing. Unknown keys are rejected; env overrides apply last.
func Load(path string) (Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	cfg := Default()

	data, err := os.ReadFile(abs)
	switch {
	case os.IsNotExist(err):
		if werr := Save(abs, cfg); werr != nil {
			return Config{}, fmt.Errorf("config: write defaults: %w", werr)
		}
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", abs, err)
	default:
		if derr := decodeInto(abs, data, &cfg); derr != nil {
			return Config{}, derr
		}
	}

	applyEnvOverrides(&cfg)
	cfg.resolvePaths(filepath.Dir(abs))
	cfg.Clamp()
	return cfg, nil
}

// Save atomically writes cfg to path in the format its extension names.
func Save(path string, cfg Config) error {
	var (
		data []byte
		err  error
	)
	if isYAMLPath(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	}
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return atomicWrite(path, data)
}

// decodeInto overlays the file contents onto cfg, so keys absent from the
// file keep their defaults (including booleans).
func decodeInto(path string, data []byte, cfg *Config) error {
	if isYAMLPath(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) resolvePaths(baseDir string) {
	c.CacheDir = resolveFromBase(baseDir, c.CacheDir)
	c.StateDir = resolveFromBase(baseDir, c.StateDir)
	c.LogFile = resolveFromBase(baseDir, c.LogFile)
	c.StatusFile = resolveFromBase(baseDir, c.StatusFile)
	c.IPCPath = resolveFromBase(baseDir, c.IPCPath)
}

func resolveFromBase(baseDir, value string) string {
	if value == "" {
		return value
	}
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Clean(filepath.Join(baseDir, value))
}

// Clamp coerces out-of-range values back to safe ones. Every load path must
// call it; the rest of the agent assumes clamped values.
func (c *Config) Clamp() {
	def := Default()

	if strings.TrimSpace(c.APIURL) == "" {
		c.APIURL = def.APIURL
	}
	if strings.TrimSpace(c.SearchIn) == "" {
		c.SearchIn = def.SearchIn
	}
	if c.Limit <= 0 {
		c.Limit = def.Limit
	}
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = def.PollIntervalSec
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = def.RequestTimeoutSec
	}
	if c.DefaultDurationMS <= 0 {
		c.DefaultDurationMS = def.DefaultDurationMS
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		c.CacheDir = def.CacheDir
	}
	if c.CacheMaxFiles < 0 {
		c.CacheMaxFiles = 0
	}
	if c.CacheMaxBytes < 0 {
		c.CacheMaxBytes = 0
	}
	if c.DownloadRateLimitBytesSec < 0 {
		c.DownloadRateLimitBytesSec = 0
	}
	if c.OfflineMaxAgeHours < 0 {
		c.OfflineMaxAgeHours = 0
	}
	if strings.TrimSpace(c.PlayerPath) == "" {
		c.PlayerPath = def.PlayerPath
	}
	if strings.TrimSpace(c.IPCPath) == "" {
		c.IPCPath = DefaultIPCPath()
	}
	c.RotationDeg = NormalizeRotation(c.RotationDeg)
	if c.ConfigUIPort <= 0 || c.ConfigUIPort > 65535 {
		c.ConfigUIPort = def.ConfigUIPort
	}
	if strings.TrimSpace(c.ConfigUIBind) == "" {
		c.ConfigUIBind = def.ConfigUIBind
	}
	if c.TelemetryIntervalSec < 0 {
		c.TelemetryIntervalSec = 0
	}
	if c.TelemetryTimeoutSec <= 0 {
		c.TelemetryTimeoutSec = def.TelemetryTimeoutSec
	}
	if c.StatusIntervalSec < 0 {
		c.StatusIntervalSec = 0
	}
	if c.WatchdogIntervalSec <= 0 {
		c.WatchdogIntervalSec = def.WatchdogIntervalSec
	}
	if c.PlaybackStallSec < 0 {
		c.PlaybackStallSec = 0
	}
	if c.PlaybackMismatchSec < 0 {
		c.PlaybackMismatchSec = 0
	}
	if c.MediaLoadRetryCooldownSec < 0 {
		c.MediaLoadRetryCooldownSec = 0
	}
	if c.TmpMaxAgeSec < 0 {
		c.TmpMaxAgeSec = 0
	}
	if c.CleanupIntervalSec < 0 {
		c.CleanupIntervalSec = 0
	}
	if c.SyncDriftThresholdMS < 0 {
		c.SyncDriftThresholdMS = 0
	}
	if c.SyncHardResyncMS < c.SyncDriftThresholdMS {
		c.SyncHardResyncMS = c.SyncDriftThresholdMS
	}
	if c.SyncBootHardCheckSec < 0 {
		c.SyncBootHardCheckSec = 0
	}
	if c.SyncCheckpointIntervalSec <= 0 {
		c.SyncCheckpointIntervalSec = def.SyncCheckpointIntervalSec
	}
	c.SyncPrepMode = strings.ToLower(strings.TrimSpace(c.SyncPrepMode))
	if c.SyncPrepMode != "play_then_resync" && !prepWaitModes[c.SyncPrepMode] {
		c.SyncPrepMode = def.SyncPrepMode
	}
	if c.JournalRetentionDays <= 0 {
		c.JournalRetentionDays = def.JournalRetentionDays
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
}

// StateDirResolved returns state_dir, defaulting to a .state directory
// inside the cache dir so single-directory installs keep working.
func (c Config) StateDirResolved() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	cacheDir := c.CacheDir
	if cacheDir == "" {
		cacheDir = "."
	}
	return filepath.Join(cacheDir, ".state")
}

// CredentialsReady reports whether remote polling can run at all.
func (c Config) CredentialsReady() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.EnvironmentID) != ""
}

// PrepWaitMode reports whether the configured PREP behaviour holds playback
// until the anchor rather than playing through it.
func (c Config) PrepWaitMode() bool {
	return prepWaitModes[c.SyncPrepMode]
}

// NormalizeRotation snaps a rotation to the four orientations the player
// accepts; anything else means an unrotated screen.
func NormalizeRotation(deg int) int {
	switch deg {
	case 0, 90, 180, 270:
		return deg
	}
	return 0
}
