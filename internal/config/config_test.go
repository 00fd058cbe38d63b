package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoad_missingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSec != 1800 {
		t.Errorf("PollIntervalSec default: got %d", cfg.PollIntervalSec)
	}
	if !cfg.OnlyStandby || !cfg.RequireFullDownloadBeforeSwitch {
		t.Error("boolean defaults should be true")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults should be written back: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("re-Load: %v", err)
	}
	if again != cfg {
		t.Error("re-loading the written defaults should round-trip")
	}
}

func TestLoad_overlayKeepsAbsentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"only_standby": false, "poll_interval_sec": 60, "environment_id": "env-1"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OnlyStandby {
		t.Error("only_standby=false in file should override the true default")
	}
	if cfg.PollIntervalSec != 60 {
		t.Errorf("PollIntervalSec: got %d, want 60", cfg.PollIntervalSec)
	}
	if !cfg.RequireFullDownloadBeforeSwitch {
		t.Error("keys absent from the file should keep defaults")
	}
	if cfg.EnvironmentID != "env-1" {
		t.Errorf("EnvironmentID: got %q", cfg.EnvironmentID)
	}
}

func TestLoad_rejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"pol_interval_sec": 60}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("misspelled key should fail the load")
	}
}

func TestLoad_yaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "poll_interval_sec: 120\nsync_prep_mode: WAIT\nrotation_deg: 90\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSec != 120 {
		t.Errorf("PollIntervalSec: got %d", cfg.PollIntervalSec)
	}
	if cfg.SyncPrepMode != "wait" || !cfg.PrepWaitMode() {
		t.Errorf("SyncPrepMode: got %q", cfg.SyncPrepMode)
	}
	if cfg.RotationDeg != 90 {
		t.Errorf("RotationDeg: got %d", cfg.RotationDeg)
	}
}

func TestLoad_resolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"cache_dir": "media", "log_file": "logs/agent.log"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDir != filepath.Join(dir, "media") {
		t.Errorf("CacheDir: got %q", cfg.CacheDir)
	}
	if cfg.LogFile != filepath.Join(dir, "logs", "agent.log") {
		t.Errorf("LogFile: got %q", cfg.LogFile)
	}
	if !filepath.IsAbs(cfg.IPCPath) {
		t.Errorf("IPCPath should stay absolute: %q", cfg.IPCPath)
	}
}

func TestClamp(t *testing.T) {
	cfg := Default()
	cfg.RotationDeg = 45
	cfg.Limit = -5
	cfg.SyncDriftThresholdMS = 300
	cfg.SyncHardResyncMS = 100
	cfg.SyncPrepMode = "bogus"
	cfg.ConfigUIPort = 99999
	cfg.Clamp()
	if cfg.RotationDeg != 0 {
		t.Errorf("RotationDeg: got %d, want 0", cfg.RotationDeg)
	}
	if cfg.Limit != 20 {
		t.Errorf("Limit: got %d, want 20", cfg.Limit)
	}
	if cfg.SyncHardResyncMS != 300 {
		t.Errorf("hard resync below soft threshold should be raised to it; got %d", cfg.SyncHardResyncMS)
	}
	if cfg.SyncPrepMode != "play_then_resync" {
		t.Errorf("SyncPrepMode: got %q", cfg.SyncPrepMode)
	}
	if cfg.ConfigUIPort != 8765 {
		t.Errorf("ConfigUIPort: got %d", cfg.ConfigUIPort)
	}
}

func TestStateDirResolved(t *testing.T) {
	cfg := Default()
	cfg.CacheDir = "/data/media"
	if got := cfg.StateDirResolved(); got != filepath.Join("/data/media", ".state") {
		t.Errorf("StateDirResolved default: got %q", got)
	}
	cfg.StateDir = "/data/state"
	if got := cfg.StateDirResolved(); got != "/data/state" {
		t.Errorf("StateDirResolved explicit: got %q", got)
	}
}

func TestCredentialsReady(t *testing.T) {
	cfg := Default()
	if cfg.CredentialsReady() {
		t.Error("no credentials should not be ready")
	}
	cfg.APIKey = "k"
	if cfg.CredentialsReady() {
		t.Error("api key alone is not enough")
	}
	cfg.EnvironmentID = "env"
	if !cfg.CredentialsReady() {
		t.Error("key + environment should be ready")
	}
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvEnvironmentID, "env-id")
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"api_key": "file-key"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("env should override file: got %q", cfg.APIKey)
	}
	if cfg.EnvironmentID != "env-id" {
		t.Errorf("EnvironmentID: got %q", cfg.EnvironmentID)
	}
}

func TestManager_updatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := NewManager(cfg, path, zerolog.Nop())

	var notified Config
	m.OnChange(func(c Config) { notified = c })

	next, err := m.Update(func(c *Config) {
		c.EnvironmentID = "env-9"
		c.RotationDeg = 270
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if next.EnvironmentID != "env-9" || next.RotationDeg != 270 {
		t.Errorf("Update result: %+v", next)
	}
	if got := m.Snapshot(); got.EnvironmentID != "env-9" {
		t.Errorf("Snapshot after Update: %q", got.EnvironmentID)
	}
	if notified.EnvironmentID != "env-9" {
		t.Errorf("OnChange should see the new config: %q", notified.EnvironmentID)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("re-Load: %v", err)
	}
	if reloaded.EnvironmentID != "env-9" || reloaded.RotationDeg != 270 {
		t.Errorf("Update should persist: %+v", reloaded)
	}
}

func TestManager_watchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := NewManager(cfg, path, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	next := cfg
	next.PollIntervalSec = 777
	if err := Save(path, next); err != nil {
		t.Fatalf("Save: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().PollIntervalSec == 777 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := m.Snapshot().PollIntervalSec; got != 777 {
		t.Fatalf("watcher should pick up the new value; got %d", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}

func TestManager_watchKeepsOldOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := NewManager(cfg, path, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)
	if got := m.Snapshot(); got != cfg {
		t.Errorf("broken file should keep the previous config")
	}
}

func TestSave_yamlRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := Default()
	cfg.EnvironmentID = "yaml-env"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "environment_id: yaml-env") {
		t.Errorf("yaml output missing key: %s", data)
	}
}
