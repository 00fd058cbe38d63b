package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRegistrySetAndSnapshot(t *testing.T) {
	reg := NewRegistry()
	drift := 250
	reg.Set(func(s *Snapshot) {
		s.PlaybackState = "playing"
		s.PlaylistSize = 3
		s.SyncDriftMS = &drift
		s.CurrentItem = &ItemInfo{URL: "http://cdn/a.mp4", Path: "/cache/a.mp4", DurationMS: 5000}
	})

	snap := reg.Snapshot()
	if snap.PlaybackState != "playing" || snap.PlaylistSize != 3 {
		t.Errorf("snapshot: %+v", snap)
	}
	if snap.SyncDriftMS == nil || *snap.SyncDriftMS != 250 {
		t.Errorf("drift: %v", snap.SyncDriftMS)
	}
	if snap.StartedAt == "" {
		t.Error("started_at should be set at construction")
	}
	if snap.UptimeSec < 0 {
		t.Errorf("uptime: %d", snap.UptimeSec)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	reg := NewRegistry()
	reg.Set(func(s *Snapshot) {
		s.CurrentItem = &ItemInfo{URL: "http://cdn/a.mp4"}
	})
	snap := reg.Snapshot()
	snap.CurrentItem.URL = "mutated"
	if got := reg.Snapshot().CurrentItem.URL; got != "http://cdn/a.mp4" {
		t.Errorf("registry should not observe caller mutations: %q", got)
	}
}

func TestSnapshotJSONKeys(t *testing.T) {
	reg := NewRegistry()
	data, err := json.Marshal(reg.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"started_at", "uptime_sec", "last_poll_success", "last_poll_error",
		"playlist_size", "current_index", "current_item", "next_item",
		"mpv_running", "mpv_last_ok", "last_cleanup", "last_cleanup_removed",
		"consecutive_failures", "last_telemetry_error",
		"sync_mode", "sync_anchor_utc", "sync_drift_ms", "sync_last_check_utc",
		"sync_last_action", "sync_next_checkpoint_utc", "sync_checkpoint_reason",
		"sync_cycle_ms", "hard_resync_count", "playback_state",
		"black_screen_risk_reason", "blocked_media_count",
		"last_render_ok", "last_render_error",
	} {
		if _, ok := doc[key]; !ok {
			t.Errorf("status document missing %q", key)
		}
	}
}

func TestRunWriterWritesFile(t *testing.T) {
	reg := NewRegistry()
	reg.Set(func(s *Snapshot) { s.PlaybackState = "playing" })
	path := filepath.Join(t.TempDir(), "status.json")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunWriter(ctx, reg, func() (string, time.Duration) { return path, 10 * time.Millisecond }, zerolog.Nop())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop on cancel")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("status file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("status file should be valid JSON: %v", err)
	}
	if doc["playback_state"] != "playing" {
		t.Errorf("playback_state: %v", doc["playback_state"])
	}
	if _, ok := doc["uptime_sec"]; !ok {
		t.Error("uptime_sec should be present")
	}
}

func TestRunWriterIdlesWithoutPath(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := RunWriter(ctx, reg, func() (string, time.Duration) { return "", time.Second }, zerolog.Nop()); err != nil {
		t.Fatalf("RunWriter: %v", err)
	}
}
