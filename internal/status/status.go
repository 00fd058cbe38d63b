// Package status maintains the agent's observable state and mirrors it to
// a JSON file for ops tooling. Every worker reports here; the local UI
// serves the same snapshot over HTTP.
package status

import (
	"sync"
	"time"
)

// ItemInfo describes one playlist entry in the status output.
type ItemInfo struct {
	URL          string `json:"url"`
	Path         string `json:"path"`
	DurationMS   int    `json:"duration_ms"`
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
	StartedAt    string `json:"started_at,omitempty"`
	OffsetMS     int    `json:"offset_ms,omitempty"`
}

// Snapshot is the full status document. Timestamps are RFC3339 UTC strings;
// empty means "never".
type Snapshot struct {
	StartedAt             string    `json:"started_at"`
	UptimeSec             int64     `json:"uptime_sec"`
	LastPollSuccess       string    `json:"last_poll_success"`
	LastPollError         string    `json:"last_poll_error"`
	PlaylistSize          int       `json:"playlist_size"`
	CurrentIndex          int       `json:"current_index"`
	CurrentItem           *ItemInfo `json:"current_item"`
	NextItem              *ItemInfo `json:"next_item"`
	MPVRunning            bool      `json:"mpv_running"`
	MPVLastOK             string    `json:"mpv_last_ok"`
	LastCleanup           string    `json:"last_cleanup"`
	LastCleanupRemoved    int       `json:"last_cleanup_removed"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	LastTelemetryError    string    `json:"last_telemetry_error"`
	SyncMode              string    `json:"sync_mode"`
	SyncAnchorUTC         string    `json:"sync_anchor_utc"`
	SyncDriftMS           *int      `json:"sync_drift_ms"`
	SyncLastCheckUTC      string    `json:"sync_last_check_utc"`
	SyncLastAction        string    `json:"sync_last_action"`
	SyncNextCheckpointUTC string    `json:"sync_next_checkpoint_utc"`
	SyncCheckpointReason  string    `json:"sync_checkpoint_reason"`
	SyncCycleMS           int       `json:"sync_cycle_ms"`
	HardResyncCount       int       `json:"hard_resync_count"`
	PlaybackState         string    `json:"playback_state"`
	BlackScreenRiskReason string    `json:"black_screen_risk_reason"`
	BlockedMediaCount     int       `json:"blocked_media_count"`
	LastRenderOK          string    `json:"last_render_ok"`
	LastRenderError       string    `json:"last_render_error"`
}

// Registry is the live status store, safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	snap      Snapshot
	startedAt time.Time
	now       func() time.Time
}

// NewRegistry records the agent start time.
func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	r.startedAt = r.now()
	r.snap.StartedAt = r.startedAt.UTC().Format(time.RFC3339)
	return r
}

// Set applies fn to the status under the lock. Pointer fields assigned in
// fn must not be mutated afterwards.
func (r *Registry) Set(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.snap)
}

// Snapshot returns a copy with uptime filled in. Item pointers are
// duplicated so callers can hold the result across further updates.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.snap
	out.UptimeSec = int64(r.now().Sub(r.startedAt).Seconds())
	if r.snap.CurrentItem != nil {
		cp := *r.snap.CurrentItem
		out.CurrentItem = &cp
	}
	if r.snap.NextItem != nil {
		cp := *r.snap.NextItem
		out.NextItem = &cp
	}
	if r.snap.SyncDriftMS != nil {
		v := *r.snap.SyncDriftMS
		out.SyncDriftMS = &v
	}
	return out
}

// Timestamp formats t the way every status field expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now is Timestamp(time.Now()).
func Now() string {
	return Timestamp(time.Now())
}
