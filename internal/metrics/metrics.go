// Package metrics exposes the agent's Prometheus collectors. The local UI
// serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts campaign API polls by result.
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskd_polls_total",
		Help: "Campaign API polls by result",
	}, []string{"result"})

	// PollBackoffSeconds is the current poll retry backoff.
	PollBackoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_poll_backoff_seconds",
		Help: "Current poll retry backoff",
	})

	// DownloadsTotal counts media fetches by result: hit, downloaded, failed.
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskd_downloads_total",
		Help: "Media fetches by result",
	}, []string{"result"})

	// DownloadBytesTotal counts bytes written into the media cache.
	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kioskd_download_bytes_total",
		Help: "Bytes written into the media cache",
	})

	// PlayerRestartsTotal counts player restarts by cause.
	PlayerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskd_player_restarts_total",
		Help: "Player restarts by cause",
	}, []string{"cause"})

	// PlayerGeneration is the current player process generation.
	PlayerGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_player_generation",
		Help: "Player process generation, bumped on every (re)start",
	})

	// ResyncsTotal counts playback realignments by kind: soft, hard, daily_zero.
	ResyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskd_resyncs_total",
		Help: "Playback realignments by kind",
	}, []string{"kind"})

	// SyncDriftMS is the drift measured at the last checkpoint.
	SyncDriftMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_sync_drift_ms",
		Help: "Signed playback drift at the last sync checkpoint",
	})

	// PlaylistVersion is the active playlist version.
	PlaylistVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_playlist_version",
		Help: "Active playlist version",
	})

	// PlaylistItems is the active playlist length.
	PlaylistItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_playlist_items",
		Help: "Active playlist length",
	})

	// BlockedMedia is the number of temporarily blocked items.
	BlockedMedia = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_blocked_media",
		Help: "Playlist items currently blocked after load failures",
	})

	// CacheFiles / CacheBytes describe the media cache after each cleanup pass.
	CacheFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_cache_files",
		Help: "Files in the media cache at the last cleanup pass",
	})
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kioskd_cache_bytes",
		Help: "Bytes in the media cache at the last cleanup pass",
	})

	// CleanupRemovedTotal counts files removed by cache cleanup.
	CleanupRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kioskd_cleanup_removed_total",
		Help: "Files removed by cache cleanup, temp files included",
	})

	// PlaysTotal counts media items that started playing.
	PlaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kioskd_plays_total",
		Help: "Media items that started playing",
	})

	// TelemetryTotal counts heartbeat deliveries by result.
	TelemetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kioskd_telemetry_total",
		Help: "Telemetry heartbeat deliveries by result",
	}, []string{"result"})
)

// IncPoll records one poll outcome.
func IncPoll(success bool) {
	PollsTotal.WithLabelValues(result(success)).Inc()
}

// IncDownload records one media fetch outcome.
func IncDownload(outcome string) {
	DownloadsTotal.WithLabelValues(outcome).Inc()
}

// IncPlayerRestart records a player restart.
func IncPlayerRestart(cause string) {
	PlayerRestartsTotal.WithLabelValues(cause).Inc()
}

// IncResync records a realignment.
func IncResync(kind string) {
	ResyncsTotal.WithLabelValues(kind).Inc()
}

// IncTelemetry records one heartbeat delivery outcome.
func IncTelemetry(success bool) {
	TelemetryTotal.WithLabelValues(result(success)).Inc()
}

// SetPlaylist records the playlist shape after an update.
func SetPlaylist(version, items int) {
	PlaylistVersion.Set(float64(version))
	PlaylistItems.Set(float64(items))
}

// SetCacheTotals records cache occupancy after a cleanup pass.
func SetCacheTotals(files int, bytes int64) {
	CacheFiles.Set(float64(files))
	CacheBytes.Set(float64(bytes))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
