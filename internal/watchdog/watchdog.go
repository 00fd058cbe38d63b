// Package watchdog keeps the player process honest: it pings the IPC
// socket on a fixed cadence and restarts the player when it stops
// answering, wanders off the expected media, or freezes mid-file.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/metrics"
	"github.com/doohlabs/kioskd/internal/status"
)

// Player is the slice of the controller the watchdog needs.
type Player interface {
	EnsureRunning()
	Restart()
	IsRunning() bool
	Ping() bool
	GetProperty(name string, timeout time.Duration) (any, bool)
}

// Deps wires the watchdog's collaborators.
type Deps struct {
	Config func() config.Config
	Player Player
	Status *status.Registry
	Logger zerolog.Logger
}

// Watchdog probes the player once per watchdog_interval_sec.
type Watchdog struct {
	deps Deps

	// scanEvery overrides the configured cadence when set; tests shrink
	// it so the probe timers can be exercised in real time.
	scanEvery time.Duration
}

// New builds a watchdog; Run does the work.
func New(deps Deps) *Watchdog {
	return &Watchdog{deps: deps}
}

// Run probes until ctx ends. It returns the context error.
func (w *Watchdog) Run(ctx context.Context) error {
	var (
		lastTimePos   float64
		haveTimePos   bool
		timePosAt     = time.Now()
		mismatchSince time.Time // zero while expected and reported paths agree
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cfg := w.deps.Config()

		w.deps.Player.EnsureRunning()
		if !w.deps.Player.Ping() {
			w.deps.Logger.Warn().Str("event", "watchdog.ipc_unresponsive").
				Msg("player ipc unresponsive, restarting")
			metrics.IncPlayerRestart("ipc_unresponsive")
			w.deps.Player.Restart()
		}
		running := w.deps.Player.IsRunning()
		checkedAt := status.Now()
		w.deps.Status.Set(func(st *status.Snapshot) {
			st.MPVRunning = running
			st.MPVLastOK = checkedAt
		})

		snap := w.deps.Status.Snapshot()
		var currentPath string
		var expectedPaths []string
		if snap.CurrentItem != nil && snap.CurrentItem.Path != "" {
			currentPath = snap.CurrentItem.Path
			expectedPaths = append(expectedPaths, currentPath)
		}
		if snap.NextItem != nil && snap.NextItem.Path != "" {
			expectedPaths = append(expectedPaths, snap.NextItem.Path)
		}

		mismatchFor := time.Duration(cfg.PlaybackMismatchSec) * time.Second
		switch {
		case mismatchFor <= 0:
			mismatchSince = time.Time{}
		case len(expectedPaths) > 0:
			// A non-string path (player idle, property unavailable)
			// resets the timer rather than counting as a mismatch.
			reported, _ := w.deps.Player.GetProperty("path", 0)
			actualPath, isString := reported.(string)
			if !isString {
				mismatchSince = time.Time{}
				break
			}
			matched := false
			for _, candidate := range expectedPaths {
				if media.PathsMatch(candidate, actualPath, cfg.CacheDir) {
					matched = true
					break
				}
			}
			switch {
			case matched:
				mismatchSince = time.Time{}
			case mismatchSince.IsZero():
				mismatchSince = time.Now()
			case time.Since(mismatchSince) > mismatchFor:
				w.deps.Logger.Warn().Str("event", "watchdog.path_mismatch").
					Strs("expected", expectedPaths).
					Str("actual", actualPath).
					Msg("player drifted off the playlist, restarting")
				metrics.IncPlayerRestart("path_mismatch")
				w.deps.Player.Restart()
				mismatchSince = time.Time{}
				haveTimePos = false
				timePosAt = time.Now()
			}
		}

		// Images hold a frame forever; only timed media can stall.
		stallFor := time.Duration(cfg.PlaybackStallSec) * time.Second
		if stallFor > 0 && currentPath != "" && !media.IsImagePath(currentPath) {
			reported, _ := w.deps.Player.GetProperty("time-pos", 0)
			if pos, isNumber := reported.(float64); isNumber {
				switch {
				case !haveTimePos || pos != lastTimePos:
					lastTimePos = pos
					haveTimePos = true
					timePosAt = time.Now()
				case time.Since(timePosAt) > stallFor:
					w.deps.Logger.Warn().Str("event", "watchdog.playback_stalled").
						Float64("time_pos", pos).
						Dur("stalled_for", time.Since(timePosAt)).
						Msg("time-pos frozen, restarting")
					metrics.IncPlayerRestart("playback_stalled")
					w.deps.Player.Restart()
					haveTimePos = false
					timePosAt = time.Now()
				}
			} else {
				haveTimePos = false
				timePosAt = time.Now()
			}
		}

		wait := w.scanEvery
		if wait <= 0 {
			wait = time.Duration(cfg.WatchdogIntervalSec) * time.Second
		}
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
