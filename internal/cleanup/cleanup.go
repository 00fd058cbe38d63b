// Package cleanup bounds the media cache. A periodic pass reaps stale
// download temp files, then evicts least-recently-used cached media
// until the configured file and byte limits hold. Files referenced by
// the live playlist, the durable snapshot, or the on-screen slots are
// never touched.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/cacheindex"
	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/metrics"
	"github.com/doohlabs/kioskd/internal/playlist"
	"github.com/doohlabs/kioskd/internal/status"
)

// SweepTempFiles removes *.tmp leftovers from interrupted downloads
// once they are at least maxAge old. A file whose mtime cannot be read
// is treated as stale.
func SweepTempFiles(cacheDir string, maxAge time.Duration, logger zerolog.Logger) int {
	if maxAge <= 0 {
		return 0
	}
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(cacheDir, entry.Name())
		stale := true
		if info, err := entry.Info(); err == nil {
			stale = now.Sub(info.ModTime()) >= maxAge
		}
		if !stale {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn().Str("event", "cleanup.temp_remove_failed").
				Str("path", path).Err(err).Msg("could not delete temp file")
			continue
		}
		removed++
	}
	return removed
}

// SweepCache evicts cached media outside keep until the cache fits
// cache_max_files and cache_max_bytes, oldest last_used first. With no
// limits configured every file outside keep goes. The totals gauges are
// refreshed from the post-pass occupancy; kept files count toward them.
func SweepCache(cfg config.Config, keep map[string]bool, index *cacheindex.Index, logger zerolog.Logger) int {
	entries, err := os.ReadDir(cfg.CacheDir)
	if err != nil {
		return 0
	}
	indexed := index.Snapshot()

	type candidate struct {
		path     string
		size     int64
		lastUsed time.Time
	}
	var (
		candidates []candidate
		totalFiles int
		totalBytes int64
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cfg.CacheDir, entry.Name())
		var size int64
		var mtime time.Time
		if info, err := entry.Info(); err == nil {
			size = info.Size()
			mtime = info.ModTime()
		}
		totalFiles++
		totalBytes += size
		if keep[path] {
			continue
		}
		lastUsed := mtime
		if meta, ok := indexed[path]; ok {
			if t, ok := meta.LastUsedTime(); ok {
				lastUsed = t
			}
		}
		candidates = append(candidates, candidate{path: path, size: size, lastUsed: lastUsed})
	}

	var evict []candidate
	if cfg.CacheMaxFiles <= 0 && cfg.CacheMaxBytes <= 0 {
		evict = candidates
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].lastUsed.Before(candidates[j].lastUsed)
		})
		files, bytes := totalFiles, totalBytes
		for _, cand := range candidates {
			overFiles := cfg.CacheMaxFiles > 0 && files > cfg.CacheMaxFiles
			overBytes := cfg.CacheMaxBytes > 0 && bytes > cfg.CacheMaxBytes
			if !overFiles && !overBytes {
				break
			}
			evict = append(evict, cand)
			files--
			bytes -= cand.size
		}
	}

	removed := 0
	for _, cand := range evict {
		if err := os.Remove(cand.path); err != nil {
			logger.Warn().Str("event", "cleanup.remove_failed").
				Str("path", cand.path).Err(err).Msg("could not delete cached file")
			continue
		}
		removed++
		totalFiles--
		totalBytes -= cand.size
	}
	if removed > 0 {
		index.RemoveMissing()
		metrics.CleanupRemovedTotal.Add(float64(removed))
	}
	metrics.SetCacheTotals(totalFiles, totalBytes)
	return removed
}

// Pruner trims the proof-of-play journal. *journal.Journal satisfies it.
type Pruner interface {
	Prune(retention time.Duration) (int, error)
}

// Deps wires the cleanup worker's collaborators.
type Deps struct {
	Config  func() config.Config
	Store   *playlist.Store
	Status  *status.Registry
	Index   *cacheindex.Index
	Journal Pruner // optional
	Logger  zerolog.Logger
}

// Worker runs the periodic pass.
type Worker struct {
	deps       Deps
	lastPrune  time.Time
	pruneEvery time.Duration
}

// New builds a cleanup worker; Run does the work.
func New(deps Deps) *Worker {
	return &Worker{deps: deps, pruneEvery: 24 * time.Hour}
}

// Run sweeps every cleanup_interval_sec until ctx ends. The temp reaper
// and the daily journal prune run on every pass; the eviction pass is
// skipped while the poller is failing and disable_cleanup_when_offline
// is set, so an outage cannot shrink the only copy of the playlist's
// media.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cfg := w.deps.Config()
		interval := time.Duration(cfg.CleanupIntervalSec) * time.Second
		if interval <= 0 {
			if !w.sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		tempRemoved := SweepTempFiles(cfg.CacheDir, time.Duration(cfg.TmpMaxAgeSec)*time.Second, w.deps.Logger)
		w.pruneJournal(cfg)

		if cfg.DisableCleanupWhenOffline {
			snap := w.deps.Status.Snapshot()
			if snap.ConsecutiveFailures > 0 || snap.LastPollSuccess == "" {
				w.deps.Logger.Debug().Str("event", "cleanup.skipped_offline").
					Msg("poller unhealthy, keeping the cache intact")
				if !w.sleep(ctx, interval) {
					return ctx.Err()
				}
				continue
			}
		}

		items, _ := w.deps.Store.Get()
		keep := make(map[string]bool, len(items)+4)
		for _, it := range items {
			if it.Path != "" {
				keep[it.Path] = true
			}
		}
		for p := range playlist.SavedPaths(cfg.StateDirResolved(), cfg.CacheDir) {
			keep[p] = true
		}
		snap := w.deps.Status.Snapshot()
		if snap.CurrentItem != nil && snap.CurrentItem.Path != "" {
			keep[snap.CurrentItem.Path] = true
		}
		if snap.NextItem != nil && snap.NextItem.Path != "" {
			keep[snap.NextItem.Path] = true
		}

		removed := SweepCache(cfg, keep, w.deps.Index, w.deps.Logger)
		total := removed + tempRemoved
		doneAt := status.Now()
		w.deps.Status.Set(func(st *status.Snapshot) {
			st.LastCleanup = doneAt
			st.LastCleanupRemoved = total
		})
		if total > 0 {
			w.deps.Logger.Info().Str("event", "cleanup.pass").
				Int("evicted", removed).Int("temp_removed", tempRemoved).
				Msg("cache pass finished")
		}

		if !w.sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

// pruneJournal trims plays past journal_retention_days, at most once a
// day. Retention applies even while offline.
func (w *Worker) pruneJournal(cfg config.Config) {
	if w.deps.Journal == nil || time.Since(w.lastPrune) < w.pruneEvery {
		return
	}
	w.lastPrune = time.Now()
	retention := time.Duration(cfg.JournalRetentionDays) * 24 * time.Hour
	removed, err := w.deps.Journal.Prune(retention)
	if err != nil {
		w.deps.Logger.Warn().Str("event", "cleanup.journal_prune_failed").
			Err(err).Msg("could not prune the play journal")
		return
	}
	if removed > 0 {
		w.deps.Logger.Info().Str("event", "cleanup.journal_pruned").
			Int("removed", removed).Msg("old plays pruned")
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
