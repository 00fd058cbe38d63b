// Package offline rebuilds a playable playlist without the network: from
// the saved snapshot first, then from whatever the cache directory holds.
package offline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/doohlabs/kioskd/internal/cacheindex"
	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/statefile"
)

// FromSnapshot resolves snapshot entries against the local disk, in order.
// Entries whose file cannot be found, is unsupported or is empty are
// dropped. An entry without a URL gets a synthetic cache:// one so playlist
// digests stay well defined.
func FromSnapshot(cfg config.Config, entries []media.Item) []media.Item {
	cacheDir := cfg.CacheDir
	var items []media.Item
	for _, entry := range entries {
		resolved := media.NormalizePath(entry.Path, cacheDir)
		if resolved == "" && entry.URL != "" {
			resolved = media.NormalizePath(media.CachePath(cacheDir, entry.URL), cacheDir)
		}
		if resolved == "" {
			continue
		}
		if _, err := os.Stat(resolved); err != nil {
			continue
		}
		if !media.IsSupportedPath(resolved, entry.URL != "") {
			continue
		}
		if size, ok := media.FileSize(resolved); !ok || size <= 0 {
			continue
		}

		durationMS := entry.DurationMS
		if durationMS <= 0 {
			durationMS = cfg.DefaultDurationMS
		}
		url := entry.URL
		if url == "" {
			url = "cache://" + filepath.Base(resolved)
		}
		items = append(items, media.Item{
			URL:          url,
			DurationMS:   durationMS,
			Path:         resolved,
			CampaignID:   entry.CampaignID,
			CampaignName: entry.CampaignName,
		})
	}
	return items
}

// FromCache scans the cache directory, preferring index metadata where it
// exists. Files are ordered oldest-used first so a rebuilt playlist is
// stable across boots.
func FromCache(cfg config.Config, ix *cacheindex.Index) []media.Item {
	cacheDir := cfg.CacheDir
	if fi, err := os.Stat(cacheDir); err != nil || !fi.IsDir() {
		return nil
	}

	var indexSnap map[string]cacheindex.Meta
	if ix != nil {
		indexSnap = ix.Snapshot()
	}

	type candidate struct {
		path     string
		meta     cacheindex.Meta
		lastUsed time.Time
	}
	seen := map[string]bool{}
	var candidates []candidate

	add := func(path string, meta cacheindex.Meta) {
		if seen[path] {
			return
		}
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			return
		}
		if strings.HasSuffix(path, ".tmp") {
			return
		}
		if !media.IsSupportedPath(path, meta.URL != "") {
			return
		}
		if fi.Size() <= 0 {
			return
		}
		lastUsed, ok := meta.LastUsedTime()
		if !ok {
			lastUsed = fi.ModTime()
		}
		candidates = append(candidates, candidate{path: path, meta: meta, lastUsed: lastUsed})
		seen[path] = true
	}

	for path, meta := range indexSnap {
		add(path, meta)
	}
	dirEntries, err := os.ReadDir(cacheDir)
	if err != nil {
		dirEntries = nil
	}
	for _, de := range dirEntries {
		add(filepath.Join(cacheDir, de.Name()), cacheindex.Meta{})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastUsed.Equal(candidates[j].lastUsed) {
			return candidates[i].lastUsed.Before(candidates[j].lastUsed)
		}
		return candidates[i].path < candidates[j].path
	})

	items := make([]media.Item, 0, len(candidates))
	for _, c := range candidates {
		durationMS := c.meta.DurationMS
		if durationMS <= 0 {
			durationMS = cfg.DefaultDurationMS
		}
		url := c.meta.URL
		if url == "" {
			url = "cache://" + filepath.Base(c.path)
		}
		items = append(items, media.Item{
			URL:          url,
			DurationMS:   durationMS,
			Path:         c.path,
			CampaignID:   c.meta.CampaignID,
			CampaignName: c.meta.CampaignName,
		})
	}
	return items
}

// Allowed decides whether offline playback may use stale content. The age
// reference is the last successful poll, falling back to when the snapshot
// was saved; with no reference at all the answer is yes, since refusing
// would only guarantee a black screen.
func Allowed(cfg config.Config, savedAt string, networkAvailable *bool) bool {
	if cfg.OfflineMaxAgeHours <= 0 {
		return true
	}
	if cfg.OfflineIgnoreMaxAgeWhenNoNetwork && networkAvailable != nil && !*networkAvailable {
		return true
	}

	var ref time.Time
	if t, ok := statefile.LoadLastSuccess(cfg.StateDirResolved()); ok {
		ref = t
	} else if savedAt != "" {
		if t, err := time.Parse(time.RFC3339, savedAt); err == nil {
			ref = t
		}
	}
	if ref.IsZero() {
		return true
	}
	return time.Since(ref).Hours() <= cfg.OfflineMaxAgeHours
}
