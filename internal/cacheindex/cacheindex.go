// Package cacheindex tracks metadata for downloaded media files: source
// URL, campaign, last-used time and size. The cleanup worker ranks eviction
// candidates by it and the offline loader rebuilds playlists from it.
package cacheindex

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/statefile"
)

// saveThrottle caps index writes; touches arrive once per played item.
const saveThrottle = 5 * time.Second

// Meta is what the index remembers about one cached file.
type Meta struct {
	URL          string `json:"url,omitempty"`
	DurationMS   int    `json:"duration_ms,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
	CampaignName string `json:"campaign_name,omitempty"`
	LastUsed     string `json:"last_used,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// LastUsedTime parses the recorded last-used timestamp.
func (m Meta) LastUsedTime() (time.Time, bool) {
	if m.LastUsed == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, m.LastUsed)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type diskFormat struct {
	Items map[string]Meta `json:"items"`
}

// Index is safe for concurrent use. Saves are throttled; call Flush on
// shutdown to persist the newest state.
type Index struct {
	mu       sync.Mutex
	path     string
	items    map[string]Meta
	lastSave time.Time

	now func() time.Time
}

// Open loads the index from stateDir, starting fresh when the file is
// missing or unreadable. A stale index only costs re-downloads.
func Open(stateDir string) *Index {
	ix := &Index{
		path:  filepath.Join(stateDir, statefile.CacheIndexFile),
		items: map[string]Meta{},
		now:   time.Now,
	}
	var disk diskFormat
	if found, err := statefile.ReadJSON(ix.path, &disk); found && err == nil && disk.Items != nil {
		ix.items = disk.Items
	}
	return ix
}

// RecordDownload notes a fresh download of item at path.
func (ix *Index) RecordDownload(path string, it media.Item) {
	ix.record(path, it)
}

// Touch refreshes the last-used timestamp when an item starts playing.
func (ix *Index) Touch(path string, it media.Item) {
	ix.record(path, it)
}

func (ix *Index) record(path string, it media.Item) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	meta := ix.items[path]
	meta.URL = it.URL
	meta.DurationMS = it.DurationMS
	meta.CampaignID = it.CampaignID
	meta.CampaignName = it.CampaignName
	meta.LastUsed = ix.now().UTC().Format(time.RFC3339)
	if fi, err := os.Stat(path); err == nil {
		meta.Size = fi.Size()
	}
	ix.items[path] = meta
	ix.saveLocked(false)
}

// RemoveMissing drops entries whose file no longer exists and saves
// immediately. The cleanup worker calls it after evictions.
func (ix *Index) RemoveMissing() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := false
	for path := range ix.items {
		if _, err := os.Stat(path); err != nil {
			delete(ix.items, path)
			removed = true
		}
	}
	if removed {
		ix.saveLocked(true)
	}
}

// Snapshot returns a copy of the current entries.
func (ix *Index) Snapshot() map[string]Meta {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make(map[string]Meta, len(ix.items))
	for k, v := range ix.items {
		out[k] = v
	}
	return out
}

// Flush forces a save regardless of the throttle.
func (ix *Index) Flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.saveLocked(true)
}

func (ix *Index) saveLocked(force bool) error {
	now := ix.now()
	if !force && now.Sub(ix.lastSave) < saveThrottle {
		return nil
	}
	if err := statefile.WriteJSON(ix.path, diskFormat{Items: ix.items}); err != nil {
		return err
	}
	ix.lastSave = now
	return nil
}
