// Package playlist holds the active playlist under a version counter and
// persists the last good playlist for offline boots.
//
// Two digests decide whether an update is a real change. The fingerprint
// covers what the API sent (url + duration); the signature covers what will
// actually play (local path + duration). Only when both match the previous
// poll is the update a no-op, so re-downloads that land at new paths still
// bump the version.
package playlist

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/statefile"
)

const snapshotVersion = 1

// Fingerprint digests the remote view of a playlist: source URL and
// duration per entry, order preserved.
func Fingerprint(items []media.Item) string {
	payload := make([]map[string]any, 0, len(items))
	for _, it := range items {
		payload = append(payload, map[string]any{
			"url":         it.URL,
			"duration_ms": it.DurationMS,
		})
	}
	return media.SHA1Hex(canonicalJSON(payload))
}

// Signature digests the local view: resolved path and duration per entry.
func Signature(items []media.Item) string {
	payload := make([]map[string]any, 0, len(items))
	for _, it := range items {
		payload = append(payload, map[string]any{
			"path":        it.Path,
			"duration_ms": it.DurationMS,
		})
	}
	return media.SHA1Hex(canonicalJSON(payload))
}

// canonicalJSON renders v with sorted object keys and no HTML escaping, so
// equal payloads digest equally.
func canonicalJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// Store is the in-memory active playlist. The scheduler polls Get every
// cycle step; the poller and offline loader call Update.
type Store struct {
	mu          sync.Mutex
	items       []media.Item
	version     int
	fingerprint string
	signature   string
}

// Update replaces the playlist and bumps the version. It returns false
// without bumping when fingerprint and signature both match the current
// playlist; an empty fingerprint never matches.
func (s *Store) Update(items []media.Item, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := Signature(items)
	if fingerprint != "" && fingerprint == s.fingerprint && sig == s.signature {
		return false
	}
	s.items = append([]media.Item(nil), items...)
	s.fingerprint = fingerprint
	s.signature = sig
	s.version++
	return true
}

// Get returns a copy of the items and the version they belong to.
func (s *Store) Get() ([]media.Item, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Item(nil), s.items...), s.version
}

// Version returns the current playlist version.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Fingerprint returns the fingerprint of the current playlist.
func (s *Store) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Len returns the current playlist size.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ─── Durable snapshot ───

// Snapshot is the on-disk copy of the last good playlist.
type Snapshot struct {
	Version     int          `json:"version"`
	SavedAt     string       `json:"saved_at"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Playlist    []media.Item `json:"playlist"`
}

// SavedAtTime parses the snapshot timestamp.
func (s *Snapshot) SavedAtTime() (time.Time, bool) {
	if s == nil || s.SavedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s.SavedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SaveSnapshot atomically writes the last good playlist to stateDir.
func SaveSnapshot(stateDir string, items []media.Item, fingerprint string) error {
	snap := Snapshot{
		Version:     snapshotVersion,
		SavedAt:     time.Now().UTC().Format(time.RFC3339),
		Fingerprint: fingerprint,
		Playlist:    items,
	}
	return statefile.WriteJSON(filepath.Join(stateDir, statefile.PlaylistFile), snap)
}

// LoadSnapshot reads the last good playlist. Missing or corrupt files
// report ok=false; a corrupt snapshot is no worse than none.
func LoadSnapshot(stateDir string) (*Snapshot, bool) {
	var snap Snapshot
	found, err := statefile.ReadJSON(filepath.Join(stateDir, statefile.PlaylistFile), &snap)
	if !found || err != nil {
		return nil, false
	}
	return &snap, true
}

// SnapshotExists reports whether a snapshot file is present at all.
func SnapshotExists(stateDir string) bool {
	_, err := os.Stat(filepath.Join(stateDir, statefile.PlaylistFile))
	return err == nil
}

// SavedPaths returns the set of existing local files the snapshot refers
// to, resolving each entry by its recorded path and falling back to the
// cache location its URL implies. Cleanup treats these as pinned.
func SavedPaths(stateDir, cacheDir string) map[string]bool {
	keep := map[string]bool{}
	snap, ok := LoadSnapshot(stateDir)
	if !ok {
		return keep
	}
	for _, it := range snap.Playlist {
		if p := media.NormalizePath(it.Path, cacheDir); p != "" {
			if _, err := os.Stat(p); err == nil {
				keep[p] = true
				continue
			}
		}
		if it.URL == "" {
			continue
		}
		cp := media.CachePath(cacheDir, it.URL)
		if _, err := os.Stat(cp); err == nil {
			keep[cp] = true
		}
	}
	return keep
}
