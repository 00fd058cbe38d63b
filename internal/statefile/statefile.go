// Package statefile reads and writes the agent's durable JSON state. Every
// write goes through a pending temp file and an atomic rename so a state
// file on disk is always either complete or absent, never truncated.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// File names inside the state directory.
const (
	PlaylistFile    = "playlist_last.json"
	CacheIndexFile  = "cache_index.json"
	LastSuccessFile = "last_success.json"
)

// WriteJSON marshals v with indentation and atomically replaces path.
// Parent directories are created as needed.
func WriteJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("statefile: mkdir %s: %w", dir, err)
		}
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("statefile: pending %s: %w", path, err)
	}
	defer pending.Cleanup()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("statefile: encode %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("statefile: replace %s: %w", path, err)
	}
	return nil
}

// ReadJSON unmarshals path into v. found is false when the file does not
// exist; err is set only for read or parse failures, which callers treat
// as "start fresh" after logging.
func ReadJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statefile: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("statefile: parse %s: %w", path, err)
	}
	return true, nil
}

type lastSuccessDoc struct {
	LastSuccess string `json:"last_success"`
}

// SaveLastSuccess records the wall-clock time of the most recent successful
// poll. The offline age policy reads it back on the next boot.
func SaveLastSuccess(stateDir string, t time.Time) error {
	doc := lastSuccessDoc{LastSuccess: t.UTC().Format(time.RFC3339)}
	return WriteJSON(filepath.Join(stateDir, LastSuccessFile), doc)
}

// LoadLastSuccess returns the recorded poll success time, ok=false when the
// file is missing or unparseable.
func LoadLastSuccess(stateDir string) (time.Time, bool) {
	var doc lastSuccessDoc
	found, err := ReadJSON(filepath.Join(stateDir, LastSuccessFile), &doc)
	if !found || err != nil || doc.LastSuccess == "" {
		return time.Time{}, false
	}
	t, perr := time.Parse(time.RFC3339, doc.LastSuccess)
	if perr != nil {
		return time.Time{}, false
	}
	return t, true
}
