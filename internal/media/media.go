// Package media holds the playlist item value type and the path rules
// shared by the downloader, offline loader, cleanup worker and scheduler:
// which extensions are playable, how a cache file is named for a source
// URL, and how recorded paths are normalized back to real files.
package media

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Item is one playlist entry. Items are immutable once built; a playlist
// update replaces the whole slice, never an element in place.
type Item struct {
	URL          string `json:"url"`
	DurationMS   int    `json:"duration_ms"`
	Path         string `json:"path"`
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
}

// EffectiveDurationMS clamps a configured duration to the 1 s floor the
// cycle timeline is built on.
func EffectiveDurationMS(durationMS int) int {
	if durationMS < 1000 {
		return 1000
	}
	return durationMS
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".mkv": true, ".webm": true,
	".avi": true, ".mpeg": true, ".mpg": true,
}

// IsImagePath reports whether the file extension names a still image.
// Images loop forever in the player, so their time position never advances.
func IsImagePath(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// IsSupportedPath reports whether the extension is playable. A bare ".bin"
// (extensionless source URL) is accepted only when the caller still knows
// the original URL.
func IsSupportedPath(path string, allowBin bool) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if imageExts[ext] || videoExts[ext] {
		return true
	}
	return allowBin && ext == ".bin"
}

// SHA1Hex returns the lowercase hex SHA-1 of text. Cache file names are
// derived from it; it is an identifier, not an integrity check.
func SHA1Hex(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CachePath returns the stable cache file path for a source URL: the SHA-1
// of the full URL plus the extension of the URL path, ".bin" when the URL
// path carries none.
func CachePath(cacheDir, rawURL string) string {
	ext := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		ext = filepath.Ext(parsed.Path)
	} else {
		ext = filepath.Ext(rawURL)
	}
	if ext == "" {
		ext = ".bin"
	}
	return filepath.Join(cacheDir, SHA1Hex(rawURL)+ext)
}

// TempPath returns the in-flight download path for a cache destination.
// The downloader renames it over dest only after the byte count checks out.
func TempPath(dest string) string {
	return dest + ".tmp"
}

// NormalizePath resolves a recorded media path to an absolute local path.
// Relative values are tried against the working directory, then inside
// cacheDir, then by bare basename inside cacheDir; the first candidate that
// exists wins, otherwise the first candidate is returned so the caller can
// report a concrete missing path. URL-looking values pass through
// untouched. Returns "" for blank input.
func NormalizePath(raw, cacheDir string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		return raw
	}

	var candidates []string
	if filepath.IsAbs(raw) {
		candidates = append(candidates, raw)
	} else {
		candidates = append(candidates, absOrClean(raw))
		if cacheDir != "" {
			candidates = append(candidates, absOrClean(filepath.Join(cacheDir, raw)))
			candidates = append(candidates, absOrClean(filepath.Join(cacheDir, filepath.Base(raw))))
		}
	}

	seen := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		normalized := filepath.Clean(candidate)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		if _, err := os.Stat(normalized); err == nil {
			return normalized
		}
	}
	return filepath.Clean(candidates[0])
}

// PathsMatch reports whether two recorded media paths refer to the same
// file once both are normalized and symlinks are resolved. The watchdog
// uses it to compare the player's reported path against the expected slots.
func PathsMatch(expected, actual, cacheDir string) bool {
	e := NormalizePath(expected, cacheDir)
	a := NormalizePath(actual, cacheDir)
	if e == "" || a == "" {
		return false
	}
	if !strings.Contains(e, "://") && !strings.Contains(a, "://") {
		if resolved, err := filepath.EvalSymlinks(e); err == nil {
			e = resolved
		}
		if resolved, err := filepath.EvalSymlinks(a); err == nil {
			a = resolved
		}
	}
	return e == a
}

// FileSize returns the size of path, or ok=false when it cannot be stat'd
// or is not a regular file.
func FileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

func absOrClean(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
