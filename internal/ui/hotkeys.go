package ui

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/config"
)

// HotkeysFile is the bindings file name under the state directory.
const HotkeysFile = "hotkeys.conf"

// openCommand is the platform opener for the config UI URL.
func openCommand(cfg config.Config) []string {
	url := fmt.Sprintf("http://%s:%d", cfg.ConfigUIBind, cfg.ConfigUIPort)
	if runtime.GOOS == "darwin" {
		return []string{"open", url}
	}
	return []string{"xdg-open", url}
}

// EnsureHotkeysConf writes the player bindings file mapping
// hotkey_open_key to opening the config UI and returns its path. When
// hotkeys are disabled, or the file cannot be written, it returns ""
// and the player falls back to its lock_input behaviour.
func EnsureHotkeysConf(cfg config.Config, logger zerolog.Logger) string {
	if !cfg.HotkeysEnabled {
		return ""
	}
	stateDir := cfg.StateDirResolved()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Warn().Str("event", "ui.hotkeys_failed").
			Err(err).Msg("could not create the state dir")
		return ""
	}

	cmd := openCommand(cfg)
	quoted := make([]string, 0, len(cmd))
	for _, arg := range cmd {
		quoted = append(quoted, `"`+arg+`"`)
	}
	line := cfg.HotkeyOpenKey + " run " + strings.Join(quoted, " ") + "\n"

	path := filepath.Join(stateDir, HotkeysFile)
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		logger.Warn().Str("event", "ui.hotkeys_failed").
			Err(err).Str("path", path).Msg("could not write hotkeys conf")
		return ""
	}
	return path
}
