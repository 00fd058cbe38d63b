// Package logx configures the process-wide zerolog logger. Configure is
// called once from main; packages obtain tagged sub-loggers through
// WithComponent.
package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the base logger.
type Config struct {
	// Level is a zerolog level name ("trace".."fatal"). Unknown values fall
	// back to info.
	Level string
	// File receives log output when set; stderr otherwise. The agent does
	// not rotate the file, the host's logrotate owns that.
	File string
	// Service is stamped on every line.
	Service string
	// Version is stamped on every line.
	Version string
}

var (
	mu   sync.Mutex
	base = zerolog.Nop()
	once sync.Once
)

// Configure initialises the base logger. The first call wins; later calls
// are ignored so tests and libraries cannot reconfigure a running agent.
func Configure(cfg Config) {
	once.Do(func() {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}

		var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		if cfg.File != "" {
			if dir := filepath.Dir(cfg.File); dir != "" && dir != "." {
				_ = os.MkdirAll(dir, 0o755)
			}
			f, ferr := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if ferr == nil {
				out = f
			}
		}

		zerolog.TimeFieldFormat = time.RFC3339
		logger := zerolog.New(out).Level(level).With().
			Timestamp().
			Str("service", cfg.Service).
			Str("version", cfg.Version).
			Logger()

		mu.Lock()
		base = logger
		mu.Unlock()
	})
}

// WithComponent returns the base logger tagged with a component name.
// Safe before Configure; lines are simply dropped until a sink exists.
func WithComponent(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", component).Logger()
}
