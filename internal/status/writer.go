package status

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/statefile"
)

// RunWriter mirrors the registry to a JSON file until ctx is done. opts is
// re-read every pass so config reloads can move or disable the file; an
// empty path or non-positive interval idles the writer.
func RunWriter(ctx context.Context, reg *Registry, opts func() (path string, interval time.Duration), logger zerolog.Logger) error {
	for {
		path, interval := opts()
		if path == "" || interval <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := statefile.WriteJSON(path, reg.Snapshot()); err != nil {
			logger.Warn().Str("event", "status.write_failed").Str("path", path).Err(err).Msg("status file write failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
