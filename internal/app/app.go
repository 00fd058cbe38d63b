// Package app assembles the agent: it loads whatever media the disk can
// offer, decides whether remote polling is possible, and supervises every
// worker under one errgroup until the root context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/doohlabs/kioskd/internal/api"
	"github.com/doohlabs/kioskd/internal/cacheindex"
	"github.com/doohlabs/kioskd/internal/cleanup"
	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/download"
	"github.com/doohlabs/kioskd/internal/journal"
	"github.com/doohlabs/kioskd/internal/logx"
	"github.com/doohlabs/kioskd/internal/metrics"
	"github.com/doohlabs/kioskd/internal/offline"
	"github.com/doohlabs/kioskd/internal/player"
	"github.com/doohlabs/kioskd/internal/playlist"
	"github.com/doohlabs/kioskd/internal/poller"
	"github.com/doohlabs/kioskd/internal/sched"
	"github.com/doohlabs/kioskd/internal/status"
	"github.com/doohlabs/kioskd/internal/telemetry"
	"github.com/doohlabs/kioskd/internal/ui"
	"github.com/doohlabs/kioskd/internal/watchdog"
)

// ErrNoUsableMedia means the agent cannot poll (missing credentials) and
// has nothing cached to play either. main exits with code 2 on it.
var ErrNoUsableMedia = errors.New("app: no api credentials and no offline media")

const reachProbeTimeout = 3 * time.Second

// Options carry what main resolved before handing over.
type Options struct {
	Config     config.Config
	ConfigPath string
	Version    string
}

// App owns the shared objects every worker hangs off.
type App struct {
	opts   Options
	logger zerolog.Logger

	manager *config.Manager
	store   *playlist.Store
	reg     *status.Registry
	index   *cacheindex.Index
	player  *player.Controller
	journal *journal.Journal
	polling bool
}

// New prepares the directories, replays offline media into the playlist
// store and decides whether polling can run. It returns ErrNoUsableMedia
// when neither the API nor the disk can produce anything to play.
func New(opts Options) (*App, error) {
	a := &App{
		opts:   opts,
		logger: logx.WithComponent("app"),
		store:  &playlist.Store{},
		reg:    status.NewRegistry(),
	}
	cfg := opts.Config

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: cache dir: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDirResolved(), 0o755); err != nil {
		return nil, fmt.Errorf("app: state dir: %w", err)
	}

	a.manager = config.NewManager(cfg, opts.ConfigPath, logx.WithComponent("config"))
	a.index = cacheindex.Open(cfg.StateDirResolved())
	a.index.RemoveMissing()

	a.loadOfflinePlaylist(cfg)

	a.polling = cfg.CredentialsReady()
	if !a.polling {
		if a.store.Len() == 0 {
			return nil, ErrNoUsableMedia
		}
		a.logger.Warn().Str("event", "app.polling_disabled").
			Msg("api credentials missing, running from local media only")
		a.reg.Set(func(st *status.Snapshot) {
			st.LastPollError = status.Now() + " polling disabled: missing api credentials"
		})
	}

	size := a.store.Len()
	a.reg.Set(func(st *status.Snapshot) { st.PlaylistSize = size })
	metrics.SetPlaylist(a.store.Version(), size)
	return a, nil
}

// loadOfflinePlaylist seeds the store from the last snapshot, falling back
// to a cache-directory scan. Boot never blocks on the network; the poller
// replaces whatever this finds on its first success.
func (a *App) loadOfflinePlaylist(cfg config.Config) {
	stateDir := cfg.StateDirResolved()

	if snap, ok := playlist.LoadSnapshot(stateDir); ok {
		items := offline.FromSnapshot(cfg, snap.Playlist)
		if len(items) > 0 {
			var netAvail *bool
			if cfg.OfflineMaxAgeHours > 0 && cfg.OfflineIgnoreMaxAgeWhenNoNetwork {
				v := api.Reachable(cfg.APIURL, reachProbeTimeout)
				netAvail = &v
			}
			if offline.Allowed(cfg, snap.SavedAt, netAvail) {
				a.store.Update(items, snap.Fingerprint)
				a.logger.Info().Str("event", "app.snapshot_loaded").
					Int("items", len(items)).
					Str("saved_at", snap.SavedAt).
					Msg("playing the last good playlist")
				return
			}
			a.logger.Warn().Str("event", "app.snapshot_too_old").
				Str("saved_at", snap.SavedAt).
				Float64("max_age_hours", cfg.OfflineMaxAgeHours).
				Msg("snapshot over the offline age limit, ignoring it")
		}
	}

	if !cfg.OfflineFallback {
		return
	}
	items := offline.FromCache(cfg, a.index)
	if len(items) == 0 {
		return
	}
	fp := playlist.Fingerprint(items)
	a.store.Update(items, fp)
	if err := playlist.SaveSnapshot(stateDir, items, fp); err != nil {
		a.logger.Warn().Str("event", "app.snapshot_save_failed").Err(err).Msg("cache-derived snapshot not saved")
	}
	a.logger.Info().Str("event", "app.cache_rebuilt").
		Int("items", len(items)).
		Msg("rebuilt a playlist from the cache directory")
}

// Run starts the player and every worker, then blocks until ctx ends and
// the workers have drained. The player child is stopped last so a clean
// shutdown never leaves a frozen frame.
func (a *App) Run(ctx context.Context) error {
	snapshot := a.manager.Snapshot
	cfg := snapshot()

	hotkeysConf := ui.EnsureHotkeysConf(cfg, logx.WithComponent("ui"))
	a.player = player.New(func() player.Options {
		c := snapshot()
		return player.Options{
			PlayerPath:  c.PlayerPath,
			IPCPath:     c.IPCPath,
			RotationDeg: c.RotationDeg,
			LowResource: c.LowResourceMode,
			Mute:        c.Mute,
			LockInput:   c.LockInput,
			Hwdec:       c.Hwdec,
			InputConf:   hotkeysConf,
		}
	}, logx.WithComponent("player"))

	if cfg.JournalEnabled {
		jr, err := journal.Open(cfg.StateDirResolved(), logx.WithComponent("journal"))
		if err != nil {
			a.logger.Warn().Str("event", "app.journal_unavailable").Err(err).Msg("continuing without the play journal")
		} else {
			a.journal = jr
		}
	}

	fetcher := api.NewClient(logx.WithComponent("api"))
	downloader := download.New(logx.WithComponent("download"), a.index)
	tel := telemetry.NewClient(telemetry.Deps{
		Config: snapshot,
		Status: a.reg,
		Plays:  a.plays(),
		Logger: logx.WithComponent("telemetry"),
	})
	poll := poller.New(poller.Deps{
		Config:    snapshot,
		Fetch:     fetcher,
		Download:  downloader,
		Store:     a.store,
		Status:    a.reg,
		Index:     a.index,
		Telemetry: tel,
		Logger:    logx.WithComponent("poller"),
	})
	scheduler := sched.New(sched.Deps{
		Config:  snapshot,
		Store:   a.store,
		Player:  a.player,
		Status:  a.reg,
		Index:   a.index,
		Journal: a.recorder(),
		Logger:  logx.WithComponent("sched"),
	})
	dog := watchdog.New(watchdog.Deps{
		Config: snapshot,
		Player: a.player,
		Status: a.reg,
		Logger: logx.WithComponent("watchdog"),
	})
	sweeper := cleanup.New(cleanup.Deps{
		Config:  snapshot,
		Store:   a.store,
		Status:  a.reg,
		Index:   a.index,
		Journal: a.pruner(),
		Logger:  logx.WithComponent("cleanup"),
	})
	uiServer := ui.New(ui.Deps{
		Manager: a.manager,
		Status:  a.reg,
		Player:  a.player,
		Poller:  poll,
		Logger:  logx.WithComponent("ui"),
	})

	a.player.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return dog.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return uiServer.Run(gctx) })
	g.Go(func() error {
		// Hot reload is a convenience; losing it must not stop playback.
		if err := a.manager.Watch(gctx); err != nil {
			a.logger.Warn().Str("event", "app.config_watch_failed").Err(err).Msg("config hot reload unavailable")
		}
		return nil
	})
	g.Go(func() error {
		return status.RunWriter(gctx, a.reg, func() (string, time.Duration) {
			c := snapshot()
			return c.StatusFile, time.Duration(c.StatusIntervalSec) * time.Second
		}, logx.WithComponent("status"))
	})
	g.Go(func() error { return telemetry.NewWorker(tel).Run(gctx) })
	if a.polling {
		g.Go(func() error { return poll.Run(gctx) })
	}

	a.logger.Info().Str("event", "app.started").
		Str("version", a.opts.Version).
		Bool("polling", a.polling).
		Int("playlist_items", a.store.Len()).
		Msg("agent running")

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) shutdown() {
	a.player.Stop()
	if err := a.index.Flush(); err != nil {
		a.logger.Warn().Str("event", "app.index_flush_failed").Err(err).Msg("cache index not persisted")
	}
	if err := a.journal.Close(); err != nil {
		a.logger.Warn().Str("event", "app.journal_close_failed").Err(err).Msg("journal not closed cleanly")
	}
	a.logger.Info().Str("event", "app.stopped").Msg("agent stopped")
}

// recorder hands the journal to the scheduler without smuggling a typed
// nil into the interface when journalling is off.
func (a *App) recorder() sched.PlayRecorder {
	if a.journal == nil {
		return nil
	}
	return a.journal
}

func (a *App) plays() telemetry.Plays {
	if a.journal == nil {
		return nil
	}
	return a.journal
}

func (a *App) pruner() cleanup.Pruner {
	if a.journal == nil {
		return nil
	}
	return a.journal
}
