// Package poller keeps the playlist fresh: it fetches the campaign list
// on an interval, localises media through the downloader, and swaps the
// playlist store when the content actually changed. Remote failures back
// off exponentially and never clear the playlist already on screen.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/api"
	"github.com/doohlabs/kioskd/internal/cacheindex"
	"github.com/doohlabs/kioskd/internal/cleanup"
	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/download"
	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/metrics"
	"github.com/doohlabs/kioskd/internal/offline"
	"github.com/doohlabs/kioskd/internal/playlist"
	"github.com/doohlabs/kioskd/internal/statefile"
	"github.com/doohlabs/kioskd/internal/status"
	"github.com/doohlabs/kioskd/internal/telemetry"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 300 * time.Second
)

// Fetcher returns the remote playlist. *api.Client satisfies it.
type Fetcher interface {
	FetchMediaList(ctx context.Context, q api.Query) ([]media.Item, error)
}

// Localizer resolves raw entries to cached local files.
// *download.Downloader satisfies it.
type Localizer interface {
	FetchAll(ctx context.Context, raw []media.Item, opts download.Options) ([]media.Item, error)
}

// Telemetry delivers poll-related heartbeats. *telemetry.Client
// satisfies it.
type Telemetry interface {
	Send(ctx context.Context, hb telemetry.Heartbeat) bool
}

// Deps wires the poller's collaborators.
type Deps struct {
	Config    func() config.Config
	Fetch     Fetcher
	Download  Localizer
	Store     *playlist.Store
	Status    *status.Registry
	Index     *cacheindex.Index
	Telemetry Telemetry // optional
	Logger    zerolog.Logger
}

// Poller refreshes the playlist every poll_interval_sec.
type Poller struct {
	deps Deps
	kick chan struct{}
}

// New builds a poller; Run does the work.
func New(deps Deps) *Poller {
	return &Poller{deps: deps, kick: make(chan struct{}, 1)}
}

// PollNow asks the running loop to skip the rest of its wait. Safe from
// any goroutine; extra kicks while one is pending are dropped.
func (p *Poller) PollNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx ends, starting with an immediate fetch. It returns
// the context error.
func (p *Poller) Run(ctx context.Context) error {
	backoff := initialBackoff
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cfg := p.deps.Config()
		if err := p.pollOnce(ctx, cfg); err != nil {
			failures++
			p.deps.Logger.Warn().Str("event", "poll.failed").
				Err(err).Int("consecutive_failures", failures).
				Msg("api polling failed")
			errAt := status.Now()
			msg := err.Error()
			count := failures
			p.deps.Status.Set(func(st *status.Snapshot) {
				st.LastPollError = errAt + " " + msg
				st.ConsecutiveFailures = count
			})
			metrics.IncPoll(false)
			metrics.PollBackoffSeconds.Set(backoff.Seconds())
			if p.deps.Telemetry != nil {
				p.deps.Telemetry.Send(ctx, telemetry.Heartbeat{
					Type:         telemetry.TypeMediaFetch,
					Status:       telemetry.StatusError,
					ErrorCode:    "media_fetch_failed",
					ErrorMessage: msg,
				})
			}
			if !p.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		failures = 0
		backoff = initialBackoff
		now := time.Now()
		okAt := status.Timestamp(now)
		p.deps.Status.Set(func(st *status.Snapshot) {
			st.LastPollSuccess = okAt
			st.LastPollError = ""
			st.ConsecutiveFailures = 0
		})
		if err := statefile.SaveLastSuccess(cfg.StateDirResolved(), now); err != nil {
			p.deps.Logger.Warn().Str("event", "poll.state_write_failed").
				Err(err).Msg("could not record last success")
		}
		metrics.IncPoll(true)
		metrics.PollBackoffSeconds.Set(0)

		if !p.waitInterval(ctx, cfg) {
			return ctx.Err()
		}
	}
}

// pollOnce runs one fetch-download-swap pass. A nil return means the
// poll counts as a success even when the playlist was left untouched.
func (p *Poller) pollOnce(ctx context.Context, cfg config.Config) error {
	raw, err := p.deps.Fetch.FetchMediaList(ctx, queryFromConfig(cfg))
	if err != nil {
		return err
	}

	if len(raw) == 0 && !cfg.AllowEmptyPlaylistFromAPI {
		return p.handleEmpty(ctx, cfg)
	}

	fingerprint := playlist.Fingerprint(raw)
	items, err := p.deps.Download.FetchAll(ctx, raw, downloadOptions(cfg))
	if err != nil {
		return err
	}

	if cfg.RequireFullDownloadBeforeSwitch && len(items) < len(raw) {
		p.deps.Logger.Warn().Str("event", "poll.partial_download").
			Int("resolved", len(items)).Int("expected", len(raw)).
			Msg("playlist incomplete, keeping the current one")
		size := p.deps.Store.Len()
		p.deps.Status.Set(func(st *status.Snapshot) { st.PlaylistSize = size })
		return nil
	}

	updated := p.deps.Store.Update(items, fingerprint)
	if updated {
		p.deps.Logger.Info().Str("event", "poll.playlist_updated").
			Int("items", len(items)).Str("fingerprint", fingerprint).
			Msg("playlist updated")
		metrics.SetPlaylist(p.deps.Store.Version(), len(items))
	}
	if len(items) > 0 && (updated || !playlist.SnapshotExists(cfg.StateDirResolved())) {
		if err := playlist.SaveSnapshot(cfg.StateDirResolved(), items, fingerprint); err != nil {
			p.deps.Logger.Warn().Str("event", "poll.snapshot_failed").
				Err(err).Msg("could not persist playlist")
		}
	}
	if updated {
		p.afterUpdate(ctx, cfg, items)
	}

	size := len(items)
	p.deps.Status.Set(func(st *status.Snapshot) { st.PlaylistSize = size })
	return nil
}

// handleEmpty resolves an empty API answer: keep what is playing, else
// rebuild from the local cache, else report the outage.
func (p *Poller) handleEmpty(ctx context.Context, cfg config.Config) error {
	current, _ := p.deps.Store.Get()
	if len(current) > 0 {
		p.deps.Logger.Warn().Str("event", "poll.empty_kept").
			Int("items", len(current)).
			Msg("api returned an empty playlist, keeping the current one")
		size := len(current)
		p.deps.Status.Set(func(st *status.Snapshot) { st.PlaylistSize = size })
		return nil
	}

	cached := offline.FromCache(cfg, p.deps.Index)
	if len(cached) > 0 {
		fingerprint := playlist.Fingerprint(cached)
		if p.deps.Store.Update(cached, fingerprint) {
			p.deps.Logger.Warn().Str("event", "poll.empty_cache_fallback").
				Int("items", len(cached)).
				Msg("api returned an empty playlist, rebuilt one from the local cache")
			metrics.SetPlaylist(p.deps.Store.Version(), len(cached))
			if err := playlist.SaveSnapshot(cfg.StateDirResolved(), cached, fingerprint); err != nil {
				p.deps.Logger.Warn().Str("event", "poll.snapshot_failed").
					Err(err).Msg("could not persist playlist")
			}
		}
		size := len(cached)
		p.deps.Status.Set(func(st *status.Snapshot) { st.PlaylistSize = size })
		return nil
	}

	return errors.New("api returned an empty playlist and no local media is available")
}

// afterUpdate prunes cache files the new playlist no longer references
// and announces the switch.
func (p *Poller) afterUpdate(ctx context.Context, cfg config.Config, items []media.Item) {
	keep := make(map[string]bool, len(items)+2)
	for _, it := range items {
		if it.Path != "" {
			keep[it.Path] = true
		}
	}
	snap := p.deps.Status.Snapshot()
	if snap.CurrentItem != nil && snap.CurrentItem.Path != "" {
		keep[snap.CurrentItem.Path] = true
	}
	if snap.NextItem != nil && snap.NextItem.Path != "" {
		keep[snap.NextItem.Path] = true
	}

	removed := cleanup.SweepCache(cfg, keep, p.deps.Index, p.deps.Logger)
	doneAt := status.Now()
	p.deps.Status.Set(func(st *status.Snapshot) {
		st.LastCleanup = doneAt
		st.LastCleanupRemoved = removed
	})

	if p.deps.Telemetry != nil {
		p.deps.Telemetry.Send(ctx, telemetry.Heartbeat{
			Type:   telemetry.TypePlaylist,
			Status: telemetry.StatusOK,
			Notes:  "playlist updated",
		})
	}
}

// waitInterval sleeps poll_interval_sec, waking early on PollNow.
func (p *Poller) waitInterval(ctx context.Context, cfg config.Config) bool {
	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-p.kick:
		p.deps.Logger.Info().Str("event", "poll.kicked").Msg("immediate poll requested")
		return true
	case <-time.After(interval):
		return true
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func queryFromConfig(cfg config.Config) api.Query {
	return api.Query{
		URL:                cfg.APIURL,
		APIKey:             cfg.APIKey,
		EnvironmentID:      cfg.EnvironmentID,
		OnlyStandby:        cfg.OnlyStandby,
		SearchIn:           cfg.SearchIn,
		IncludeDescendants: cfg.IncludeDescendants,
		Limit:              cfg.Limit,
		Timeout:            time.Duration(cfg.RequestTimeoutSec) * time.Second,
		DefaultDurationMS:  cfg.DefaultDurationMS,
	}
}

func downloadOptions(cfg config.Config) download.Options {
	return download.Options{
		CacheDir:          cfg.CacheDir,
		Timeout:           time.Duration(cfg.RequestTimeoutSec) * time.Second,
		RateLimitBytesSec: cfg.DownloadRateLimitBytesSec,
	}
}
