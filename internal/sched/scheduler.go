package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/cacheindex"
	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/metrics"
	"github.com/doohlabs/kioskd/internal/playlist"
	"github.com/doohlabs/kioskd/internal/status"
)

// Player is the controller surface the scheduler drives. The real
// implementation lives in internal/player.
type Player interface {
	EnsureRunning()
	Restart()
	Generation() int
	LoadFile(path string) bool
	AppendFile(path string) bool
	PlaylistNext() bool
	PlaylistRemove(index int) bool
	SetProperty(name string, value any) bool
	SeekAbsolute(seconds float64) bool
}

// PlayRecorder receives one record per item start for the local
// proof-of-play journal.
type PlayRecorder interface {
	RecordPlay(it media.Item, startedAt time.Time, plannedMS, offsetMS int)
}

const (
	tickInterval    = 200 * time.Millisecond
	idleRetryDelay  = time.Second
	minLoadCooldown = 5 * time.Second
)

// Deps wires the scheduler's collaborators.
type Deps struct {
	Config  func() config.Config
	Store   *playlist.Store
	Player  Player
	Status  *status.Registry
	Index   *cacheindex.Index
	Journal PlayRecorder // optional
	Logger  zerolog.Logger
}

// Scheduler owns playback: item selection, UTC alignment, the media
// blacklist and preload bookkeeping. Run is single-threaded; all
// cross-worker state flows through the deps.
type Scheduler struct {
	deps Deps

	// now reads the wall clock for schedule math. Item progress and
	// the boot hard check use the monotonic clock instead, so NTP
	// nudges never stretch or clip playback.
	now func() time.Time
}

// New builds a scheduler; Run does the work.
func New(deps Deps) *Scheduler {
	return &Scheduler{deps: deps, now: time.Now}
}

// Run plays the playlist until ctx ends. It returns the context error.
func (s *Scheduler) Run(ctx context.Context) error {
	var (
		idx            int
		offsetMS       int
		lastVersion    = -1
		preloadedPath  string
		lastGeneration = -1
		blockedUntil   = map[string]time.Time{}

		pendingSoft      bool
		pendingDailyZero time.Time // zero means no zero crossing is due
		bootHardDue      time.Time // monotonic deadline, zero means spent
		nextCheckpoint   time.Time
		forceDailyZero   bool
	)

	cfg := s.deps.Config()
	if cfg.SyncEnabled {
		bootNow := s.now()
		if IsPrepWindow(bootNow) {
			prepAnchor := NextDailyAnchor(bootNow)
			s.deps.Status.Set(func(st *status.Snapshot) {
				st.SyncMode = "prep"
				st.SyncAnchorUTC = status.Timestamp(prepAnchor)
				st.SyncLastAction = "prep_wait_anchor"
			})
			RunNTPCommand(ctx, cfg.SyncNTPCommand, s.deps.Logger)
			if cfg.PrepWaitMode() {
				s.deps.Status.Set(func(st *status.Snapshot) {
					st.PlaybackState = "waiting_sync_anchor"
					st.BlackScreenRiskReason = "sync_prep_wait"
				})
				s.deps.Logger.Info().Str("event", "sync.prep_wait").
					Float64("wait_sec", prepAnchor.Sub(s.now()).Seconds()).
					Msg("holding playback for the daily anchor")
				if !s.sleepUntil(ctx, prepAnchor) {
					return ctx.Err()
				}
				forceDailyZero = true
				s.deps.Status.Set(func(st *status.Snapshot) {
					st.SyncMode = "running"
					st.SyncAnchorUTC = status.Timestamp(prepAnchor)
					st.SyncLastAction = "daily_zero_ready"
					st.PlaybackState = "starting"
					st.BlackScreenRiskReason = ""
				})
				s.deps.Logger.Info().Str("event", "sync.prep_done").Msg("daily anchor reached, starting at cycle zero")
			} else {
				pendingDailyZero = prepAnchor
				s.deps.Status.Set(func(st *status.Snapshot) {
					st.SyncMode = "running"
					st.SyncAnchorUTC = status.Timestamp(prepAnchor)
					st.SyncLastAction = "prep_play_until_anchor"
				})
				s.deps.Logger.Info().Str("event", "sync.prep_play").
					Time("anchor", prepAnchor).
					Msg("playing until the daily anchor, cycle zero deferred")
			}
		} else {
			s.deps.Status.Set(func(st *status.Snapshot) { st.SyncMode = "running" })
		}
		if cfg.SyncBootHardCheckSec > 0 {
			bootHardDue = time.Now().Add(time.Duration(cfg.SyncBootHardCheckSec) * time.Second)
		}
		nextCheckpoint = NextCheckpoint(s.now(), cfg.SyncCheckpointIntervalSec)
		cp := nextCheckpoint
		s.deps.Status.Set(func(st *status.Snapshot) { st.SyncNextCheckpointUTC = status.Timestamp(cp) })
	} else {
		s.deps.Status.Set(func(st *status.Snapshot) { st.SyncMode = "disabled" })
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		items, version := s.deps.Store.Get()
		if len(items) == 0 {
			s.deps.Status.Set(func(st *status.Snapshot) {
				st.PlaybackState = "waiting_for_media"
				st.BlackScreenRiskReason = "playlist_empty"
				st.BlockedMediaCount = 0
			})
			if !s.sleep(ctx, idleRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		durationsMS, cycleStartMS, cycleTotalMS := CycleTimeline(items)
		if cycleTotalMS <= 0 {
			s.deps.Status.Set(func(st *status.Snapshot) {
				st.PlaybackState = "waiting_for_media"
				st.BlackScreenRiskReason = "invalid_playlist_timeline"
			})
			if !s.sleep(ctx, idleRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		nowBlock := s.now()
		for p, ts := range blockedUntil {
			if !ts.After(nowBlock) {
				delete(blockedUntil, p)
			}
		}
		blockedCount := 0
		for _, it := range items {
			if blockedUntil[it.Path].After(nowBlock) {
				blockedCount++
			}
		}
		metrics.BlockedMedia.Set(float64(len(blockedUntil)))
		if blockedCount >= len(items) {
			count := blockedCount
			s.deps.Status.Set(func(st *status.Snapshot) {
				st.PlaybackState = "waiting_for_media"
				st.BlackScreenRiskReason = "all_media_temporarily_blocked"
				st.BlockedMediaCount = count
			})
			if !s.sleep(ctx, idleRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		cfg = s.deps.Config()
		syncEnabled := cfg.SyncEnabled
		thresholdMS := cfg.SyncDriftThresholdMS
		hardMS := cfg.SyncHardResyncMS
		checkpointSec := cfg.SyncCheckpointIntervalSec

		if syncEnabled && nextCheckpoint.IsZero() {
			nextCheckpoint = NextCheckpoint(s.now(), checkpointSec)
			cp := nextCheckpoint
			s.deps.Status.Set(func(st *status.Snapshot) { st.SyncNextCheckpointUTC = status.Timestamp(cp) })
		}
		cycle := cycleTotalMS
		if !syncEnabled {
			pendingSoft = false
			pendingDailyZero = time.Time{}
			bootHardDue = time.Time{}
			nextCheckpoint = time.Time{}
			s.deps.Status.Set(func(st *status.Snapshot) {
				st.SyncMode = "disabled"
				st.SyncCycleMS = cycle
			})
		} else {
			s.deps.Status.Set(func(st *status.Snapshot) {
				st.SyncMode = "running"
				st.SyncCycleMS = cycle
			})
		}

		if version != lastVersion {
			lastVersion = version
			preloadedPath = ""
			pendingSoft = false
			switch {
			case !syncEnabled:
				idx, offsetMS = 0, 0
			case forceDailyZero:
				idx, offsetMS = 0, 0
				forceDailyZero = false
				s.deps.Status.Set(func(st *status.Snapshot) { st.SyncLastAction = "daily_zero_applied" })
				metrics.IncResync("daily_zero")
				s.deps.Logger.Info().Str("event", "sync.daily_zero").Msg("cycle zero applied at the daily anchor")
			default:
				if pos, ok := ComputeCyclePosition(s.now(), durationsMS); ok {
					idx, offsetMS = pos.Index, pos.OffsetMS
					anchor := pos.Anchor
					s.deps.Status.Set(func(st *status.Snapshot) {
						st.SyncAnchorUTC = status.Timestamp(anchor)
						st.SyncLastAction = "playlist_realign"
					})
					s.deps.Logger.Info().Str("event", "sync.realign").
						Int("index", idx).Int("offset_ms", offsetMS).
						Msg("playlist changed, recomputed utc position")
				}
			}
		}

		idx %= len(items)
		item := items[idx]
		if blockedUntil[item.Path].After(s.now()) {
			idx++
			offsetMS = 0
			continue
		}
		itemDurationMS := durationsMS[idx]
		var nextItem *media.Item
		if len(items) > 1 {
			ni := items[(idx+1)%len(items)]
			nextItem = &ni
		}

		s.deps.Player.EnsureRunning()
		if gen := s.deps.Player.Generation(); gen != lastGeneration {
			lastGeneration = gen
			preloadedPath = ""
		}
		reusePreloaded := preloadedPath == item.Path && offsetMS <= 0
		if !reusePreloaded {
			if !s.deps.Player.LoadFile(item.Path) {
				s.deps.Logger.Warn().Str("event", "playback.load_failed").
					Str("path", item.Path).
					Msg("load failed, restarting player")
				metrics.IncPlayerRestart("media_load_failed")
				s.deps.Player.Restart()
				if !s.deps.Player.LoadFile(item.Path) {
					cooldown := time.Duration(cfg.MediaLoadRetryCooldownSec) * time.Second
					if cooldown < minLoadCooldown {
						cooldown = minLoadCooldown
					}
					blockedUntil[item.Path] = s.now().Add(cooldown)
					metrics.BlockedMedia.Set(float64(len(blockedUntil)))
					renderErr := status.Timestamp(s.now()) + " failed_to_load:" + item.Path
					blocked := len(blockedUntil)
					s.deps.Status.Set(func(st *status.Snapshot) {
						st.PlaybackState = "recovering"
						st.BlackScreenRiskReason = "media_load_failed"
						st.BlockedMediaCount = blocked
						st.LastRenderError = renderErr
					})
					idx++
					offsetMS = 0
					if !s.sleep(ctx, tickInterval) {
						return ctx.Err()
					}
					continue
				}
			}
			if offsetMS > 0 && !media.IsImagePath(item.Path) {
				sec := float64(offsetMS) / 1000.0
				if !s.deps.Player.SeekAbsolute(sec) {
					s.deps.Player.SetProperty("time-pos", sec)
				}
			}
		}
		preloadedPath = ""
		delete(blockedUntil, item.Path)

		if nextItem != nil && cfg.PreloadNext {
			s.deps.Player.AppendFile(nextItem.Path)
		}

		startedAt := s.now()
		curInfo := &status.ItemInfo{
			URL:          item.URL,
			Path:         item.Path,
			DurationMS:   itemDurationMS,
			CampaignID:   item.CampaignID,
			CampaignName: item.CampaignName,
			StartedAt:    status.Timestamp(startedAt),
			OffsetMS:     offsetMS,
		}
		var nextInfo *status.ItemInfo
		if nextItem != nil {
			nextInfo = &status.ItemInfo{
				URL:          nextItem.URL,
				Path:         nextItem.Path,
				DurationMS:   nextItem.DurationMS,
				CampaignID:   nextItem.CampaignID,
				CampaignName: nextItem.CampaignName,
			}
		}
		curIdx := idx
		blocked := len(blockedUntil)
		s.deps.Status.Set(func(st *status.Snapshot) {
			st.PlaybackState = "playing"
			st.BlackScreenRiskReason = ""
			st.BlockedMediaCount = blocked
			st.LastRenderOK = status.Timestamp(startedAt)
			st.LastRenderError = ""
			st.CurrentIndex = curIdx
			st.CurrentItem = curInfo
			st.NextItem = nextInfo
		})
		s.deps.Index.Touch(item.Path, item)
		if s.deps.Journal != nil {
			s.deps.Journal.RecordPlay(item, startedAt, itemDurationMS, offsetMS)
		}
		metrics.PlaysTotal.Inc()
		s.deps.Logger.Info().Str("event", "playback.playing").
			Str("url", item.URL).
			Int("duration_ms", itemDurationMS).
			Int("offset_ms", offsetMS).
			Msg("item started")

		itemStarted := time.Now()
		remainingMS := max(itemDurationMS-offsetMS, 1)
		currentCycleStartMS := cycleStartMS[idx]
		hardResync := false

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			elapsedMS := int(time.Since(itemStarted).Milliseconds())
			if elapsedMS >= remainingMS {
				break
			}

			checkReason := ""
			wallNow := s.now()
			if syncEnabled {
				switch {
				case !pendingDailyZero.IsZero() && !wallNow.Before(pendingDailyZero):
					checkReason = "daily_zero"
					pendingDailyZero = time.Time{}
				case !bootHardDue.IsZero() && !time.Now().Before(bootHardDue):
					checkReason = "boot_5min"
					bootHardDue = time.Time{}
				case !nextCheckpoint.IsZero() && !wallNow.Before(nextCheckpoint):
					checkReason = "utc_checkpoint"
					nextCheckpoint = NextCheckpoint(wallNow, checkpointSec)
					cp := nextCheckpoint
					s.deps.Status.Set(func(st *status.Snapshot) { st.SyncNextCheckpointUTC = status.Timestamp(cp) })
				}
			}

			if checkReason == "daily_zero" {
				idx, offsetMS = 0, 0
				pendingSoft = false
				hardResync = true
				preloadedPath = ""
				s.deps.Status.Set(func(st *status.Snapshot) {
					st.SyncAnchorUTC = status.Timestamp(DailyAnchor(wallNow))
					st.SyncLastCheckUTC = status.Timestamp(wallNow)
					st.SyncCheckpointReason = "daily_zero"
					st.SyncLastAction = "daily_zero_applied"
				})
				metrics.IncResync("daily_zero")
				s.deps.Logger.Info().Str("event", "sync.daily_zero").Msg("cycle zero applied at the daily anchor")
				break
			}
			if checkReason != "" {
				pos, ok := ComputeCyclePosition(wallNow, durationsMS)
				if ok {
					actualOffsetMS := min(offsetMS+elapsedMS, itemDurationMS)
					actualCyclePosMS := (currentCycleStartMS + actualOffsetMS) % pos.CycleTotalMS
					driftMS := SignedCycleDeltaMS(pos.CyclePosMS, actualCyclePosMS, pos.CycleTotalMS)
					action := ClassifyDrift(driftMS, thresholdMS, hardMS)
					metrics.SyncDriftMS.Set(float64(driftMS))

					reason := checkReason
					drift := driftMS
					anchor := pos.Anchor
					s.deps.Status.Set(func(st *status.Snapshot) {
						st.SyncAnchorUTC = status.Timestamp(anchor)
						st.SyncDriftMS = &drift
						st.SyncLastCheckUTC = status.Timestamp(wallNow)
						st.SyncCheckpointReason = reason
					})

					switch action {
					case DriftHardResync:
						idx, offsetMS = pos.Index, pos.OffsetMS
						pendingSoft = false
						hardResync = true
						preloadedPath = ""
						s.deps.Status.Set(func(st *status.Snapshot) {
							st.SyncLastAction = "hard_resync:" + reason
							st.HardResyncCount++
						})
						metrics.IncResync("hard")
						s.deps.Logger.Warn().Str("event", "sync.hard_resync").
							Str("reason", reason).Int("drift_ms", driftMS).
							Int("index", idx).Int("offset_ms", offsetMS).
							Msg("jumping to utc position")
					case DriftSoftResync:
						pendingSoft = true
						s.deps.Status.Set(func(st *status.Snapshot) { st.SyncLastAction = "soft_resync_pending:" + reason })
						s.deps.Logger.Info().Str("event", "sync.soft_pending").
							Str("reason", reason).Int("drift_ms", driftMS).
							Msg("soft resync queued for the item edge")
					default:
						s.deps.Status.Set(func(st *status.Snapshot) { st.SyncLastAction = "stable:" + reason })
					}
					if hardResync {
						break
					}
				}
			}

			if !s.sleep(ctx, tickInterval) {
				return ctx.Err()
			}
		}

		if hardResync {
			continue
		}

		if syncEnabled && pendingSoft {
			if pos, ok := ComputeCyclePosition(s.now(), durationsMS); ok {
				idx, offsetMS = pos.Index, pos.OffsetMS
				pendingSoft = false
				preloadedPath = ""
				anchor := pos.Anchor
				s.deps.Status.Set(func(st *status.Snapshot) {
					st.SyncAnchorUTC = status.Timestamp(anchor)
					st.SyncLastAction = "soft_resync_applied"
				})
				metrics.IncResync("soft")
				s.deps.Logger.Info().Str("event", "sync.soft_resync").
					Int("index", idx).Int("offset_ms", offsetMS).
					Msg("applied at the item edge")
				continue
			}
		}

		if nextItem != nil && cfg.PreloadNext {
			if s.deps.Player.PlaylistNext() {
				s.deps.Player.PlaylistRemove(0)
				preloadedPath = nextItem.Path
				idx++
				offsetMS = 0
				continue
			}
		}

		idx++
		offsetMS = 0
	}
}

// sleep waits d unless the context ends first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// sleepUntil polls the wall clock until target so that clock nudges
// during the wait still land on the right instant.
func (s *Scheduler) sleepUntil(ctx context.Context, target time.Time) bool {
	for s.now().Before(target) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(tickInterval):
		}
	}
	return true
}
