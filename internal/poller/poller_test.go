package poller

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/api"
	"github.com/doohlabs/kioskd/internal/cacheindex"
	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/download"
	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/playlist"
	"github.com/doohlabs/kioskd/internal/statefile"
	"github.com/doohlabs/kioskd/internal/status"
	"github.com/doohlabs/kioskd/internal/telemetry"
)

type fakeFetcher struct {
	mu    sync.Mutex
	items []media.Item
	calls int
}

func (f *fakeFetcher) FetchMediaList(ctx context.Context, q api.Query) ([]media.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]media.Item(nil), f.items...), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLocalizer writes each "downloaded" file into the cache dir and
// fills in its path. drop leaves that many trailing items unresolved.
type fakeLocalizer struct {
	mu   sync.Mutex
	drop int
}

func (f *fakeLocalizer) FetchAll(ctx context.Context, raw []media.Item, opts download.Options) ([]media.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]media.Item, 0, len(raw))
	for i, it := range raw {
		if i >= len(raw)-f.drop {
			break
		}
		it.Path = filepath.Join(opts.CacheDir, path.Base(it.URL))
		if err := os.WriteFile(it.Path, []byte("media"), 0o644); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

type fakeTelemetry struct {
	mu    sync.Mutex
	beats []telemetry.Heartbeat
}

func (f *fakeTelemetry) Send(ctx context.Context, hb telemetry.Heartbeat) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, hb)
	return true
}

func (f *fakeTelemetry) byType(kind string) []telemetry.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []telemetry.Heartbeat
	for _, hb := range f.beats {
		if hb.Type == kind {
			out = append(out, hb)
		}
	}
	return out
}

func rawItems(names ...string) []media.Item {
	items := make([]media.Item, 0, len(names))
	for _, name := range names {
		items = append(items, media.Item{
			URL:          "http://cdn.example/" + name,
			DurationMS:   5000,
			CampaignName: strings.TrimSuffix(name, ".mp4"),
		})
	}
	return items
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.PollIntervalSec = 3600
	return cfg
}

func newTestPoller(t *testing.T, cfg config.Config, fetch *fakeFetcher, local *fakeLocalizer, tel *fakeTelemetry) (*Poller, *playlist.Store, *status.Registry) {
	t.Helper()
	store := &playlist.Store{}
	reg := status.NewRegistry()
	deps := Deps{
		Config:   func() config.Config { return cfg },
		Fetch:    fetch,
		Download: local,
		Store:    store,
		Status:   reg,
		Index:    cacheindex.Open(cfg.StateDirResolved()),
		Logger:   zerolog.Nop(),
	}
	// Assign only when set so a nil *fakeTelemetry stays a nil interface.
	if tel != nil {
		deps.Telemetry = tel
	}
	p := New(deps)
	return p, store, reg
}

func startPoller(t *testing.T, p *Poller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("poller did not stop")
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestRunUpdatesPlaylist(t *testing.T) {
	cfg := testConfig(t)
	raw := rawItems("a.mp4", "b.mp4")
	fetch := &fakeFetcher{items: raw}
	tel := &fakeTelemetry{}
	p, store, reg := newTestPoller(t, cfg, fetch, &fakeLocalizer{}, tel)
	startPoller(t, p)

	waitFor(t, 3*time.Second, "playlist update", func() bool {
		return store.Len() == 2
	})
	if got, want := store.Fingerprint(), playlist.Fingerprint(raw); got != want {
		t.Fatalf("fingerprint = %q, want %q", got, want)
	}
	items, version := store.Get()
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	for _, it := range items {
		if it.Path == "" {
			t.Fatalf("item %q has no local path", it.URL)
		}
	}

	waitFor(t, 2*time.Second, "status stamp", func() bool {
		snap := reg.Snapshot()
		return snap.LastPollSuccess != "" && snap.PlaylistSize == 2
	})
	snap := reg.Snapshot()
	if snap.ConsecutiveFailures != 0 || snap.LastPollError != "" {
		t.Fatalf("failure state after success: %+v", snap)
	}
	if !playlist.SnapshotExists(cfg.StateDirResolved()) {
		t.Fatal("playlist snapshot missing")
	}
	if _, ok := statefile.LoadLastSuccess(cfg.StateDirResolved()); !ok {
		t.Fatal("last success marker missing")
	}
	if got := tel.byType(telemetry.TypePlaylist); len(got) != 1 {
		t.Fatalf("playlist heartbeats = %d, want 1", len(got))
	}
}

func TestRunUpdateEvictsUnreferencedFiles(t *testing.T) {
	cfg := testConfig(t)
	stale := filepath.Join(cfg.CacheDir, "stale.mp4")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	fetch := &fakeFetcher{items: rawItems("a.mp4")}
	p, _, reg := newTestPoller(t, cfg, fetch, &fakeLocalizer{}, nil)
	startPoller(t, p)

	waitFor(t, 3*time.Second, "stale file eviction", func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	})
	if _, err := os.Stat(filepath.Join(cfg.CacheDir, "a.mp4")); err != nil {
		t.Fatalf("playlist media was evicted: %v", err)
	}
	waitFor(t, 2*time.Second, "cleanup stamp", func() bool {
		snap := reg.Snapshot()
		return snap.LastCleanup != "" && snap.LastCleanupRemoved >= 1
	})
}

func TestRunEmptyKeepsCurrentPlaylist(t *testing.T) {
	cfg := testConfig(t)
	fetch := &fakeFetcher{}
	p, store, reg := newTestPoller(t, cfg, fetch, &fakeLocalizer{}, nil)
	current := []media.Item{{URL: "http://cdn.example/live.mp4", DurationMS: 5000, Path: "/m/live.mp4"}}
	store.Update(current, "live")
	startPoller(t, p)

	waitFor(t, 3*time.Second, "poll success", func() bool {
		return reg.Snapshot().LastPollSuccess != ""
	})
	if got := store.Len(); got != 1 {
		t.Fatalf("playlist length = %d, want the existing item kept", got)
	}
	if _, version := store.Get(); version != 1 {
		t.Fatalf("version = %d, want no new playlist", version)
	}
	if got := reg.Snapshot().PlaylistSize; got != 1 {
		t.Fatalf("playlist size = %d, want 1", got)
	}
}

func TestRunEmptyFallsBackToCache(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.CacheDir, "cached.mp4"), []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}

	fetch := &fakeFetcher{}
	p, store, reg := newTestPoller(t, cfg, fetch, &fakeLocalizer{}, nil)
	startPoller(t, p)

	waitFor(t, 3*time.Second, "cache fallback", func() bool {
		return store.Len() == 1
	})
	items, version := store.Get()
	if version != 1 {
		t.Fatalf("version = %d, want the fallback adoption to bump it", version)
	}
	if got, want := items[0].Path, filepath.Join(cfg.CacheDir, "cached.mp4"); got != want {
		t.Fatalf("fallback path = %q, want %q", got, want)
	}
	if !strings.HasPrefix(items[0].URL, "cache://") {
		t.Fatalf("fallback url = %q, want a cache:// one", items[0].URL)
	}
	waitFor(t, 2*time.Second, "success stamp", func() bool {
		snap := reg.Snapshot()
		return snap.LastPollSuccess != "" && snap.PlaylistSize == 1
	})
	if !playlist.SnapshotExists(cfg.StateDirResolved()) {
		t.Fatal("fallback playlist was not snapshotted")
	}
}

func TestRunEmptyWithNothingLocalFails(t *testing.T) {
	cfg := testConfig(t)
	fetch := &fakeFetcher{}
	tel := &fakeTelemetry{}
	p, store, reg := newTestPoller(t, cfg, fetch, &fakeLocalizer{}, tel)
	startPoller(t, p)

	waitFor(t, 3*time.Second, "first failure", func() bool {
		return reg.Snapshot().ConsecutiveFailures >= 1
	})
	snap := reg.Snapshot()
	if snap.LastPollSuccess != "" {
		t.Fatal("empty result with nothing local must not count as success")
	}
	if !strings.Contains(snap.LastPollError, "empty") {
		t.Fatalf("last poll error = %q", snap.LastPollError)
	}
	if store.Len() != 0 {
		t.Fatalf("playlist length = %d, want 0", store.Len())
	}
	beats := tel.byType(telemetry.TypeMediaFetch)
	if len(beats) == 0 {
		t.Fatal("no media_fetch heartbeat")
	}
	if beats[0].Status != telemetry.StatusError || beats[0].ErrorCode != "media_fetch_failed" {
		t.Fatalf("heartbeat = %+v", beats[0])
	}

	// The retry loop backs off and tries again on its own.
	waitFor(t, 5*time.Second, "second failure", func() bool {
		return reg.Snapshot().ConsecutiveFailures >= 2
	})
}

func TestRunPartialDownloadKeepsCurrentPlaylist(t *testing.T) {
	cfg := testConfig(t)
	fetch := &fakeFetcher{items: rawItems("a.mp4", "b.mp4")}
	tel := &fakeTelemetry{}
	p, store, reg := newTestPoller(t, cfg, fetch, &fakeLocalizer{drop: 1}, tel)
	current := []media.Item{{URL: "http://cdn.example/live.mp4", DurationMS: 5000, Path: "/m/live.mp4"}}
	store.Update(current, "live")
	startPoller(t, p)

	waitFor(t, 3*time.Second, "poll success", func() bool {
		return reg.Snapshot().LastPollSuccess != ""
	})
	if got := store.Fingerprint(); got != "live" {
		t.Fatalf("fingerprint = %q, want the incomplete playlist rejected", got)
	}
	if got := reg.Snapshot().PlaylistSize; got != 1 {
		t.Fatalf("playlist size = %d, want the current one reported", got)
	}
	if got := tel.byType(telemetry.TypePlaylist); len(got) != 0 {
		t.Fatalf("playlist heartbeats = %d, want none for a rejected switch", len(got))
	}
}

func TestPollNowWakesTheLoop(t *testing.T) {
	cfg := testConfig(t)
	fetch := &fakeFetcher{items: rawItems("a.mp4")}
	p, _, _ := newTestPoller(t, cfg, fetch, &fakeLocalizer{}, nil)
	startPoller(t, p)

	waitFor(t, 3*time.Second, "initial poll", func() bool {
		return fetch.callCount() == 1
	})
	p.PollNow()
	waitFor(t, 3*time.Second, "kicked poll", func() bool {
		return fetch.callCount() >= 2
	})
}
