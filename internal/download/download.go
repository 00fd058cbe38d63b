// Package download localises playlist media into the cache directory.
// Files land under a URL-derived name via a temp file and rename, so a
// crash mid-download never leaves a half-written file at the final path.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/doohlabs/kioskd/internal/cacheindex"
	"github.com/doohlabs/kioskd/internal/httpx"
	"github.com/doohlabs/kioskd/internal/media"
	"github.com/doohlabs/kioskd/internal/metrics"
)

const (
	userAgent          = "kioskd/1.0"
	defaultConcurrency = 3
)

// Options tunes one fetch batch, taken from the live config.
type Options struct {
	CacheDir          string
	Timeout           time.Duration // header wait and read-gap stall limit
	RateLimitBytesSec int           // 0 = unlimited
	Concurrency       int
}

// Downloader fetches media files and records them in the cache index.
type Downloader struct {
	logger zerolog.Logger
	index  *cacheindex.Index
	httpc  *http.Client // test hook; nil builds a streaming client per batch
}

func New(logger zerolog.Logger, index *cacheindex.Index) *Downloader {
	return &Downloader{logger: logger, index: index}
}

// FetchAll localises raw items in input order. Already cached files are
// reused without a request. Items that cannot be fetched and have no cached
// copy are dropped; the caller decides whether a shrunken playlist is
// acceptable. The only hard error is an unusable cache dir.
func (d *Downloader) FetchAll(ctx context.Context, raw []media.Item, opts Options) ([]media.Item, error) {
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("download: cache dir: %w", err)
	}

	httpc := d.httpc
	if httpc == nil {
		httpc = streamingClient(opts.Timeout)
	}
	var limiter *rate.Limiter
	if opts.RateLimitBytesSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitBytesSec), opts.RateLimitBytesSec)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	results := make([]*media.Item, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, item := range raw {
		i, item := i, item
		g.Go(func() error {
			if it, ok := d.fetchOne(gctx, httpc, limiter, item, opts); ok {
				results[i] = &it
			}
			return nil
		})
	}
	g.Wait()

	items := make([]media.Item, 0, len(raw))
	for _, r := range results {
		if r != nil {
			items = append(items, *r)
		}
	}
	return items, nil
}

func (d *Downloader) fetchOne(ctx context.Context, httpc *http.Client, limiter *rate.Limiter, item media.Item, opts Options) (media.Item, bool) {
	dest := media.CachePath(opts.CacheDir, item.URL)

	if _, err := os.Stat(dest); err != nil {
		if err := d.download(ctx, httpc, limiter, item.URL, dest, opts.Timeout); err != nil {
			d.logger.Warn().Str("event", "download.failed").Str("url", redactURL(item.URL)).Err(err).Msg("media download failed")
			if _, statErr := os.Stat(dest); statErr != nil {
				metrics.IncDownload("failed")
				return media.Item{}, false
			}
			// An older complete copy beats a blank screen.
			d.logger.Info().Str("event", "download.cached_fallback").Str("path", dest).Msg("using cached copy")
			metrics.IncDownload("cached_fallback")
		} else {
			metrics.IncDownload("downloaded")
		}
	} else {
		metrics.IncDownload("hit")
	}

	item.Path = dest
	if d.index != nil {
		d.index.RecordDownload(dest, item)
	}
	return item, true
}

func (d *Downloader) download(ctx context.Context, httpc *http.Client, limiter *rate.Limiter, url, dest string, stallLimit time.Duration) error {
	release := httpx.GlobalHostSem.Acquire(url)
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	d.logger.Info().Str("event", "download.start").Str("url", redactURL(url)).Msg("downloading media")

	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: %s", redactURL(url), resp.Status)
	}

	tmp := media.TempPath(dest)
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var body io.Reader = resp.Body
	if stallLimit > 0 {
		guard := newStallGuard(resp.Body, stallLimit)
		defer guard.Stop()
		body = guard
	}
	if limiter != nil {
		body = &throttledReader{r: body, limiter: limiter, ctx: ctx}
	}

	written, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && resp.ContentLength >= 0 && written < resp.ContentLength {
		copyErr = fmt.Errorf("incomplete download (%d/%d bytes)", written, resp.ContentLength)
	}
	if copyErr != nil {
		os.Remove(tmp)
		return copyErr
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	metrics.DownloadBytesTotal.Add(float64(written))
	return nil
}

// streamingClient has no overall deadline; media files can be large and
// links slow. The header wait is bounded here and read-gap stalls by the
// stall guard.
func streamingClient(headerTimeout time.Duration) *http.Client {
	base, ok := httpx.Default().Transport.(*http.Transport)
	if !ok {
		return &http.Client{}
	}
	t := base.Clone()
	if headerTimeout > 0 {
		t.ResponseHeaderTimeout = headerTimeout
	}
	return &http.Client{Transport: t}
}

// stallGuard closes the body when no bytes arrive for the idle limit,
// failing the copy instead of hanging the poll forever.
type stallGuard struct {
	body  io.ReadCloser
	idle  time.Duration
	timer *time.Timer
	once  sync.Once
}

func newStallGuard(body io.ReadCloser, idle time.Duration) *stallGuard {
	g := &stallGuard{body: body, idle: idle}
	g.timer = time.AfterFunc(idle, func() { body.Close() })
	return g
}

func (g *stallGuard) Read(p []byte) (int, error) {
	n, err := g.body.Read(p)
	if n > 0 {
		g.timer.Reset(g.idle)
	}
	return n, err
}

func (g *stallGuard) Stop() {
	g.once.Do(func() { g.timer.Stop() })
}

// throttledReader paces reads through a shared byte-rate limiter.
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func redactURL(s string) string {
	if i := strings.Index(s, "?"); i >= 0 {
		return s[:i] + "?[redacted]"
	}
	return s
}
