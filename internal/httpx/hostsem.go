package httpx

import (
	"net/url"
	"sync"
)

// HostSemaphore is a process-global per-host concurrency limiter. The
// downloader fans out over a playlist whose files usually sit on one CDN
// host; without the limiter a large playlist would open every connection
// at once.
//
//	release := httpx.GlobalHostSem.Acquire(u)
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// GlobalHostSem caps concurrent requests per host across the process.
var GlobalHostSem = NewHostSemaphore(4)

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is free for the host of rawURL and returns
// the release func. Unparseable URLs share one bucket.
func (h *HostSemaphore) Acquire(rawURL string) func() {
	sem := h.semFor(rawURL)
	sem <- struct{}{}
	return func() { <-sem }
}

func (h *HostSemaphore) semFor(rawURL string) chan struct{} {
	key := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		key = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	s, ok := h.sems[key]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[key] = s
	}
	h.mu.Unlock()
	return s
}
