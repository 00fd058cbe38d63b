package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPollCounter(t *testing.T) {
	before := testutil.ToFloat64(PollsTotal.WithLabelValues("success"))
	IncPoll(true)
	IncPoll(false)
	if got := testutil.ToFloat64(PollsTotal.WithLabelValues("success")); got != before+1 {
		t.Errorf("success polls: got %v, want %v", got, before+1)
	}
}

func TestResyncKinds(t *testing.T) {
	before := testutil.ToFloat64(ResyncsTotal.WithLabelValues("hard"))
	IncResync("hard")
	IncResync("soft")
	if got := testutil.ToFloat64(ResyncsTotal.WithLabelValues("hard")); got != before+1 {
		t.Errorf("hard resyncs: got %v", got)
	}
}

func TestGauges(t *testing.T) {
	SetPlaylist(7, 3)
	if got := testutil.ToFloat64(PlaylistVersion); got != 7 {
		t.Errorf("playlist version: %v", got)
	}
	if got := testutil.ToFloat64(PlaylistItems); got != 3 {
		t.Errorf("playlist items: %v", got)
	}
	SetCacheTotals(12, 4096)
	if got := testutil.ToFloat64(CacheBytes); got != 4096 {
		t.Errorf("cache bytes: %v", got)
	}
}
