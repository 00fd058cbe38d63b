package sched

import (
	"testing"
	"time"

	"github.com/doohlabs/kioskd/internal/media"
)

func TestDailyAnchorBeforeFivePast(t *testing.T) {
	now := time.Date(2026, 2, 8, 0, 2, 0, 0, time.UTC)
	want := time.Date(2026, 2, 7, 0, 5, 0, 0, time.UTC)
	if got := DailyAnchor(now); !got.Equal(want) {
		t.Fatalf("DailyAnchor = %v, want %v", got, want)
	}
}

func TestDailyAnchorAfterFivePast(t *testing.T) {
	now := time.Date(2026, 2, 8, 14, 10, 0, 0, time.UTC)
	want := time.Date(2026, 2, 8, 0, 5, 0, 0, time.UTC)
	if got := DailyAnchor(now); !got.Equal(want) {
		t.Fatalf("DailyAnchor = %v, want %v", got, want)
	}
}

func TestNextDailyAnchor(t *testing.T) {
	before := time.Date(2026, 2, 8, 0, 2, 0, 0, time.UTC)
	if got, want := NextDailyAnchor(before), time.Date(2026, 2, 8, 0, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextDailyAnchor(before) = %v, want %v", got, want)
	}
	// Exactly on the anchor rolls to the next day.
	at := time.Date(2026, 2, 8, 0, 5, 0, 0, time.UTC)
	if got, want := NextDailyAnchor(at), time.Date(2026, 2, 9, 0, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextDailyAnchor(at) = %v, want %v", got, want)
	}
}

func TestIsPrepWindow(t *testing.T) {
	cases := []struct {
		now  time.Time
		want bool
	}{
		{time.Date(2026, 2, 8, 23, 58, 0, 0, time.UTC), true},
		{time.Date(2026, 2, 8, 23, 57, 59, 0, time.UTC), false},
		{time.Date(2026, 2, 8, 0, 4, 59, 0, time.UTC), true},
		{time.Date(2026, 2, 8, 0, 5, 0, 0, time.UTC), false},
		{time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		if got := IsPrepWindow(tc.now); got != tc.want {
			t.Errorf("IsPrepWindow(%v) = %v, want %v", tc.now, got, tc.want)
		}
	}
}

func TestCycleTimeline(t *testing.T) {
	items := []media.Item{
		{Path: "a.mp4", DurationMS: 500},
		{Path: "b.mp4", DurationMS: 0},
		{Path: "c.mp4", DurationMS: 4000},
	}
	durations, starts, total := CycleTimeline(items)
	wantDur := []int{1000, 1000, 4000}
	wantStart := []int{0, 1000, 2000}
	for i := range wantDur {
		if durations[i] != wantDur[i] {
			t.Errorf("durations[%d] = %d, want %d", i, durations[i], wantDur[i])
		}
		if starts[i] != wantStart[i] {
			t.Errorf("starts[%d] = %d, want %d", i, starts[i], wantStart[i])
		}
	}
	if total != 6000 {
		t.Errorf("total = %d, want 6000", total)
	}
}

func TestComputeCyclePosition(t *testing.T) {
	durations := []int{10000, 20000, 30000}
	anchor := time.Date(2026, 2, 8, 0, 5, 0, 0, time.UTC)

	pos, ok := ComputeCyclePosition(anchor.Add(25*time.Second), durations)
	if !ok {
		t.Fatal("expected a position")
	}
	if pos.Index != 1 || pos.OffsetMS != 15000 || pos.CyclePosMS != 25000 || pos.CycleTotalMS != 60000 {
		t.Fatalf("pos = %+v, want index 1 offset 15000 cycle_pos 25000 total 60000", pos)
	}
	if !pos.Anchor.Equal(anchor) {
		t.Fatalf("anchor = %v, want %v", pos.Anchor, anchor)
	}

	// Past one full cycle the position wraps.
	pos, _ = ComputeCyclePosition(anchor.Add(70*time.Second), durations)
	if pos.Index != 1 || pos.OffsetMS != 0 || pos.CyclePosMS != 10000 {
		t.Fatalf("wrapped pos = %+v, want index 1 offset 0 cycle_pos 10000", pos)
	}
	if pos.OffsetMS+10000 != pos.CyclePosMS {
		t.Fatalf("offset %d + start 10000 != cycle_pos %d", pos.OffsetMS, pos.CyclePosMS)
	}
}

func TestComputeCyclePositionEmpty(t *testing.T) {
	if _, ok := ComputeCyclePosition(time.Now(), nil); ok {
		t.Fatal("empty timeline should have no position")
	}
}

func TestComputeCyclePositionZeroDurations(t *testing.T) {
	pos, ok := ComputeCyclePosition(time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC), []int{0, 0})
	if !ok {
		t.Fatal("expected a position")
	}
	if pos.Index != 1 || pos.OffsetMS != 0 || pos.CyclePosMS != 0 || pos.CycleTotalMS != 1 {
		t.Fatalf("pos = %+v, want last index with clamped offsets", pos)
	}
}

func TestSignedCycleDelta(t *testing.T) {
	cases := []struct {
		target, current, cycle, want int
	}{
		{100, 59900, 60000, 200},
		{59900, 100, 60000, -200},
		{0, 0, 60000, 0},
		{30000, 0, 60000, 30000}, // exact half stays positive
		{0, 30001, 60000, 29999},
		{100, 200, 0, 0},
	}
	for _, tc := range cases {
		got := SignedCycleDeltaMS(tc.target, tc.current, tc.cycle)
		if got != tc.want {
			t.Errorf("SignedCycleDeltaMS(%d, %d, %d) = %d, want %d", tc.target, tc.current, tc.cycle, got, tc.want)
		}
		if tc.cycle > 0 {
			if land := ((tc.current+got)%tc.cycle + tc.cycle) % tc.cycle; land != tc.target%tc.cycle {
				t.Errorf("current %d + delta %d lands on %d, want %d", tc.current, got, land, tc.target%tc.cycle)
			}
		}
	}
}

func TestClassifyDrift(t *testing.T) {
	cases := []struct {
		drift, threshold, hard int
		want                   DriftAction
	}{
		{100, 300, 1200, DriftNone},
		{350, 300, 1200, DriftSoftResync},
		{-1200, 300, 1200, DriftHardResync},
		{-350, 300, 1200, DriftSoftResync},
		{299, 300, 1200, DriftNone},
		{300, 300, 1200, DriftSoftResync},
		{1199, 300, 1200, DriftSoftResync},
		// Hard limit below the threshold is raised to it.
		{400, 300, 100, DriftHardResync},
	}
	for _, tc := range cases {
		if got := ClassifyDrift(tc.drift, tc.threshold, tc.hard); got != tc.want {
			t.Errorf("ClassifyDrift(%d, %d, %d) = %s, want %s", tc.drift, tc.threshold, tc.hard, got, tc.want)
		}
	}
}

func TestNextCheckpoint(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 15, 1, 0, time.UTC)
	if got, want := NextCheckpoint(now, 3600), time.Date(2026, 2, 8, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextCheckpoint = %v, want %v", got, want)
	}
	// On a boundary the checkpoint moves to the next interval.
	onHour := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	if got, want := NextCheckpoint(onHour, 3600), time.Date(2026, 2, 8, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextCheckpoint(on hour) = %v, want %v", got, want)
	}
	if got, want := NextCheckpoint(now, 900), time.Date(2026, 2, 8, 10, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextCheckpoint(900) = %v, want %v", got, want)
	}
	// Non-positive interval falls back to hourly.
	if got, want := NextCheckpoint(now, 0), time.Date(2026, 2, 8, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextCheckpoint(0) = %v, want %v", got, want)
	}
}
