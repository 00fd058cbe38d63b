// Package sched keeps playback aligned to a fleet-wide UTC schedule
// and drives the player through the playlist cycle.
package sched

import (
	"time"

	"github.com/doohlabs/kioskd/internal/media"
)

// Fleet devices share one daily schedule anchored at 00:05 UTC. The
// seven minutes before it form a preparation window in which clocks
// get nudged and playback may hold for the anchor.
const (
	dailyAnchorSecUTC     = 5 * 60
	prepWindowStartSecUTC = 23*3600 + 58*60
)

// CyclePosition locates a UTC instant inside the playlist cycle.
type CyclePosition struct {
	Index        int // playlist index holding the instant
	OffsetMS     int // milliseconds into that item
	CyclePosMS   int // milliseconds into the whole cycle
	CycleTotalMS int
	Anchor       time.Time // daily anchor the position is relative to
}

// CycleTimeline returns each item's effective duration, its start
// offset inside the cycle and the cycle total.
func CycleTimeline(items []media.Item) (durationsMS, cycleStartMS []int, totalMS int) {
	durationsMS = make([]int, 0, len(items))
	cycleStartMS = make([]int, 0, len(items))
	for _, it := range items {
		d := media.EffectiveDurationMS(it.DurationMS)
		durationsMS = append(durationsMS, d)
		cycleStartMS = append(cycleStartMS, totalMS)
		totalMS += d
	}
	return durationsMS, cycleStartMS, totalMS
}

func secondsSinceMidnightUTC(now time.Time) int {
	u := now.UTC()
	return u.Hour()*3600 + u.Minute()*60 + u.Second()
}

// DailyAnchor returns 00:05 UTC of the current UTC day, or of the
// previous day when now has not reached it yet.
func DailyAnchor(now time.Time) time.Time {
	u := now.UTC()
	anchor := time.Date(u.Year(), u.Month(), u.Day(), 0, 5, 0, 0, time.UTC)
	if u.Before(anchor) {
		anchor = anchor.Add(-24 * time.Hour)
	}
	return anchor
}

// NextDailyAnchor returns the first 00:05 UTC strictly after now,
// except that an instant exactly on the anchor also rolls forward.
func NextDailyAnchor(now time.Time) time.Time {
	u := now.UTC()
	anchor := time.Date(u.Year(), u.Month(), u.Day(), 0, 5, 0, 0, time.UTC)
	if u.Before(anchor) {
		return anchor
	}
	return anchor.Add(24 * time.Hour)
}

// IsPrepWindow reports whether now falls in the daily [23:58, 00:05)
// UTC preparation range.
func IsPrepWindow(now time.Time) bool {
	sec := secondsSinceMidnightUTC(now)
	return sec >= prepWindowStartSecUTC || sec < dailyAnchorSecUTC
}

// ComputeCyclePosition maps a UTC instant onto the cycle that started
// at the daily anchor. ok is false for an empty timeline.
func ComputeCyclePosition(now time.Time, durationsMS []int) (pos CyclePosition, ok bool) {
	if len(durationsMS) == 0 {
		return CyclePosition{}, false
	}
	cycleTotal := 0
	for _, d := range durationsMS {
		cycleTotal += d
	}
	cycleTotal = max(cycleTotal, 1)
	anchor := DailyAnchor(now)
	elapsedMS := int(now.UTC().Sub(anchor).Milliseconds()) % cycleTotal

	cursor := 0
	for i, d := range durationsMS {
		next := cursor + d
		if elapsedMS < next {
			return CyclePosition{
				Index:        i,
				OffsetMS:     elapsedMS - cursor,
				CyclePosMS:   elapsedMS,
				CycleTotalMS: cycleTotal,
				Anchor:       anchor,
			}, true
		}
		cursor = next
	}
	// Zero-length tail entries can leave the scan exhausted; settle on
	// the last item's final millisecond.
	last := len(durationsMS) - 1
	return CyclePosition{
		Index:        last,
		OffsetMS:     max(durationsMS[last]-1, 0),
		CyclePosMS:   max(cycleTotal-1, 0),
		CycleTotalMS: cycleTotal,
		Anchor:       anchor,
	}, true
}

// SignedCycleDeltaMS returns the shortest signed distance from current
// to target on a cycle of the given period. The result lies in
// (-cycle/2, cycle/2] and current plus delta lands on target modulo
// the cycle.
func SignedCycleDeltaMS(targetMS, currentMS, cycleTotalMS int) int {
	if cycleTotalMS <= 0 {
		return 0
	}
	delta := (targetMS - currentMS) % cycleTotalMS
	if delta < 0 {
		delta += cycleTotalMS
	}
	if delta > cycleTotalMS/2 {
		delta -= cycleTotalMS
	}
	return delta
}

// DriftAction is the scheduler's verdict on a drift measurement.
type DriftAction string

const (
	DriftNone       DriftAction = "none"
	DriftSoftResync DriftAction = "soft_resync"
	DriftHardResync DriftAction = "hard_resync"
)

// ClassifyDrift buckets a measured drift. A hard limit below the soft
// threshold is raised to it.
func ClassifyDrift(driftMS, thresholdMS, hardMS int) DriftAction {
	threshold := max(thresholdMS, 0)
	hard := max(hardMS, threshold)
	abs := driftMS
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < threshold:
		return DriftNone
	case abs >= hard:
		return DriftHardResync
	default:
		return DriftSoftResync
	}
}

// NextCheckpoint returns the next interval-aligned UTC instant after
// now. A non-positive interval falls back to hourly.
func NextCheckpoint(now time.Time, intervalSec int) time.Time {
	if intervalSec <= 0 {
		intervalSec = 3600
	}
	step := int64(intervalSec)
	next := (now.Unix()/step + 1) * step
	return time.Unix(next, 0).UTC()
}
