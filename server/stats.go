package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

const maxTrackedDeletion = time.Hour

// DeletionStats tracks how long topic deletions take from the time a topic
// is queued until its metadata is removed.
type DeletionStats struct {
	mu        sync.Mutex
	histogram *hdrhistogram.Histogram
}

// DeletionStatsSnapshot is a point-in-time view of DeletionStats.
type DeletionStatsSnapshot struct {
	Completed int64
	Mean      time.Duration
	P50       time.Duration
	P99       time.Duration
	Max       time.Duration
}

// NewDeletionStats returns an empty DeletionStats.
func NewDeletionStats() *DeletionStats {
	return &DeletionStats{
		histogram: hdrhistogram.New(1, maxTrackedDeletion.Milliseconds(), 3),
	}
}

// RecordCompletion records a completed deletion. Durations beyond an hour
// are clamped.
func (d *DeletionStats) RecordCompletion(latency time.Duration) {
	ms := latency.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if max := maxTrackedDeletion.Milliseconds(); ms > max {
		ms = max
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Clamped above, so the value is always in range.
	_ = d.histogram.RecordValue(ms)
}

// Snapshot returns the current statistics.
func (d *DeletionStats) Snapshot() DeletionStatsSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeletionStatsSnapshot{
		Completed: d.histogram.TotalCount(),
		Mean:      time.Duration(d.histogram.Mean()) * time.Millisecond,
		P50:       time.Duration(d.histogram.ValueAtQuantile(50)) * time.Millisecond,
		P99:       time.Duration(d.histogram.ValueAtQuantile(99)) * time.Millisecond,
		Max:       time.Duration(d.histogram.Max()) * time.Millisecond,
	}
}

func (s DeletionStatsSnapshot) String() string {
	return fmt.Sprintf("%s deletions completed (mean %s, p50 %s, p99 %s, max %s)",
		humanize.Comma(s.Completed),
		durafmt.Parse(s.Mean).String(),
		durafmt.Parse(s.P50).String(),
		durafmt.Parse(s.P99).String(),
		durafmt.Parse(s.Max).String())
}
