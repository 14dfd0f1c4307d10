package health

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Summary accumulates transfer durations and sizes for end-of-run reports.
type Summary struct {
	mu        sync.Mutex
	durations *hdrhistogram.Histogram // microseconds
	sizes     *hdrhistogram.Histogram // bytes
	total     int64
	failed    int64
}

// Snapshot is a point-in-time view of a Summary.
type Snapshot struct {
	Count      int64         `json:"count"`
	Failed     int64         `json:"failed"`
	TotalBytes int64         `json:"total_bytes"`
	P50        time.Duration `json:"p50"`
	P90        time.Duration `json:"p90"`
	P99        time.Duration `json:"p99"`
	Max        time.Duration `json:"max"`
	MeanSize   float64       `json:"mean_size"`
	P50Size    int64         `json:"p50_size"`
}

// NewSummary creates an empty Summary tracking up to an hour per transfer
// and up to 64 GiB per body.
func NewSummary() *Summary {
	return &Summary{
		durations: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
		sizes:     hdrhistogram.New(1, 64<<30, 3),
	}
}

// Record adds one finished transfer.
func (s *Summary) Record(d time.Duration, size int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > s.durations.HighestTrackableValue() {
		us = s.durations.HighestTrackableValue()
	}
	s.durations.RecordValue(us)

	s.total += size
	if size < 1 {
		size = 1
	}
	if size > s.sizes.HighestTrackableValue() {
		size = s.sizes.HighestTrackableValue()
	}
	s.sizes.RecordValue(size)

	if !ok {
		s.failed++
	}
}

// Snapshot returns the current percentiles.
func (s *Summary) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }

	count := s.durations.TotalCount()
	snap := Snapshot{
		Count:      count,
		Failed:     s.failed,
		TotalBytes: s.total,
	}
	if count == 0 {
		return snap
	}

	snap.P50 = us(s.durations.ValueAtQuantile(50))
	snap.P90 = us(s.durations.ValueAtQuantile(90))
	snap.P99 = us(s.durations.ValueAtQuantile(99))
	snap.Max = us(s.durations.Max())
	snap.MeanSize = float64(s.total) / float64(count)
	snap.P50Size = s.sizes.ValueAtQuantile(50)
	return snap
}

// Reset clears all recorded values.
func (s *Summary) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations.Reset()
	s.sizes.Reset()
	s.total = 0
	s.failed = 0
}
