package monitoring

import (
	"sync"
	"time"
)

// Metric names for the tracked time series. Per-backend series use
// SeriesKey to derive their store key.
const (
	MetricResponseTime = "response_time"
	MetricErrorRate    = "error_rate"
	MetricQueryVolume  = "query_volume"

	MetricCPU         = "cpu_pct"
	MetricMemory      = "mem_pct"
	MetricNetwork     = "network_bytes_per_sec"
	MetricDisk        = "disk_pct"
	MetricRequestRate = "requests_per_sec"
)

// SeriesKey returns the store key for a per-backend series. Global series
// use the bare metric name.
func SeriesKey(metric, backend string) string {
	if backend == "" {
		return metric
	}
	return metric + "|" + backend
}

// AggregatedPoint is one summarized time-series sample. Points are
// append-only and ordered oldest-first within a series.
type AggregatedPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	SampleCount int       `json:"sample_count"`
}

// TimeSeriesStore holds bounded, time-ordered buffers of aggregated points
// keyed by metric (and metric|backend for per-backend series). Every series
// is trimmed from the front to maxPoints after each append, so length never
// exceeds the bound after any mutation.
type TimeSeriesStore struct {
	mu        sync.RWMutex
	maxPoints int
	series    map[string][]AggregatedPoint
}

// NewTimeSeriesStore creates an empty store bounding each series to
// maxPoints entries.
func NewTimeSeriesStore(maxPoints int) *TimeSeriesStore {
	return &TimeSeriesStore{
		maxPoints: maxPoints,
		series:    make(map[string][]AggregatedPoint),
	}
}

// Append adds one point to the named series and trims it to the bound by
// dropping the oldest points.
func (s *TimeSeriesStore) Append(key string, p AggregatedPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pts := append(s.series[key], p)
	if len(pts) > s.maxPoints {
		pts = pts[len(pts)-s.maxPoints:]
	}
	s.series[key] = pts
}

// Range returns a copy of all points in the named series with a timestamp
// at or after since, preserving order. It never mutates the series.
func (s *TimeSeriesStore) Range(key string, since time.Time) []AggregatedPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts := s.series[key]
	// Points are ordered oldest-first; find the first one in range.
	start := len(pts)
	for i, p := range pts {
		if !p.Timestamp.Before(since) {
			start = i
			break
		}
	}
	out := make([]AggregatedPoint, len(pts)-start)
	copy(out, pts[start:])
	return out
}

// Len returns the number of points in the named series.
func (s *TimeSeriesStore) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[key])
}

// All returns a deep copy of every series, keyed as stored.
func (s *TimeSeriesStore) All() map[string][]AggregatedPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]AggregatedPoint, len(s.series))
	for k, pts := range s.series {
		cp := make([]AggregatedPoint, len(pts))
		copy(cp, pts)
		out[k] = cp
	}
	return out
}

// Restore replaces the store contents with previously persisted series,
// re-applying the length bound in case the bound shrank since the save.
func (s *TimeSeriesStore) Restore(series map[string][]AggregatedPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.series = make(map[string][]AggregatedPoint, len(series))
	for k, pts := range series {
		cp := make([]AggregatedPoint, len(pts))
		copy(cp, pts)
		if len(cp) > s.maxPoints {
			cp = cp[len(cp)-s.maxPoints:]
		}
		s.series[k] = cp
	}
}

// Reset drops every series.
func (s *TimeSeriesStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[string][]AggregatedPoint)
}
