package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Aggregator buffers raw query events between ticks and folds them into one
// aggregated point per tracked metric, globally and per backend. Resource
// snapshots bypass the buffer: each one appends directly to its series and
// replaces the current-resources view.
type Aggregator struct {
	mu       sync.Mutex
	store    *TimeSeriesStore
	interval time.Duration

	buffer         []QueryEvent
	lastAggregated time.Time

	current       ResourceSnapshot
	lastResources time.Time
}

// NewAggregator creates an aggregator writing into store, folding buffered
// events at most once per interval.
func NewAggregator(store *TimeSeriesStore, interval time.Duration) *Aggregator {
	return &Aggregator{
		store:    store,
		interval: interval,
	}
}

// Add buffers one raw query event for the next aggregation tick.
func (ag *Aggregator) Add(evt QueryEvent) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.buffer = append(ag.buffer, evt)
}

// RecordResource appends one point per resource metric and replaces the
// current-resources view. Resource snapshots are not windowed.
func (ag *Aggregator) RecordResource(snap ResourceSnapshot, now time.Time) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	ag.current = snap
	ag.lastResources = now

	for _, m := range []struct {
		metric string
		value  float64
	}{
		{MetricCPU, snap.CPUPct},
		{MetricMemory, snap.MemPct},
		{MetricNetwork, snap.NetworkBytesPerSec},
		{MetricDisk, snap.DiskPct},
		{MetricRequestRate, snap.RequestsPerSec},
	} {
		ag.store.Append(m.metric, AggregatedPoint{
			Timestamp:   now,
			Value:       m.value,
			Min:         m.value,
			Max:         m.value,
			SampleCount: 1,
		})
	}
}

// RestoreResources replaces the current-resources view without appending
// series points; the series themselves are restored separately.
func (ag *Aggregator) RestoreResources(snap ResourceSnapshot, at time.Time) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.current = snap
	ag.lastResources = at
}

// CurrentResources returns the latest resource snapshot and when it was
// recorded.
func (ag *Aggregator) CurrentResources() (ResourceSnapshot, time.Time) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.current, ag.lastResources
}

// Aggregate folds the buffered events into one point per metric if at least
// the aggregation interval has elapsed since the previous run. An empty
// buffer produces no points for the tick, leaving gaps rather than
// zero-filled samples. It reports whether a fold happened.
func (ag *Aggregator) Aggregate(now time.Time) bool {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	if !ag.lastAggregated.IsZero() && now.Sub(ag.lastAggregated) < ag.interval {
		return false
	}
	ag.lastAggregated = now

	if len(ag.buffer) == 0 {
		return true
	}

	ag.foldLocked("", ag.buffer, now)

	byBackend := make(map[string][]QueryEvent)
	for _, evt := range ag.buffer {
		if evt.Backend != "" {
			byBackend[evt.Backend] = append(byBackend[evt.Backend], evt)
		}
	}
	for backend, events := range byBackend {
		ag.foldLocked(backend, events, now)
	}

	ag.buffer = ag.buffer[:0]
	return true
}

// foldLocked writes the response-time, error-rate and volume points for one
// scope. Callers hold ag.mu.
func (ag *Aggregator) foldLocked(backend string, events []QueryEvent, now time.Time) {
	var (
		rtSum, rtMin, rtMax float64
		rtCount             int
		failures            int
	)
	rtMin = math.MaxFloat64

	for _, evt := range events {
		if !evt.Success {
			failures++
		}
		if !validResponseTime(evt.ResponseTimeMs) {
			continue
		}
		rtSum += evt.ResponseTimeMs
		rtCount++
		if evt.ResponseTimeMs < rtMin {
			rtMin = evt.ResponseTimeMs
		}
		if evt.ResponseTimeMs > rtMax {
			rtMax = evt.ResponseTimeMs
		}
	}

	if rtCount > 0 {
		ag.store.Append(SeriesKey(MetricResponseTime, backend), AggregatedPoint{
			Timestamp:   now,
			Value:       rtSum / float64(rtCount),
			Min:         rtMin,
			Max:         rtMax,
			SampleCount: rtCount,
		})
	}

	errRate := float64(failures) / float64(len(events))
	ag.store.Append(SeriesKey(MetricErrorRate, backend), AggregatedPoint{
		Timestamp:   now,
		Value:       errRate,
		Min:         errRate,
		Max:         errRate,
		SampleCount: len(events),
	})

	ag.store.Append(SeriesKey(MetricQueryVolume, backend), AggregatedPoint{
		Timestamp:   now,
		Value:       float64(len(events)),
		Min:         float64(len(events)),
		Max:         float64(len(events)),
		SampleCount: len(events),
	})
}

// LastAggregated returns when the previous fold ran.
func (ag *Aggregator) LastAggregated() time.Time {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.lastAggregated
}

// Percentiles holds the standard latency percentiles over a window.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// ResponseTimeStats summarizes windowed response times.
type ResponseTimeStats struct {
	Avg         float64     `json:"avg"`
	Percentiles Percentiles `json:"percentiles"`
	Trend       float64     `json:"trend"`
}

// ErrorRateStats summarizes windowed error rates.
type ErrorRateStats struct {
	Avg   float64 `json:"avg"`
	Trend float64 `json:"trend"`
}

// QueryVolumeStats summarizes windowed query volume.
type QueryVolumeStats struct {
	Total float64 `json:"total"`
	Trend float64 `json:"trend"`
}

// PerformanceStats is the on-demand statistical summary over a time window.
type PerformanceStats struct {
	ResponseTime ResponseTimeStats `json:"response_time"`
	ErrorRate    ErrorRateStats    `json:"error_rate"`
	QueryVolume  QueryVolumeStats  `json:"query_volume"`
}

// PerformanceStats computes percentiles and trend statistics over the
// aggregated points inside the window ending at now.
func (ag *Aggregator) PerformanceStats(window time.Duration, now time.Time) PerformanceStats {
	since := now.Add(-window)

	rt := values(ag.store.Range(MetricResponseTime, since))
	er := values(ag.store.Range(MetricErrorRate, since))
	qv := values(ag.store.Range(MetricQueryVolume, since))

	var stats PerformanceStats
	stats.ResponseTime = ResponseTimeStats{
		Avg: mean(rt),
		Percentiles: Percentiles{
			P50: percentile(rt, 50),
			P90: percentile(rt, 90),
			P95: percentile(rt, 95),
			P99: percentile(rt, 99),
		},
		Trend: trend(rt),
	}
	stats.ErrorRate = ErrorRateStats{Avg: mean(er), Trend: trend(er)}
	stats.QueryVolume = QueryVolumeStats{Total: sum(qv), Trend: trend(qv)}
	return stats
}

func values(pts []AggregatedPoint) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

func sum(vs []float64) float64 {
	var s float64
	for _, v := range vs {
		s += v
	}
	return s
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	return sum(vs) / float64(len(vs))
}

// percentile returns the p-th percentile of vs using the nearest-rank
// index ceil(p/100*n)-1, clamped to the valid range.
func percentile(vs []float64, p float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// trend returns the signed percentage change between the mean of the first
// half and the mean of the second half of vs, order preserved. This is a
// direction indicator, not a regression slope.
func trend(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	mid := len(vs) / 2
	first := mean(vs[:mid])
	second := mean(vs[mid:])
	if first == 0 {
		return 0
	}
	return (second - first) / first * 100
}
