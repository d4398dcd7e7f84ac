package monitoring

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/relaywatch/relaywatch/config"
)

// QueryEvent is one request outcome reported by the host service. Events are
// immutable and consumed once on ingest.
type QueryEvent struct {
	Backend        string    `json:"backend"`
	Success        bool      `json:"success"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// ResourceSnapshot is one point-in-time view of host resource usage.
type ResourceSnapshot struct {
	CPUPct             float64 `json:"cpu_pct"`
	MemPct             float64 `json:"mem_pct"`
	NetworkBytesPerSec float64 `json:"network_bytes_per_sec"`
	DiskPct            float64 `json:"disk_pct"`
	UptimeMs           int64   `json:"uptime_ms"`
	RequestsPerSec     float64 `json:"requests_per_sec"`
}

// GlobalStats holds the running counters for the whole system.
type GlobalStats struct {
	TotalQueries      int64   `json:"total_queries"`
	SuccessfulQueries int64   `json:"successful_queries"`
	FailedQueries     int64   `json:"failed_queries"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`

	// respSamples counts only events that carried a usable response time;
	// it is the divisor of the running mean, not of the error rate.
	RespSamples int64 `json:"resp_samples"`
}

// BackendMetrics holds the running counters for one backend. Instances are
// created lazily on first event and mutated only by Accumulator.RecordEvent;
// they are never deleted during the process lifetime, only cleared by an
// explicit reset.
type BackendMetrics struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	Disabled            bool      `json:"disabled"`
	TotalQueries        int64     `json:"total_queries"`
	SuccessfulQueries   int64     `json:"successful_queries"`
	FailedQueries       int64     `json:"failed_queries"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	ErrorRate           float64   `json:"error_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	RespSamples         int64     `json:"resp_samples"`
}

// Snapshot is the read-only view handed to rule conditions, dashboards and
// the persistence layer.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Global    GlobalStats      `json:"global"`
	Resources ResourceSnapshot `json:"resources"`
	Backends  []BackendMetrics `json:"backends"`
}

// Accumulator maintains incremental running statistics for the whole system
// and for every backend seen so far. It never rejects input: malformed
// events are counted with the response-time update skipped, so ingestion
// cannot fail the host service.
type Accumulator struct {
	mu         sync.RWMutex
	thresholds config.HealthThresholds
	logger     *slog.Logger
	global     GlobalStats
	backends   map[string]*BackendMetrics
	nowFn      func() time.Time
}

// NewAccumulator creates an empty accumulator using the given health
// thresholds for status reclassification.
func NewAccumulator(th config.HealthThresholds, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		thresholds: th,
		logger:     logger,
		backends:   make(map[string]*BackendMetrics),
		nowFn:      time.Now,
	}
}

// validResponseTime reports whether a response time can feed the running
// mean. Negative, NaN and Inf values are tolerated by skipping the update.
func validResponseTime(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// runningMean folds one sample into an incremental mean. The exact
// formulation matters: it avoids keeping history and keeps the floating
// point behavior stable across restarts.
func runningMean(prev float64, n int64, x float64) float64 {
	return (prev*float64(n-1) + x) / float64(n)
}

// RecordEvent folds one query event into the global and per-backend
// counters and reclassifies the backend's health status.
func (a *Accumulator) RecordEvent(evt QueryEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := evt.Timestamp
	if now.IsZero() {
		now = a.nowFn()
	}
	hasRT := validResponseTime(evt.ResponseTimeMs)

	a.global.TotalQueries++
	if evt.Success {
		a.global.SuccessfulQueries++
	} else {
		a.global.FailedQueries++
	}
	if hasRT {
		a.global.RespSamples++
		a.global.AvgResponseTimeMs = runningMean(a.global.AvgResponseTimeMs, a.global.RespSamples, evt.ResponseTimeMs)
	}
	a.global.ErrorRate = float64(a.global.FailedQueries) / float64(a.global.TotalQueries)

	if evt.Backend == "" {
		// Counted globally only. A missing backend name is a caller bug,
		// but monitoring fails open.
		a.logger.Warn("query event without backend name, counted globally only")
		return
	}

	b := a.getOrCreateLocked(evt.Backend)
	b.TotalQueries++
	b.LastCheckedAt = now
	if evt.Success {
		b.SuccessfulQueries++
		b.ConsecutiveFailures = 0
		b.LastSuccessAt = now
	} else {
		b.FailedQueries++
		b.ConsecutiveFailures++
		b.LastFailureAt = now
	}
	if hasRT {
		b.RespSamples++
		b.AvgResponseTimeMs = runningMean(b.AvgResponseTimeMs, b.RespSamples, evt.ResponseTimeMs)
	}
	b.ErrorRate = float64(b.FailedQueries) / float64(b.TotalQueries)
	b.Status = Classify(b, a.nowFn(), a.thresholds)
}

// getOrCreateLocked returns the metrics record for a backend, creating a
// zeroed record with healthy status on first use. Callers hold a.mu.
func (a *Accumulator) getOrCreateLocked(name string) *BackendMetrics {
	if b, ok := a.backends[name]; ok {
		return b
	}
	b := &BackendMetrics{Name: name, Status: StatusHealthy}
	a.backends[name] = b
	return b
}

// SetDisabled flips the explicit-disable flag for a backend, creating the
// record if needed, and reclassifies its status.
func (a *Accumulator) SetDisabled(name string, disabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.getOrCreateLocked(name)
	b.Disabled = disabled
	b.Status = Classify(b, a.nowFn(), a.thresholds)
}

// Global returns a copy of the system-wide counters.
func (a *Accumulator) Global() GlobalStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.global
}

// Backend returns a copy of one backend's counters, or nil if the backend
// has never been seen.
func (a *Accumulator) Backend(name string) *BackendMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.backends[name]
	if !ok {
		return nil
	}
	c := *b
	return &c
}

// Backends returns copies of every backend's counters, sorted by name so
// callers see a stable order regardless of map iteration.
func (a *Accumulator) Backends() []BackendMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]BackendMetrics, 0, len(a.backends))
	for _, b := range a.backends {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset clears all global and per-backend counters. This is the only way a
// backend record is ever removed.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.global = GlobalStats{}
	a.backends = make(map[string]*BackendMetrics)
}

// Restore replaces the accumulator contents with a previously persisted
// snapshot.
func (a *Accumulator) Restore(global GlobalStats, backends []BackendMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.global = global
	a.backends = make(map[string]*BackendMetrics, len(backends))
	for i := range backends {
		b := backends[i]
		a.backends[b.Name] = &b
	}
}
