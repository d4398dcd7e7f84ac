package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/config"
)

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (s *captureSink) Publish(event string, _ interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestMonitor(opts ...Option) *Monitor {
	m := NewMonitor(config.Default(), opts...)
	m.nowFn = testTime
	if m.snapshots != nil {
		m.snapshots.nowFn = testTime
	}
	return m
}

func TestMonitorRecordQuery(t *testing.T) {
	m := newTestMonitor()
	base := testTime()

	// Failures interleaved so the 0.4 error rate, not a failure streak,
	// drives the classification.
	for i := 0; i < 10; i++ {
		m.RecordQuery(QueryEvent{
			Backend:        "claude",
			Success:        i%2 == 0 || i >= 8,
			ResponseTimeMs: 2000,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
	}

	snap := m.GetCurrentMetrics()
	assert.Equal(t, int64(10), snap.Global.TotalQueries)
	assert.Equal(t, 0.4, snap.Global.ErrorRate)
	assert.InDelta(t, 2000, snap.Global.AvgResponseTimeMs, 1e-9)

	b := m.GetBackendMetrics("claude")
	require.NotNil(t, b)
	assert.Equal(t, 0.4, b.ErrorRate)
	assert.Equal(t, StatusUnhealthy, b.Status)

	assert.Nil(t, m.GetBackendMetrics("never-seen"))
	assert.Len(t, m.GetAllBackendMetrics(), 1)
}

func TestMonitorTrailingFailureBurst(t *testing.T) {
	m := newTestMonitor()
	base := testTime()

	// Same 6/4 mix, but with the failures trailing: four consecutive
	// failures trip the warning streak, which outranks the error-rate
	// check, so the backend classifies degraded rather than unhealthy.
	for i := 0; i < 10; i++ {
		m.RecordQuery(QueryEvent{
			Backend:        "claude",
			Success:        i < 6,
			ResponseTimeMs: 2000,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
	}

	b := m.GetBackendMetrics("claude")
	require.NotNil(t, b)
	assert.Equal(t, 4, b.ConsecutiveFailures)
	assert.Equal(t, 0.4, b.ErrorRate)
	assert.Equal(t, StatusDegraded, b.Status)
}

func TestMonitorEvaluateRules(t *testing.T) {
	m := newTestMonitor()
	base := testTime()

	// Interleaved failures keep the streak below the warning threshold so
	// the backend goes unhealthy through its 0.4 error rate.
	for i := 0; i < 10; i++ {
		m.RecordQuery(QueryEvent{
			Backend:        "claude",
			Success:        i%2 == 0 || i >= 8,
			ResponseTimeMs: 2000,
			Timestamp:      base,
		})
	}

	fired := m.EvaluateRules()
	require.NotEmpty(t, fired)

	byRule := map[string]Alert{}
	for _, a := range fired {
		byRule[a.RuleID] = a
	}

	errRate, ok := byRule["global-high-error-rate"]
	require.True(t, ok, "error rate rule should fire at 40%%")
	assert.Equal(t, SeverityCritical, errRate.Severity)
	assert.Contains(t, errRate.Message, "40.0%")

	if _, ok := byRule["backend-unhealthy"]; !ok {
		t.Error("per-backend unhealthy rule should fire")
	}

	// Fired alerts are recorded regardless of dispatch outcome.
	active := m.GetActiveAlerts()
	assert.Len(t, active, len(fired))

	// Cooldowns arm immediately: the same incident is not re-alerted.
	assert.Empty(t, m.EvaluateRules())

	stats := m.GetAlertStatistics(time.Hour)
	assert.Equal(t, len(fired), stats.Total)
}

func TestMonitorAlertLifecycle(t *testing.T) {
	m := newTestMonitor()

	for i := 0; i < 10; i++ {
		m.RecordQuery(QueryEvent{Backend: "b", Success: false, ResponseTimeMs: 100, Timestamp: testTime()})
	}
	fired := m.EvaluateRules()
	require.NotEmpty(t, fired)

	id := fired[0].ID
	require.NoError(t, m.AcknowledgeAlert(id))
	require.NoError(t, m.ClearAlert(id))
	assert.Len(t, m.GetActiveAlerts(), len(fired)-1)

	m.ClearAllAlerts()
	assert.Empty(t, m.GetActiveAlerts())
	assert.NotEmpty(t, m.GetAlertHistory(0))
}

func TestMonitorTimeSeries(t *testing.T) {
	m := newTestMonitor()
	base := testTime()

	m.RecordQuery(QueryEvent{Backend: "a", Success: true, ResponseTimeMs: 100, Timestamp: base})
	m.RecordQuery(QueryEvent{Backend: "a", Success: false, ResponseTimeMs: 300, Timestamp: base})
	require.True(t, m.Aggregate())

	rt := m.GetTimeSeries(MetricResponseTime, time.Hour)
	require.Len(t, rt, 1)
	assert.InDelta(t, 200, rt[0].Value, 1e-9)

	bRT := m.GetBackendTimeSeries(MetricResponseTime, "a", time.Hour)
	require.Len(t, bRT, 1)

	stats := m.GetPerformanceStats(time.Hour)
	assert.InDelta(t, 200, stats.ResponseTime.Avg, 1e-9)
}

func TestMonitorRecordResources(t *testing.T) {
	m := newTestMonitor()

	m.RecordResources(ResourceSnapshot{CPUPct: 55, MemPct: 40})

	snap := m.GetCurrentMetrics()
	assert.Equal(t, 55.0, snap.Resources.CPUPct)

	cpu := m.GetTimeSeries(MetricCPU, time.Hour)
	require.Len(t, cpu, 1)
	assert.Equal(t, 55.0, cpu[0].Value)
}

func TestMonitorSinkEvents(t *testing.T) {
	sink := &captureSink{}
	m := newTestMonitor(WithSink(sink))

	m.RecordQuery(QueryEvent{Backend: "b", Success: true, ResponseTimeMs: 10, Timestamp: testTime()})
	m.RecordResources(ResourceSnapshot{CPUPct: 99})
	m.EvaluateRules()

	assert.Equal(t, 1, sink.count(EventMetricsUpdated))
	assert.Equal(t, 1, sink.count(EventResourcesUpdated))
	// CPU at 99% trips the high-CPU rule.
	assert.GreaterOrEqual(t, sink.count(EventAlertFired), 1)
}

func TestMonitorSaveLoad(t *testing.T) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	ctx := context.Background()
	base := testTime()

	m1 := newTestMonitor(WithDatastore(store))
	for i := 0; i < 10; i++ {
		m1.RecordQuery(QueryEvent{
			Backend:        "openai",
			Success:        i%2 == 0,
			ResponseTimeMs: float64(100 + i*10),
			Timestamp:      base,
		})
	}
	m1.RecordResources(ResourceSnapshot{CPUPct: 42, MemPct: 61})
	require.True(t, m1.Aggregate())
	m1.EvaluateRules()
	require.NoError(t, m1.Save(ctx))

	m2 := newTestMonitor(WithDatastore(store))
	m2.Load(ctx)

	s1, s2 := m1.GetCurrentMetrics(), m2.GetCurrentMetrics()
	assert.Equal(t, s1.Global, s2.Global)
	assert.Equal(t, s1.Resources, s2.Resources)
	assert.Equal(t, s1.Backends, s2.Backends)

	assert.Equal(t, m1.GetTimeSeries(MetricResponseTime, time.Hour),
		m2.GetTimeSeries(MetricResponseTime, time.Hour))

	a1, a2 := m1.GetActiveAlerts(), m2.GetActiveAlerts()
	require.Equal(t, len(a1), len(a2))
	for i := range a1 {
		assert.Equal(t, a1[i].ID, a2[i].ID)
	}
}

func TestMonitorLoadWithoutSnapshot(t *testing.T) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	m := newTestMonitor(WithDatastore(store))

	// No prior state: Load is a no-op, never an error.
	m.Load(context.Background())
	assert.Equal(t, int64(0), m.GetCurrentMetrics().Global.TotalQueries)
}

func TestMonitorSaveWithoutDatastore(t *testing.T) {
	m := newTestMonitor()
	assert.NoError(t, m.Save(context.Background()))
	m.Load(context.Background())
}

func TestMonitorStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.EvaluationInterval = 10 * time.Millisecond
	m := NewMonitor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	// Starting twice is a no-op, not an error.
	require.NoError(t, m.Start(ctx))

	time.Sleep(30 * time.Millisecond)
	m.Stop()
	// Stopping twice must not panic.
	m.Stop()
}

func TestMonitorReset(t *testing.T) {
	m := newTestMonitor()
	m.RecordQuery(QueryEvent{Backend: "b", Success: false, ResponseTimeMs: 10, Timestamp: testTime()})
	m.Aggregate()
	fired := m.EvaluateRules()
	require.NotEmpty(t, fired)

	m.Reset()

	assert.Equal(t, int64(0), m.GetCurrentMetrics().Global.TotalQueries)
	assert.Empty(t, m.GetAllBackendMetrics())
	assert.Empty(t, m.GetActiveAlerts())
	assert.Empty(t, m.GetAlertHistory(0))
	assert.Empty(t, m.GetTimeSeries(MetricResponseTime, time.Hour))

	// The same incident recurring right after a reset must alert again:
	// no cooldown from the pre-reset firing may suppress it.
	m.RecordQuery(QueryEvent{Backend: "b", Success: false, ResponseTimeMs: 10, Timestamp: testTime()})
	assert.NotEmpty(t, m.EvaluateRules())
}

func TestMonitorCustomRuleRoundTrip(t *testing.T) {
	m := newTestMonitor()

	err := m.AddRule(AlertRule{
		ID:       "custom",
		Name:     "Custom",
		Severity: SeverityInfo,
		Enabled:  true,
		Condition: ConditionFunc(func(s *Snapshot, _ *BackendMetrics) (bool, error) {
			return s.Global.TotalQueries > 0, nil
		}),
	})
	require.NoError(t, err)

	require.NoError(t, m.DisableRule("custom"))
	require.NoError(t, m.EnableRule("custom"))
	require.NoError(t, m.RemoveRule("custom"))

	for _, r := range m.GetRules() {
		assert.NotEqual(t, "custom", r.ID)
	}
}

func TestMonitorNotifierRegistration(t *testing.T) {
	m := newTestMonitor()
	n := &recordingNotifier{name: "extra"}
	m.RegisterNotifier("extra", n)

	require.NoError(t, m.TestNotification(context.Background(), "extra"))
	assert.Len(t, n.alerts(), 1)

	m.UnregisterNotifier("extra")
	assert.Error(t, m.TestNotification(context.Background(), "extra"))
}
