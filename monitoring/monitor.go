package monitoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaywatch/relaywatch/config"
)

// BroadcastSink receives state-change events for live viewers. The concrete
// transport lives outside this package; publishing is fire-and-forget.
type BroadcastSink interface {
	Publish(event string, payload interface{})
}

// Broadcast event names.
const (
	EventMetricsUpdated   = "metrics_updated"
	EventResourcesUpdated = "resources_updated"
	EventAlertFired       = "alert_fired"
)

// Monitor is the telemetry core: it owns the accumulator, the time series,
// the rule engine, the alert store and the notification dispatcher, and
// exposes the ingestion, query and alert contracts. Every Monitor is an
// isolated instance; nothing in this package is process-global.
//
// Ingestion never blocks on I/O and never returns an error: monitoring
// must not be able to fail the monitored service. Notification dispatch
// and the periodic aggregation tick are the only concurrent work.
type Monitor struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger *slog.Logger

	stats      *Accumulator
	series     *TimeSeriesStore
	aggregator *Aggregator
	engine     *RuleEngine
	alerts     *AlertStore
	dispatcher *Dispatcher
	prom       *PromMetrics
	snapshots  *SnapshotStore
	sink       BroadcastSink

	isRunning bool
	stopChan  chan struct{}
	nowFn     func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithSink sets the broadcast sink for live state-change events.
func WithSink(sink BroadcastSink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithDatastore enables snapshot persistence into the given datastore.
func WithDatastore(store ds.Datastore) Option {
	return func(m *Monitor) {
		m.snapshots = NewSnapshotStore(store, m.cfg.RetentionPeriod, m.logger)
	}
}

// NewMonitor creates a monitor from config. The default notification set
// from config is registered; further channels can be added through
// RegisterNotifier.
func NewMonitor(cfg *config.Config, opts ...Option) *Monitor {
	if cfg == nil {
		cfg = config.Default()
	}

	m := &Monitor{
		cfg:    cfg,
		logger: slog.Default(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.stats = NewAccumulator(cfg.Health, m.logger)
	m.series = NewTimeSeriesStore(cfg.MaxDataPoints)
	m.aggregator = NewAggregator(m.series, cfg.AggregationInterval)
	m.engine = NewRuleEngine(m.logger)
	m.alerts = NewAlertStore(cfg.MaxAlerts)
	m.dispatcher = NewDispatcher(m.logger)
	m.prom = NewPromMetrics()

	for _, n := range NotifiersFromConfig(cfg.Notifiers, m.logger) {
		m.dispatcher.Register(n.Name(), n)
	}

	return m
}

// RecordQuery ingests one query event. It never blocks on I/O and never
// fails; malformed events are tolerated per the accumulator's rules.
func (m *Monitor) RecordQuery(evt QueryEvent) {
	m.stats.RecordEvent(evt)
	m.aggregator.Add(evt)
	m.prom.ObserveQuery(evt, m.stats.Global().ErrorRate)
	m.publish(EventMetricsUpdated, m.stats.Global())
}

// RecordResources ingests one resource snapshot, appending it to the
// resource series and replacing the current-resources view.
func (m *Monitor) RecordResources(snap ResourceSnapshot) {
	m.aggregator.RecordResource(snap, m.nowFn())
	m.prom.ObserveResources(snap)
	m.publish(EventResourcesUpdated, snap)
}

// GetCurrentMetrics returns the live snapshot of global stats, resources
// and per-backend metrics.
func (m *Monitor) GetCurrentMetrics() Snapshot {
	resources, _ := m.aggregator.CurrentResources()
	return Snapshot{
		Timestamp: m.nowFn(),
		Global:    m.stats.Global(),
		Resources: resources,
		Backends:  m.stats.Backends(),
	}
}

// GetBackendMetrics returns one backend's metrics, or nil if never seen.
func (m *Monitor) GetBackendMetrics(name string) *BackendMetrics {
	return m.stats.Backend(name)
}

// GetAllBackendMetrics returns every backend's metrics.
func (m *Monitor) GetAllBackendMetrics() []BackendMetrics {
	return m.stats.Backends()
}

// SetBackendDisabled flips the explicit-disable flag for a backend.
func (m *Monitor) SetBackendDisabled(name string, disabled bool) {
	m.stats.SetDisabled(name, disabled)
}

// GetTimeSeries returns the global series for a metric inside the window
// ending now.
func (m *Monitor) GetTimeSeries(metric string, window time.Duration) []AggregatedPoint {
	return m.series.Range(metric, m.nowFn().Add(-window))
}

// GetBackendTimeSeries returns one backend's series for a metric inside
// the window ending now.
func (m *Monitor) GetBackendTimeSeries(metric, backend string, window time.Duration) []AggregatedPoint {
	return m.series.Range(SeriesKey(metric, backend), m.nowFn().Add(-window))
}

// GetPerformanceStats computes percentiles and trends over the window.
func (m *Monitor) GetPerformanceStats(window time.Duration) PerformanceStats {
	return m.aggregator.PerformanceStats(window, m.nowFn())
}

// Aggregate runs one aggregation tick if the interval has elapsed.
func (m *Monitor) Aggregate() bool {
	return m.aggregator.Aggregate(m.nowFn())
}

// EvaluateRules evaluates every registered rule against the current state,
// records the fired alerts and hands them to the dispatcher. Recording is
// unconditional and happens before dispatch; delivery failures never roll
// an alert back.
func (m *Monitor) EvaluateRules() []Alert {
	m.mu.Lock()
	snap := m.GetCurrentMetrics()
	fired := m.engine.Evaluate(&snap)
	for _, alert := range fired {
		m.alerts.Add(alert)
		m.prom.ObserveAlert(alert)
	}
	m.prom.SetActiveAlerts(len(m.alerts.Active()))
	m.mu.Unlock()

	for _, alert := range fired {
		alert := alert
		m.publish(EventAlertFired, alert)
		go m.dispatcher.Dispatch(context.Background(), alert)
	}
	return fired
}

// Alert operations, delegated to the store and dispatcher.

// AcknowledgeAlert marks an active alert as acknowledged.
func (m *Monitor) AcknowledgeAlert(id string) error { return m.alerts.Acknowledge(id) }

// ClearAlert removes an alert from the active list.
func (m *Monitor) ClearAlert(id string) error { return m.alerts.Clear(id) }

// ClearAllAlerts empties the active list.
func (m *Monitor) ClearAllAlerts() { m.alerts.ClearAll() }

// GetActiveAlerts returns the active alerts, most recent first.
func (m *Monitor) GetActiveAlerts() []Alert { return m.alerts.Active() }

// GetRecentAlerts returns up to limit of the most recent alerts.
func (m *Monitor) GetRecentAlerts(limit int) []Alert { return m.alerts.Recent(limit) }

// GetAlertHistory returns up to limit entries of the alert history.
func (m *Monitor) GetAlertHistory(limit int) []Alert { return m.alerts.History(limit) }

// GetAlertStatistics summarizes alert activity inside the window.
func (m *Monitor) GetAlertStatistics(window time.Duration) AlertStatistics {
	return m.alerts.Statistics(window)
}

// Rule operations, delegated to the engine.

// AddRule registers a custom rule.
func (m *Monitor) AddRule(rule AlertRule) error { return m.engine.AddRule(rule) }

// UpdateRule applies a partial update to a rule.
func (m *Monitor) UpdateRule(id string, patch RulePatch) error { return m.engine.UpdateRule(id, patch) }

// RemoveRule deletes a rule.
func (m *Monitor) RemoveRule(id string) error { return m.engine.RemoveRule(id) }

// EnableRule marks a rule for evaluation.
func (m *Monitor) EnableRule(id string) error { return m.engine.EnableRule(id) }

// DisableRule skips a rule during evaluation.
func (m *Monitor) DisableRule(id string) error { return m.engine.DisableRule(id) }

// GetRules returns every rule definition.
func (m *Monitor) GetRules() []AlertRule { return m.engine.Rules() }

// RegisterNotifier adds a notification channel.
func (m *Monitor) RegisterNotifier(name string, n Notifier) { m.dispatcher.Register(name, n) }

// UnregisterNotifier removes a notification channel.
func (m *Monitor) UnregisterNotifier(name string) { m.dispatcher.Unregister(name) }

// TestNotification sends a synthetic info alert to one channel.
func (m *Monitor) TestNotification(ctx context.Context, channel string) error {
	return m.dispatcher.TestNotification(ctx, channel)
}

// PrometheusRegistry exposes the mirrored metrics for scraping.
func (m *Monitor) PrometheusRegistry() *prometheus.Registry {
	return m.prom.Registry()
}

// Start runs the periodic loop: aggregation tick, rule evaluation and
// cooldown sweeping on the evaluation interval, until the context is done
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = true
	m.stopChan = make(chan struct{})
	stopChan := m.stopChan
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.EvaluationInterval)
		defer ticker.Stop()

		m.logger.Info("monitor started",
			slog.Duration("evaluation_interval", m.cfg.EvaluationInterval),
			slog.Duration("aggregation_interval", m.cfg.AggregationInterval),
		)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("monitor stopped: context cancelled")
				return
			case <-stopChan:
				m.logger.Info("monitor stopped")
				return
			case <-ticker.C:
				m.Aggregate()
				m.EvaluateRules()
				m.engine.SweepCooldowns(m.nowFn())
			}
		}
	}()

	return nil
}

// Stop halts the periodic loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return
	}
	m.isRunning = false
	close(m.stopChan)
}

// Save persists the full in-memory state. It is a critical section:
// concurrent saves cannot interleave partial writes.
func (m *Monitor) Save(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	metrics := MetricsSnapshot{
		TimeSeries:  m.series.All(),
		Current:     m.GetCurrentMetrics(),
		LastUpdated: now,
	}
	if err := m.snapshots.SaveMetrics(ctx, metrics); err != nil {
		return err
	}

	active, history := m.alerts.Dump()
	alerts := AlertsSnapshot{
		Alerts:       active,
		AlertHistory: history,
		LastUpdated:  now,
	}
	return m.snapshots.SaveAlerts(ctx, alerts)
}

// Load restores persisted state if a snapshot exists and is fresh enough;
// otherwise the monitor keeps its empty state. Load never fails the caller.
func (m *Monitor) Load(ctx context.Context) {
	if m.snapshots == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap := m.snapshots.LoadMetrics(ctx); snap != nil {
		m.series.Restore(snap.TimeSeries)
		m.stats.Restore(snap.Current.Global, snap.Current.Backends)
		m.aggregator.RestoreResources(snap.Current.Resources, snap.LastUpdated)
		m.logger.Info("metrics snapshot restored",
			slog.Time("last_updated", snap.LastUpdated),
			slog.Int("backends", len(snap.Current.Backends)),
		)
	}

	if snap := m.snapshots.LoadAlerts(ctx); snap != nil {
		m.alerts.Restore(snap.Alerts, snap.AlertHistory)
		m.prom.SetActiveAlerts(len(snap.Alerts))
		m.logger.Info("alerts snapshot restored",
			slog.Int("active", len(snap.Alerts)),
			slog.Int("history", len(snap.AlertHistory)),
		)
	}
}

// Reset clears all accumulated state: counters, series, alerts including
// their history, and armed cooldowns, so the next incident alerts as if the
// monitor had just started.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Reset()
	m.series.Reset()
	m.alerts.Reset()
	m.engine.ResetCooldowns()
	m.prom.SetActiveAlerts(0)
}

func (m *Monitor) publish(event string, payload interface{}) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(event, payload)
}
