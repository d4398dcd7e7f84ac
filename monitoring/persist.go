package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
)

// Datastore keys for the two snapshot blobs. The blobs are opaque to
// callers; only this package reads or writes them.
var (
	metricsSnapshotKey = ds.NewKey("/relaywatch/snapshot/metrics")
	alertsSnapshotKey  = ds.NewKey("/relaywatch/snapshot/alerts")
)

// MetricsSnapshot is the persisted metrics state.
type MetricsSnapshot struct {
	TimeSeries  map[string][]AggregatedPoint `json:"time_series"`
	Current     Snapshot                     `json:"current_metrics"`
	LastUpdated time.Time                    `json:"last_updated"`
}

// AlertsSnapshot is the persisted alert state.
type AlertsSnapshot struct {
	Alerts       []Alert   `json:"alerts"`
	AlertHistory []Alert   `json:"alert_history"`
	LastUpdated  time.Time `json:"last_updated"`
}

// SnapshotStore serializes the in-memory state into a datastore and back.
// Storage errors on load are logged and treated as "no prior state", never
// propagated; snapshots older than the retention period are discarded
// rather than restored. Saves are serialized so concurrent calls cannot
// interleave partial writes.
type SnapshotStore struct {
	mu        sync.Mutex
	store     ds.Datastore
	retention time.Duration
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewSnapshotStore creates a snapshot store over the given datastore.
func NewSnapshotStore(store ds.Datastore, retention time.Duration, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{
		store:     store,
		retention: retention,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// SaveMetrics persists the metrics snapshot.
func (ss *SnapshotStore) SaveMetrics(ctx context.Context, snap MetricsSnapshot) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.putLocked(ctx, metricsSnapshotKey, snap)
}

// SaveAlerts persists the alerts snapshot.
func (ss *SnapshotStore) SaveAlerts(ctx context.Context, snap AlertsSnapshot) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.putLocked(ctx, alertsSnapshotKey, snap)
}

func (ss *SnapshotStore) putLocked(ctx context.Context, key ds.Key, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", key, err)
	}
	if err := ss.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store snapshot %s: %w", key, err)
	}
	return nil
}

// LoadMetrics restores the metrics snapshot. It returns nil when there is
// no usable prior state: missing, unreadable, corrupt, or older than the
// retention period.
func (ss *SnapshotStore) LoadMetrics(ctx context.Context) *MetricsSnapshot {
	var snap MetricsSnapshot
	if !ss.load(ctx, metricsSnapshotKey, &snap) {
		return nil
	}
	if ss.stale(snap.LastUpdated) {
		ss.logger.Info("discarding stale metrics snapshot",
			slog.Time("last_updated", snap.LastUpdated),
			slog.Duration("retention", ss.retention),
		)
		return nil
	}
	return &snap
}

// LoadAlerts restores the alerts snapshot with the same staleness policy
// as LoadMetrics.
func (ss *SnapshotStore) LoadAlerts(ctx context.Context) *AlertsSnapshot {
	var snap AlertsSnapshot
	if !ss.load(ctx, alertsSnapshotKey, &snap) {
		return nil
	}
	if ss.stale(snap.LastUpdated) {
		ss.logger.Info("discarding stale alerts snapshot",
			slog.Time("last_updated", snap.LastUpdated),
			slog.Duration("retention", ss.retention),
		)
		return nil
	}
	return &snap
}

func (ss *SnapshotStore) load(ctx context.Context, key ds.Key, v interface{}) bool {
	data, err := ss.store.Get(ctx, key)
	if err != nil {
		if err != ds.ErrNotFound {
			ss.logger.Warn("failed to read snapshot, starting empty",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		ss.logger.Warn("failed to parse snapshot, starting empty",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (ss *SnapshotStore) stale(lastUpdated time.Time) bool {
	return ss.nowFn().Sub(lastUpdated) > ss.retention
}
