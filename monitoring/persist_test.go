package monitoring

import (
	"context"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(retention time.Duration) (*SnapshotStore, ds.Datastore) {
	store := dssync.MutexWrap(ds.NewMapDatastore())
	return NewSnapshotStore(store, retention, nil), store
}

func TestSnapshotRoundTrip(t *testing.T) {
	ss, _ := newTestSnapshotStore(24 * time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ss.nowFn = func() time.Time { return now }

	metrics := MetricsSnapshot{
		TimeSeries: map[string][]AggregatedPoint{
			MetricResponseTime: {{Timestamp: now, Value: 150, Min: 100, Max: 200, SampleCount: 4}},
		},
		Current: Snapshot{
			Timestamp: now,
			Global:    GlobalStats{TotalQueries: 10, FailedQueries: 4, ErrorRate: 0.4},
			Backends:  []BackendMetrics{{Name: "openai", TotalQueries: 10, Status: StatusDegraded}},
		},
		LastUpdated: now,
	}
	require.NoError(t, ss.SaveMetrics(ctx, metrics))

	alerts := AlertsSnapshot{
		Alerts:       []Alert{makeAlert("a1", SeverityCritical, "openai", now)},
		AlertHistory: []Alert{makeAlert("a1", SeverityCritical, "openai", now), makeAlert("a0", SeverityWarning, "", now.Add(-time.Hour))},
		LastUpdated:  now,
	}
	require.NoError(t, ss.SaveAlerts(ctx, alerts))

	gotMetrics := ss.LoadMetrics(ctx)
	require.NotNil(t, gotMetrics)
	assert.Equal(t, int64(10), gotMetrics.Current.Global.TotalQueries)
	assert.Equal(t, 0.4, gotMetrics.Current.Global.ErrorRate)
	require.Len(t, gotMetrics.TimeSeries[MetricResponseTime], 1)
	assert.Equal(t, 150.0, gotMetrics.TimeSeries[MetricResponseTime][0].Value)
	require.Len(t, gotMetrics.Current.Backends, 1)
	assert.Equal(t, StatusDegraded, gotMetrics.Current.Backends[0].Status)

	gotAlerts := ss.LoadAlerts(ctx)
	require.NotNil(t, gotAlerts)
	require.Len(t, gotAlerts.Alerts, 1)
	assert.Equal(t, "a1", gotAlerts.Alerts[0].ID)
	assert.Len(t, gotAlerts.AlertHistory, 2)
}

func TestLoadMissingSnapshot(t *testing.T) {
	ss, _ := newTestSnapshotStore(24 * time.Hour)
	ctx := context.Background()

	assert.Nil(t, ss.LoadMetrics(ctx))
	assert.Nil(t, ss.LoadAlerts(ctx))
}

func TestLoadCorruptSnapshot(t *testing.T) {
	ss, store := newTestSnapshotStore(24 * time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, metricsSnapshotKey, []byte("not json")))
	require.NoError(t, store.Put(ctx, alertsSnapshotKey, []byte("{broken")))

	// Corrupt blobs mean "no prior state", not an error.
	assert.Nil(t, ss.LoadMetrics(ctx))
	assert.Nil(t, ss.LoadAlerts(ctx))
}

func TestLoadStaleSnapshot(t *testing.T) {
	ss, _ := newTestSnapshotStore(time.Hour)
	ctx := context.Background()
	saved := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ss.SaveMetrics(ctx, MetricsSnapshot{LastUpdated: saved}))
	require.NoError(t, ss.SaveAlerts(ctx, AlertsSnapshot{LastUpdated: saved}))

	// Within retention: restored.
	ss.nowFn = func() time.Time { return saved.Add(30 * time.Minute) }
	assert.NotNil(t, ss.LoadMetrics(ctx))
	assert.NotNil(t, ss.LoadAlerts(ctx))

	// Past retention: discarded.
	ss.nowFn = func() time.Time { return saved.Add(2 * time.Hour) }
	assert.Nil(t, ss.LoadMetrics(ctx))
	assert.Nil(t, ss.LoadAlerts(ctx))
}

func TestSaveOverwrites(t *testing.T) {
	ss, _ := newTestSnapshotStore(24 * time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ss.nowFn = func() time.Time { return now.Add(time.Minute) }

	require.NoError(t, ss.SaveMetrics(ctx, MetricsSnapshot{
		Current:     Snapshot{Global: GlobalStats{TotalQueries: 1}},
		LastUpdated: now,
	}))
	require.NoError(t, ss.SaveMetrics(ctx, MetricsSnapshot{
		Current:     Snapshot{Global: GlobalStats{TotalQueries: 2}},
		LastUpdated: now.Add(time.Minute),
	}))

	got := ss.LoadMetrics(ctx)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Current.Global.TotalQueries)
}
