// Package monitoring is the operational telemetry core for a multi-backend
// relay service. It ingests query outcomes and resource snapshots, keeps
// incremental running statistics and bounded time series, classifies each
// backend's health deterministically, and evaluates an alert rule engine
// with cooldown-based deduplication that fans alerts out to pluggable
// notification channels.
//
// The core is designed to be unable to break its host: ingestion is
// non-blocking, malformed input is tolerated, and every public operation
// short of explicit configuration validation returns rather than failing.
package monitoring
