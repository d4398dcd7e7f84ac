package monitoring

import (
	"time"

	"github.com/relaywatch/relaywatch/config"
)

// Status is the health classification of a backend.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

// Classify maps a backend's current counters onto a health status.
//
// Rules are checked in strict precedence order and the first match wins, so
// the result is deterministic even when several conditions hold at once:
// explicit disable, then failure streaks, then error rate, then latency,
// then downtime. A backend with no traffic yet classifies as healthy.
func Classify(m *BackendMetrics, now time.Time, th config.HealthThresholds) Status {
	if m.Disabled {
		return StatusDisabled
	}

	if m.ConsecutiveFailures >= th.CriticalFailureStreak {
		return StatusUnhealthy
	}
	if m.ConsecutiveFailures >= th.WarningFailureStreak {
		return StatusDegraded
	}

	if m.ErrorRate >= th.CriticalErrorRate {
		return StatusUnhealthy
	}
	if m.ErrorRate >= th.WarningErrorRate {
		return StatusDegraded
	}

	if m.AvgResponseTimeMs >= th.CriticalLatencyMs {
		return StatusUnhealthy
	}
	if m.AvgResponseTimeMs >= th.WarningLatencyMs {
		return StatusDegraded
	}

	if !m.LastSuccessAt.IsZero() {
		down := now.Sub(m.LastSuccessAt)
		if down >= th.CriticalDowntime {
			return StatusUnhealthy
		}
		if down >= th.WarningDowntime {
			return StatusDegraded
		}
	}

	return StatusHealthy
}
