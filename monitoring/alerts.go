package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// AlertMetrics is the metrics context captured when an alert fires.
type AlertMetrics struct {
	Global    GlobalStats      `json:"global"`
	Resources ResourceSnapshot `json:"resources"`
}

// Alert is one triggered alert record. Alerts are immutable once created
// except for the acknowledgment fields.
type Alert struct {
	ID             string       `json:"id"`
	RuleID         string       `json:"rule_id"`
	Title          string       `json:"title"`
	Message        string       `json:"message"`
	Severity       Severity     `json:"severity"`
	Backend        string       `json:"backend,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	Acknowledged   bool         `json:"acknowledged"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
	Metrics        AlertMetrics `json:"metrics"`
}

// AlertStatistics summarizes alert activity inside a window.
type AlertStatistics struct {
	Total        int              `json:"total"`
	Active       int              `json:"active"`
	Acknowledged int              `json:"acknowledged"`
	BySeverity   map[Severity]int `json:"by_severity"`
	ByBackend    map[string]int   `json:"by_backend"`
	LastUpdated  time.Time        `json:"last_updated"`
}

// AlertStore keeps the active alerts and their history in bounded,
// most-recent-first lists. The active list is capped at maxAlerts and the
// history at twice that, trimmed from the back on every insert.
type AlertStore struct {
	mu        sync.RWMutex
	maxAlerts int
	active    []Alert
	history   []Alert
	nowFn     func() time.Time
}

// NewAlertStore creates an empty store capped at maxAlerts active entries.
func NewAlertStore(maxAlerts int) *AlertStore {
	return &AlertStore{
		maxAlerts: maxAlerts,
		nowFn:     time.Now,
	}
}

// Add front-inserts an alert into both the active list and the history,
// trimming each to its bound.
func (s *AlertStore) Add(alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = append([]Alert{alert}, s.active...)
	if len(s.active) > s.maxAlerts {
		s.active = s.active[:s.maxAlerts]
	}

	s.history = append([]Alert{alert}, s.history...)
	if len(s.history) > 2*s.maxAlerts {
		s.history = s.history[:2*s.maxAlerts]
	}
}

// Acknowledge marks an active alert as acknowledged.
func (s *AlertStore) Acknowledge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	found := false
	for i := range s.active {
		if s.active[i].ID == id {
			s.active[i].Acknowledged = true
			s.active[i].AcknowledgedAt = &now
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("alert %s not found", id)
	}
	for i := range s.history {
		if s.history[i].ID == id {
			s.history[i].Acknowledged = true
			s.history[i].AcknowledgedAt = &now
			break
		}
	}
	return nil
}

// Clear removes an alert from the active list; the history keeps it.
func (s *AlertStore) Clear(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.active {
		if s.active[i].ID == id {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

// ClearAll empties the active list; the history keeps everything.
func (s *AlertStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// Active returns a copy of the active alerts, most recent first.
func (s *AlertStore) Active() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, len(s.active))
	copy(out, s.active)
	return out
}

// Recent returns up to limit of the most recent alerts from the history.
// A non-positive limit returns the whole history.
func (s *AlertStore) Recent(limit int) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, n)
	copy(out, s.history[:n])
	return out
}

// History returns up to limit entries of the alert history, most recent
// first. A non-positive limit returns everything.
func (s *AlertStore) History(limit int) []Alert {
	return s.Recent(limit)
}

// Statistics summarizes alert activity inside the window ending now.
func (s *AlertStore) Statistics(window time.Duration) AlertStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFn()
	since := now.Add(-window)

	stats := AlertStatistics{
		Active:      len(s.active),
		BySeverity:  make(map[Severity]int),
		ByBackend:   make(map[string]int),
		LastUpdated: now,
	}

	for _, a := range s.history {
		if a.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		if a.Acknowledged {
			stats.Acknowledged++
		}
		stats.BySeverity[a.Severity]++
		if a.Backend != "" {
			stats.ByBackend[a.Backend]++
		}
	}
	return stats
}

// Restore replaces the store contents with persisted alert lists,
// re-applying the bounds.
func (s *AlertStore) Restore(active, history []Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = make([]Alert, len(active))
	copy(s.active, active)
	if len(s.active) > s.maxAlerts {
		s.active = s.active[:s.maxAlerts]
	}

	s.history = make([]Alert, len(history))
	copy(s.history, history)
	if len(s.history) > 2*s.maxAlerts {
		s.history = s.history[:2*s.maxAlerts]
	}
}

// Reset drops the active list and the history. Unlike ClearAll this is a
// full wipe, used when the whole monitor state is being discarded.
func (s *AlertStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.history = nil
}

// Dump returns copies of both lists for persistence.
func (s *AlertStore) Dump() (active, history []Alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active = make([]Alert, len(s.active))
	copy(active, s.active)
	history = make([]Alert, len(s.history))
	copy(history, s.history)
	return active, history
}
