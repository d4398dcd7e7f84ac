package monitoring

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Severity levels for alert rules and the alerts they produce.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Scope says whether a rule evaluates once against the global snapshot or
// once per backend.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopePerBackend Scope = "per-backend"
)

// RuleCondition is the predicate of an alert rule. For global rules backend
// is nil. Implementations are either one of the named built-in conditions
// below or a user-supplied ConditionFunc.
type RuleCondition interface {
	Evaluate(snap *Snapshot, backend *BackendMetrics) (bool, error)
}

// ConditionFunc adapts a plain function into a RuleCondition for custom
// rules registered at runtime.
type ConditionFunc func(snap *Snapshot, backend *BackendMetrics) (bool, error)

// Evaluate implements RuleCondition.
func (f ConditionFunc) Evaluate(snap *Snapshot, backend *BackendMetrics) (bool, error) {
	return f(snap, backend)
}

// MessageFunc renders the alert message with full read access to the live
// snapshot (and backend, for per-backend rules).
type MessageFunc func(snap *Snapshot, backend *BackendMetrics) string

// AlertRule is one rule definition. Condition and Message are evaluated
// under per-rule isolation: a panicking or erroring predicate counts as
// "condition false" and cannot abort the evaluation of remaining rules.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Severity  Severity      `json:"severity"`
	Scope     Scope         `json:"scope"`
	Condition RuleCondition `json:"-"`
	Message   MessageFunc   `json:"-"`
	Cooldown  time.Duration `json:"cooldown"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RulePatch carries partial updates for UpdateRule; nil fields are left
// unchanged.
type RulePatch struct {
	Name      *string
	Severity  *Severity
	Cooldown  *time.Duration
	Enabled   *bool
	Condition RuleCondition
	Message   MessageFunc
}

// Built-in rule conditions.

// GlobalErrorRateCondition fires when the system-wide error rate reaches
// the threshold.
type GlobalErrorRateCondition struct {
	Threshold float64 `json:"threshold"`
}

func (c GlobalErrorRateCondition) Evaluate(snap *Snapshot, _ *BackendMetrics) (bool, error) {
	return snap.Global.TotalQueries > 0 && snap.Global.ErrorRate >= c.Threshold, nil
}

// GlobalResponseTimeCondition fires when the system-wide running mean
// response time reaches the threshold.
type GlobalResponseTimeCondition struct {
	ThresholdMs float64 `json:"threshold_ms"`
}

func (c GlobalResponseTimeCondition) Evaluate(snap *Snapshot, _ *BackendMetrics) (bool, error) {
	return snap.Global.RespSamples > 0 && snap.Global.AvgResponseTimeMs >= c.ThresholdMs, nil
}

// BackendStatusCondition fires when a backend's health status equals the
// given status.
type BackendStatusCondition struct {
	Status Status `json:"status"`
}

func (c BackendStatusCondition) Evaluate(_ *Snapshot, backend *BackendMetrics) (bool, error) {
	return backend != nil && backend.Status == c.Status, nil
}

// CPUCondition fires when CPU usage reaches the threshold percentage.
type CPUCondition struct {
	ThresholdPct float64 `json:"threshold_pct"`
}

func (c CPUCondition) Evaluate(snap *Snapshot, _ *BackendMetrics) (bool, error) {
	return snap.Resources.CPUPct >= c.ThresholdPct, nil
}

// MemoryCondition fires when memory usage reaches the threshold percentage.
type MemoryCondition struct {
	ThresholdPct float64 `json:"threshold_pct"`
}

func (c MemoryCondition) Evaluate(snap *Snapshot, _ *BackendMetrics) (bool, error) {
	return snap.Resources.MemPct >= c.ThresholdPct, nil
}

// FailureStreakCondition fires when a backend's consecutive failure count
// reaches the threshold.
type FailureStreakCondition struct {
	Threshold int `json:"threshold"`
}

func (c FailureStreakCondition) Evaluate(_ *Snapshot, backend *BackendMetrics) (bool, error) {
	return backend != nil && backend.ConsecutiveFailures >= c.Threshold, nil
}

// SuccessRateCondition fires when a backend's success rate drops below the
// threshold. MinSamples guards against noise on cold backends.
type SuccessRateCondition struct {
	Threshold  float64 `json:"threshold"`
	MinSamples int64   `json:"min_samples"`
}

func (c SuccessRateCondition) Evaluate(_ *Snapshot, backend *BackendMetrics) (bool, error) {
	if backend == nil || backend.TotalQueries < c.MinSamples {
		return false, nil
	}
	rate := float64(backend.SuccessfulQueries) / float64(backend.TotalQueries)
	return rate < c.Threshold, nil
}

// RuleEngine holds the rule definitions and the cooldown state that
// prevents alert storms. It produces Alert records; recording and
// dispatching them is the caller's concern.
type RuleEngine struct {
	mu        sync.Mutex
	logger    *slog.Logger
	rules     []*AlertRule
	cooldowns map[string]time.Time
	nowFn     func() time.Time
}

// NewRuleEngine creates an engine preloaded with the default rule set.
func NewRuleEngine(logger *slog.Logger) *RuleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &RuleEngine{
		logger:    logger,
		cooldowns: make(map[string]time.Time),
		nowFn:     time.Now,
	}
	for _, r := range DefaultRules() {
		rule := r
		e.rules = append(e.rules, &rule)
	}
	return e
}

// DefaultRules returns the built-in rule set covering global error rate and
// latency, per-backend health, resource pressure, failure bursts and low
// success rate.
func DefaultRules() []AlertRule {
	now := time.Now()
	mk := func(id, name string, sev Severity, scope Scope, cond RuleCondition, cooldown time.Duration, msg MessageFunc) AlertRule {
		return AlertRule{
			ID: id, Name: name, Severity: sev, Scope: scope,
			Condition: cond, Message: msg, Cooldown: cooldown,
			Enabled: true, CreatedAt: now, UpdatedAt: now,
		}
	}

	return []AlertRule{
		mk("global-high-error-rate", "High Error Rate", SeverityCritical, ScopeGlobal,
			GlobalErrorRateCondition{Threshold: 0.10}, 5*time.Minute,
			func(snap *Snapshot, _ *BackendMetrics) string {
				return fmt.Sprintf("Global error rate is %.1f%% (%d of %d queries failed)",
					snap.Global.ErrorRate*100, snap.Global.FailedQueries, snap.Global.TotalQueries)
			}),
		mk("global-slow-response", "Slow Response Time", SeverityWarning, ScopeGlobal,
			GlobalResponseTimeCondition{ThresholdMs: 5000}, 5*time.Minute,
			func(snap *Snapshot, _ *BackendMetrics) string {
				return fmt.Sprintf("Average response time is %.0fms", snap.Global.AvgResponseTimeMs)
			}),
		mk("backend-unhealthy", "Backend Unhealthy", SeverityCritical, ScopePerBackend,
			BackendStatusCondition{Status: StatusUnhealthy}, 10*time.Minute,
			func(_ *Snapshot, b *BackendMetrics) string {
				return fmt.Sprintf("Backend %s is unhealthy (error rate %.1f%%, %d consecutive failures)",
					b.Name, b.ErrorRate*100, b.ConsecutiveFailures)
			}),
		mk("backend-degraded", "Backend Degraded", SeverityWarning, ScopePerBackend,
			BackendStatusCondition{Status: StatusDegraded}, 10*time.Minute,
			func(_ *Snapshot, b *BackendMetrics) string {
				return fmt.Sprintf("Backend %s is degraded (error rate %.1f%%, avg response %.0fms)",
					b.Name, b.ErrorRate*100, b.AvgResponseTimeMs)
			}),
		mk("resource-cpu-high", "High CPU Usage", SeverityWarning, ScopeGlobal,
			CPUCondition{ThresholdPct: 80}, 10*time.Minute,
			func(snap *Snapshot, _ *BackendMetrics) string {
				return fmt.Sprintf("CPU usage is %.1f%%", snap.Resources.CPUPct)
			}),
		mk("resource-cpu-critical", "Critical CPU Usage", SeverityCritical, ScopeGlobal,
			CPUCondition{ThresholdPct: 95}, 5*time.Minute,
			func(snap *Snapshot, _ *BackendMetrics) string {
				return fmt.Sprintf("CPU usage is %.1f%%", snap.Resources.CPUPct)
			}),
		mk("resource-memory-high", "High Memory Usage", SeverityWarning, ScopeGlobal,
			MemoryCondition{ThresholdPct: 85}, 10*time.Minute,
			func(snap *Snapshot, _ *BackendMetrics) string {
				return fmt.Sprintf("Memory usage is %.1f%%", snap.Resources.MemPct)
			}),
		mk("resource-memory-critical", "Critical Memory Usage", SeverityCritical, ScopeGlobal,
			MemoryCondition{ThresholdPct: 95}, 5*time.Minute,
			func(snap *Snapshot, _ *BackendMetrics) string {
				return fmt.Sprintf("Memory usage is %.1f%%", snap.Resources.MemPct)
			}),
		mk("backend-failure-burst", "Consecutive Failure Burst", SeverityCritical, ScopePerBackend,
			FailureStreakCondition{Threshold: 5}, 5*time.Minute,
			func(_ *Snapshot, b *BackendMetrics) string {
				return fmt.Sprintf("Backend %s failed %d times in a row", b.Name, b.ConsecutiveFailures)
			}),
		mk("backend-low-success-rate", "Low Success Rate", SeverityWarning, ScopePerBackend,
			SuccessRateCondition{Threshold: 0.90, MinSamples: 10}, 15*time.Minute,
			func(_ *Snapshot, b *BackendMetrics) string {
				rate := float64(b.SuccessfulQueries) / float64(b.TotalQueries) * 100
				return fmt.Sprintf("Backend %s success rate is %.1f%% over %d queries",
					b.Name, rate, b.TotalQueries)
			}),
	}
}

// cooldownKey derives the dedup key for a rule firing: the rule ID for
// global rules, ruleID|backend for per-backend rules.
func cooldownKey(ruleID, backend string) string {
	if backend == "" {
		return ruleID
	}
	return ruleID + "|" + backend
}

// Evaluate runs every enabled rule against the snapshot and returns the
// alerts that fired. Cooldowns suppress repeat firings per rule+scope; a
// fired rule arms its cooldown for Cooldown from now.
func (e *RuleEngine) Evaluate(snap *Snapshot) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()
	var fired []Alert

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}

		switch rule.Scope {
		case ScopePerBackend:
			for i := range snap.Backends {
				backend := &snap.Backends[i]
				if a, ok := e.fireLocked(rule, snap, backend, now); ok {
					fired = append(fired, a)
				}
			}
		default:
			if a, ok := e.fireLocked(rule, snap, nil, now); ok {
				fired = append(fired, a)
			}
		}
	}

	return fired
}

// fireLocked evaluates one rule against one scope, honoring the cooldown,
// and builds the Alert when it fires. Callers hold e.mu.
func (e *RuleEngine) fireLocked(rule *AlertRule, snap *Snapshot, backend *BackendMetrics, now time.Time) (Alert, bool) {
	ok := e.safeEvaluate(rule, snap, backend)
	if !ok {
		return Alert{}, false
	}

	backendName := ""
	if backend != nil {
		backendName = backend.Name
	}
	key := cooldownKey(rule.ID, backendName)
	if expiry, held := e.cooldowns[key]; held && now.Before(expiry) {
		return Alert{}, false
	}
	e.cooldowns[key] = now.Add(rule.Cooldown)

	alert := Alert{
		ID:        fmt.Sprintf("%s-%d", key, now.UnixNano()),
		RuleID:    rule.ID,
		Title:     rule.Name,
		Message:   e.safeMessage(rule, snap, backend),
		Severity:  rule.Severity,
		Backend:   backendName,
		Timestamp: now,
		Metrics: AlertMetrics{
			Global:    snap.Global,
			Resources: snap.Resources,
		},
	}
	return alert, true
}

// safeEvaluate isolates one predicate: a panic or error counts as
// "condition false" so one bad rule cannot abort the evaluation pass.
func (e *RuleEngine) safeEvaluate(rule *AlertRule, snap *Snapshot, backend *BackendMetrics) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			e.logger.Error("alert rule condition panicked",
				slog.String("rule_id", rule.ID),
				slog.Any("panic", r),
			)
		}
	}()

	ok, err := rule.Condition.Evaluate(snap, backend)
	if err != nil {
		e.logger.Warn("alert rule condition failed",
			slog.String("rule_id", rule.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// safeMessage renders the rule message, falling back to the rule name if
// the message function is missing or panics.
func (e *RuleEngine) safeMessage(rule *AlertRule, snap *Snapshot, backend *BackendMetrics) (msg string) {
	msg = rule.Name
	if rule.Message == nil {
		return msg
	}
	defer func() {
		if r := recover(); r != nil {
			msg = rule.Name
			e.logger.Error("alert rule message panicked",
				slog.String("rule_id", rule.ID),
				slog.Any("panic", r),
			)
		}
	}()
	return rule.Message(snap, backend)
}

// SweepCooldowns deletes expired cooldown entries. Deleting a key that a
// later firing already refreshed is a no-op by construction: only entries
// at or past their expiry are removed.
func (e *RuleEngine) SweepCooldowns(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, expiry := range e.cooldowns {
		if !now.Before(expiry) {
			delete(e.cooldowns, key)
		}
	}
}

// ResetCooldowns drops all cooldown state, re-arming every rule.
func (e *RuleEngine) ResetCooldowns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns = make(map[string]time.Time)
}

// AddRule registers a rule. The ID must be unique and the condition is
// required; this is the one configuration-validation path that returns an
// error to the caller.
func (e *RuleEngine) AddRule(rule AlertRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule ID cannot be empty")
	}
	if rule.Condition == nil {
		return fmt.Errorf("rule %s has no condition", rule.ID)
	}
	if rule.Scope == "" {
		rule.Scope = ScopeGlobal
	}
	if rule.Cooldown <= 0 {
		rule.Cooldown = 5 * time.Minute
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %s already exists", rule.ID)
		}
	}

	now := e.nowFn()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	e.rules = append(e.rules, &rule)

	e.logger.Info("alert rule added",
		slog.String("rule_id", rule.ID),
		slog.String("severity", string(rule.Severity)),
		slog.String("scope", string(rule.Scope)),
	)
	return nil
}

// UpdateRule applies a partial update to an existing rule.
func (e *RuleEngine) UpdateRule(id string, patch RulePatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule := e.findLocked(id)
	if rule == nil {
		return fmt.Errorf("rule %s not found", id)
	}

	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Severity != nil {
		rule.Severity = *patch.Severity
	}
	if patch.Cooldown != nil {
		rule.Cooldown = *patch.Cooldown
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.Condition != nil {
		rule.Condition = patch.Condition
	}
	if patch.Message != nil {
		rule.Message = patch.Message
	}
	rule.UpdatedAt = e.nowFn()
	return nil
}

// RemoveRule deletes a rule and its cooldown state.
func (e *RuleEngine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, rule := range e.rules {
		if rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			for key := range e.cooldowns {
				if key == id || len(key) > len(id) && key[:len(id)+1] == id+"|" {
					delete(e.cooldowns, key)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

// EnableRule marks a rule for evaluation.
func (e *RuleEngine) EnableRule(id string) error {
	return e.setEnabled(id, true)
}

// DisableRule skips a rule entirely during evaluation.
func (e *RuleEngine) DisableRule(id string) error {
	return e.setEnabled(id, false)
}

func (e *RuleEngine) setEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule := e.findLocked(id)
	if rule == nil {
		return fmt.Errorf("rule %s not found", id)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = e.nowFn()
	return nil
}

// Rules returns a copy of every rule definition.
func (e *RuleEngine) Rules() []AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]AlertRule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, *rule)
	}
	return out
}

func (e *RuleEngine) findLocked(id string) *AlertRule {
	for _, rule := range e.rules {
		if rule.ID == id {
			return rule
		}
	}
	return nil
}
