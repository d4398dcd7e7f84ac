// Package config holds the typed configuration for the relaywatch telemetry
// core: health classification thresholds, aggregation and alerting settings,
// and notification channel targets. Configuration is loaded from a YAML file
// layered over defaults, then validated.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the telemetry core.
type Config struct {
	// MaxDataPoints bounds every time series; older points are dropped
	// from the front once the bound is exceeded.
	MaxDataPoints int `json:"max_data_points" yaml:"max_data_points"`

	// AggregationInterval is the minimum wall time between two
	// aggregation ticks folding raw events into time-series points.
	AggregationInterval time.Duration `json:"aggregation_interval" yaml:"aggregation_interval"`

	// EvaluationInterval drives the monitor loop: aggregation, rule
	// evaluation and cooldown sweeping all run on this cadence.
	EvaluationInterval time.Duration `json:"evaluation_interval" yaml:"evaluation_interval"`

	// MaxAlerts bounds the active alert list; history is bounded at twice
	// this value.
	MaxAlerts int `json:"max_alerts" yaml:"max_alerts"`

	// RetentionPeriod is the maximum age of a persisted snapshot before it
	// is discarded on load instead of being restored.
	RetentionPeriod time.Duration `json:"retention_period" yaml:"retention_period"`

	Health    HealthThresholds `json:"health" yaml:"health"`
	Notifiers NotifierConfig   `json:"notifiers" yaml:"notifiers"`
}

// HealthThresholds defines the cutoffs used to classify backend health.
// All comparisons are inclusive: a value exactly at a threshold trips it.
type HealthThresholds struct {
	CriticalFailureStreak int `json:"critical_failure_streak" yaml:"critical_failure_streak"`
	WarningFailureStreak  int `json:"warning_failure_streak" yaml:"warning_failure_streak"`

	CriticalErrorRate float64 `json:"critical_error_rate" yaml:"critical_error_rate"`
	WarningErrorRate  float64 `json:"warning_error_rate" yaml:"warning_error_rate"`

	CriticalLatencyMs float64 `json:"critical_latency_ms" yaml:"critical_latency_ms"`
	WarningLatencyMs  float64 `json:"warning_latency_ms" yaml:"warning_latency_ms"`

	CriticalDowntime time.Duration `json:"critical_downtime" yaml:"critical_downtime"`
	WarningDowntime  time.Duration `json:"warning_downtime" yaml:"warning_downtime"`
}

// NotifierConfig describes the notification channels to wire at startup.
type NotifierConfig struct {
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks"`
	Email    *EmailConfig    `json:"email,omitempty" yaml:"email,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
}

// WebhookConfig defines one generic HTTP webhook target.
type WebhookConfig struct {
	Name    string            `json:"name" yaml:"name"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`
}

// EmailConfig defines an SMTP delivery target.
type EmailConfig struct {
	Name     string   `json:"name" yaml:"name"`
	SMTPHost string   `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort int      `json:"smtp_port" yaml:"smtp_port"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	From     string   `json:"from" yaml:"from"`
	To       []string `json:"to" yaml:"to"`
}

// SlackConfig defines a Slack incoming-webhook target.
type SlackConfig struct {
	Name       string        `json:"name" yaml:"name"`
	WebhookURL string        `json:"webhook_url" yaml:"webhook_url"`
	Channel    string        `json:"channel" yaml:"channel"`
	Username   string        `json:"username" yaml:"username"`
	IconEmoji  string        `json:"icon_emoji" yaml:"icon_emoji"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// Default returns the configuration used when no file overrides are given.
func Default() *Config {
	return &Config{
		MaxDataPoints:       1440,
		AggregationInterval: 60 * time.Second,
		EvaluationInterval:  30 * time.Second,
		MaxAlerts:           100,
		RetentionPeriod:     24 * time.Hour,
		Health:              DefaultHealthThresholds(),
	}
}

// DefaultHealthThresholds returns the default classification cutoffs.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		CriticalFailureStreak: 5,
		WarningFailureStreak:  3,
		CriticalErrorRate:     0.25,
		WarningErrorRate:      0.10,
		CriticalLatencyMs:     10000,
		WarningLatencyMs:      5000,
		CriticalDowntime:      15 * time.Minute,
		WarningDowntime:       5 * time.Minute,
	}
}

// Load reads a YAML configuration file, layers it over Default and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the telemetry core cannot
// operate with.
func (c *Config) Validate() error {
	if c.MaxDataPoints <= 0 {
		return fmt.Errorf("max_data_points must be positive, got %d", c.MaxDataPoints)
	}
	if c.AggregationInterval <= 0 {
		return fmt.Errorf("aggregation_interval must be positive, got %s", c.AggregationInterval)
	}
	if c.EvaluationInterval <= 0 {
		return fmt.Errorf("evaluation_interval must be positive, got %s", c.EvaluationInterval)
	}
	if c.MaxAlerts <= 0 {
		return fmt.Errorf("max_alerts must be positive, got %d", c.MaxAlerts)
	}
	if c.RetentionPeriod <= 0 {
		return fmt.Errorf("retention_period must be positive, got %s", c.RetentionPeriod)
	}

	if err := c.Health.Validate(); err != nil {
		return err
	}

	for i, wh := range c.Notifiers.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notifiers.webhooks[%d]: url is required", i)
		}
	}
	if c.Notifiers.Email != nil && c.Notifiers.Email.SMTPHost == "" {
		return fmt.Errorf("notifiers.email: smtp_host is required")
	}
	if c.Notifiers.Slack != nil && c.Notifiers.Slack.WebhookURL == "" {
		return fmt.Errorf("notifiers.slack: webhook_url is required")
	}

	return nil
}

// Validate checks threshold ordering: warning cutoffs must not exceed their
// critical counterparts.
func (t HealthThresholds) Validate() error {
	if t.WarningFailureStreak > t.CriticalFailureStreak {
		return fmt.Errorf("health: warning_failure_streak %d exceeds critical_failure_streak %d",
			t.WarningFailureStreak, t.CriticalFailureStreak)
	}
	if t.WarningErrorRate > t.CriticalErrorRate {
		return fmt.Errorf("health: warning_error_rate %.2f exceeds critical_error_rate %.2f",
			t.WarningErrorRate, t.CriticalErrorRate)
	}
	if t.WarningLatencyMs > t.CriticalLatencyMs {
		return fmt.Errorf("health: warning_latency_ms %.0f exceeds critical_latency_ms %.0f",
			t.WarningLatencyMs, t.CriticalLatencyMs)
	}
	if t.WarningDowntime > t.CriticalDowntime {
		return fmt.Errorf("health: warning_downtime %s exceeds critical_downtime %s",
			t.WarningDowntime, t.CriticalDowntime)
	}
	return nil
}
