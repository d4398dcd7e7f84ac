package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/relaywatch/relaywatch/config"
)

// Notifier is the contract a notification channel implements. Send is
// best-effort and fire-and-forget from the core's perspective: a failure is
// surfaced only as this channel's result.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
	Healthy() bool
}

// LogNotifier writes alerts to the structured log. It is always healthy.
type LogNotifier struct {
	logger *slog.Logger
	name   string
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger, name: "log"}
}

func (ln *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}

	ln.logger.Log(ctx, level, fmt.Sprintf("ALERT: %s", alert.Title),
		slog.String("alert_id", alert.ID),
		slog.String("rule_id", alert.RuleID),
		slog.String("severity", string(alert.Severity)),
		slog.String("backend", alert.Backend),
		slog.String("message", alert.Message),
	)
	return nil
}

func (ln *LogNotifier) Name() string { return ln.name }

func (ln *LogNotifier) Healthy() bool { return true }

// notifierHealth tracks per-channel delivery health shared by the network
// notifiers below.
type notifierHealth struct {
	mu        sync.RWMutex
	healthy   bool
	lastError error
}

func (h *notifierHealth) setHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = true
	h.lastError = nil
}

func (h *notifierHealth) setUnhealthy(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = false
	h.lastError = err
}

func (h *notifierHealth) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

// LastError returns the most recent delivery error, or nil.
func (h *notifierHealth) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastError
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	notifierHealth
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// WebhookPayload is the body posted to webhook targets.
type WebhookPayload struct {
	Type      string    `json:"type"`
	Alert     Alert     `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewWebhookNotifier creates a webhook notifier from config.
func NewWebhookNotifier(cfg config.WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if logger == nil {
		logger = slog.Default()
	}

	wn := &WebhookNotifier{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
	wn.healthy = true
	return wn
}

func (wn *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := WebhookPayload{
		Type:      "alert",
		Alert:     alert,
		Timestamp: time.Now(),
		Source:    "relaywatch",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		wn.setUnhealthy(err)
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.url, bytes.NewReader(body))
	if err != nil {
		wn.setUnhealthy(err)
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relaywatch/1.0")
	for k, v := range wn.headers {
		req.Header.Set(k, v)
	}

	resp, err := wn.client.Do(req)
	if err != nil {
		wn.setUnhealthy(err)
		wn.logger.Error("webhook request failed",
			slog.String("notifier", wn.name),
			slog.String("url", wn.url),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		wn.setUnhealthy(err)
		wn.logger.Error("webhook returned error status",
			slog.String("notifier", wn.name),
			slog.Int("status_code", resp.StatusCode),
		)
		return err
	}

	wn.setHealthy()
	return nil
}

func (wn *WebhookNotifier) Name() string { return wn.name }

// EmailNotifier delivers alerts over SMTP.
type EmailNotifier struct {
	notifierHealth
	name   string
	cfg    config.EmailConfig
	logger *slog.Logger

	// sendMail is swapped in tests; smtp.SendMail otherwise.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates an SMTP notifier from config.
func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	if cfg.Name == "" {
		cfg.Name = "email"
	}
	if logger == nil {
		logger = slog.Default()
	}

	en := &EmailNotifier{
		name:     cfg.Name,
		cfg:      cfg,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
	en.healthy = true
	return en
}

func (en *EmailNotifier) Send(ctx context.Context, alert Alert) error {
	subject := fmt.Sprintf("[%s] Alert: %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	body := formatAlertEmail(alert)

	auth := smtp.PlainAuth("", en.cfg.Username, en.cfg.Password, en.cfg.SMTPHost)
	msg := fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s",
		strings.Join(en.cfg.To, ","), subject, body)
	addr := fmt.Sprintf("%s:%d", en.cfg.SMTPHost, en.cfg.SMTPPort)

	if err := en.sendMail(addr, auth, en.cfg.From, en.cfg.To, []byte(msg)); err != nil {
		en.setUnhealthy(err)
		en.logger.Error("email notification failed",
			slog.String("notifier", en.name),
			slog.String("smtp_host", en.cfg.SMTPHost),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("send email: %w", err)
	}

	en.setHealthy()
	return nil
}

func formatAlertEmail(alert Alert) string {
	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("Alert: %s\n", alert.Title))
	buf.WriteString(fmt.Sprintf("Severity: %s\n", alert.Severity))
	if alert.Backend != "" {
		buf.WriteString(fmt.Sprintf("Backend: %s\n", alert.Backend))
	}
	buf.WriteString(fmt.Sprintf("Message: %s\n", alert.Message))
	buf.WriteString(fmt.Sprintf("Fired At: %s\n", alert.Timestamp.Format(time.RFC3339)))
	buf.WriteString(fmt.Sprintf("Error Rate: %.1f%%\n", alert.Metrics.Global.ErrorRate*100))
	buf.WriteString(fmt.Sprintf("Avg Response Time: %.0fms\n", alert.Metrics.Global.AvgResponseTimeMs))
	return buf.String()
}

func (en *EmailNotifier) Name() string { return en.name }

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	notifierHealth
	name       string
	webhookURL string
	channel    string
	username   string
	iconEmoji  string
	client     *http.Client
	logger     *slog.Logger
}

// SlackMessage is the incoming-webhook payload.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one block of the Slack message.
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is one field inside an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a Slack notifier from config.
func NewSlackNotifier(cfg config.SlackConfig, logger *slog.Logger) *SlackNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "slack"
	}
	if cfg.Username == "" {
		cfg.Username = "Relaywatch"
	}
	if cfg.IconEmoji == "" {
		cfg.IconEmoji = ":warning:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	sn := &SlackNotifier{
		name:       cfg.Name,
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
		iconEmoji:  cfg.IconEmoji,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	sn.healthy = true
	return sn
}

func (sn *SlackNotifier) Send(ctx context.Context, alert Alert) error {
	message := SlackMessage{
		Channel:   sn.channel,
		Username:  sn.username,
		IconEmoji: sn.iconEmoji,
		Text:      fmt.Sprintf("*Alert Fired*: %s", alert.Title),
		Attachments: []SlackAttachment{
			{
				Color: severityColor(alert.Severity),
				Title: alert.Title,
				Text:  alert.Message,
				Fields: []SlackField{
					{Title: "Severity", Value: string(alert.Severity), Short: true},
					{Title: "Backend", Value: alert.Backend, Short: true},
					{Title: "Error Rate", Value: fmt.Sprintf("%.1f%%", alert.Metrics.Global.ErrorRate*100), Short: true},
				},
				Timestamp: alert.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(message)
	if err != nil {
		sn.setUnhealthy(err)
		return fmt.Errorf("marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sn.webhookURL, bytes.NewReader(body))
	if err != nil {
		sn.setUnhealthy(err)
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sn.client.Do(req)
	if err != nil {
		sn.setUnhealthy(err)
		sn.logger.Error("slack notification failed",
			slog.String("notifier", sn.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("slack returned status %d", resp.StatusCode)
		sn.setUnhealthy(err)
		return err
	}

	sn.setHealthy()
	return nil
}

func severityColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "#36a64f"
	}
}

func (sn *SlackNotifier) Name() string { return sn.name }

// NotifiersFromConfig builds the notification channels declared in config.
// The log notifier is always included.
func NotifiersFromConfig(cfg config.NotifierConfig, logger *slog.Logger) []Notifier {
	notifiers := []Notifier{NewLogNotifier(logger)}
	for _, wh := range cfg.Webhooks {
		notifiers = append(notifiers, NewWebhookNotifier(wh, logger))
	}
	if cfg.Email != nil {
		notifiers = append(notifiers, NewEmailNotifier(*cfg.Email, logger))
	}
	if cfg.Slack != nil {
		notifiers = append(notifiers, NewSlackNotifier(*cfg.Slack, logger))
	}
	return notifiers
}
