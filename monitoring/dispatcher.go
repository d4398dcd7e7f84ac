package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DispatchResult is the outcome of one channel's delivery attempt.
type DispatchResult struct {
	Channel  string        `json:"channel"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Dispatcher fans an alert out to every registered notification channel.
// Channel attempts are isolated: all sends for one alert run concurrently,
// the group is awaited, and each channel's success or failure is collected
// independently. One failing channel never delays or suppresses the others.
type Dispatcher struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	notifiers map[string]Notifier
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		notifiers: make(map[string]Notifier),
	}
}

// Register adds a notification channel under the given name, replacing any
// previous channel with that name.
func (d *Dispatcher) Register(name string, n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.notifiers[name] = n
	d.logger.Info("notification channel registered",
		slog.String("name", name),
		slog.String("type", n.Name()),
	)
}

// Unregister removes a notification channel.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.notifiers, name)
	d.logger.Info("notification channel unregistered", slog.String("name", name))
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.notifiers))
	for name := range d.notifiers {
		names = append(names, name)
	}
	return names
}

// Dispatch sends the alert to every registered channel concurrently and
// waits for all attempts, collecting one result per channel. It never
// short-circuits on the first failure.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) []DispatchResult {
	d.mu.RLock()
	targets := make(map[string]Notifier, len(d.notifiers))
	for name, n := range d.notifiers {
		targets[name] = n
	}
	d.mu.RUnlock()

	results := make([]DispatchResult, 0, len(targets))
	resultCh := make(chan DispatchResult, len(targets))

	var wg sync.WaitGroup
	for name, n := range targets {
		wg.Add(1)
		go func(name string, n Notifier) {
			defer wg.Done()
			start := time.Now()
			err := d.safeSend(ctx, n, alert)
			res := DispatchResult{
				Channel:  name,
				Err:      err,
				Duration: time.Since(start),
			}
			if err != nil {
				res.Error = err.Error()
				d.logger.Error("alert notification failed",
					slog.String("channel", name),
					slog.String("alert_id", alert.ID),
					slog.String("error", err.Error()),
				)
			}
			resultCh <- res
		}(name, n)
	}
	wg.Wait()
	close(resultCh)

	for res := range resultCh {
		results = append(results, res)
	}
	return results
}

// safeSend isolates one channel send so a panicking notifier surfaces as
// that channel's error.
func (d *Dispatcher) safeSend(ctx context.Context, n Notifier, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return n.Send(ctx, alert)
}

// TestNotification validates one channel's configuration out-of-band by
// sending a synthetic info-severity alert to it.
func (d *Dispatcher) TestNotification(ctx context.Context, channel string) error {
	d.mu.RLock()
	n, ok := d.notifiers[channel]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification channel %s not found", channel)
	}

	now := time.Now()
	alert := Alert{
		ID:        fmt.Sprintf("test-%d", now.UnixNano()),
		RuleID:    "test",
		Title:     "Test Notification",
		Message:   fmt.Sprintf("Test notification for channel %s", channel),
		Severity:  SeverityInfo,
		Timestamp: now,
	}
	return d.safeSend(ctx, n, alert)
}
