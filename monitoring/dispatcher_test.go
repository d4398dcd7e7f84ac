package monitoring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func testTime() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

// recordingNotifier collects the alerts it is asked to send.
type recordingNotifier struct {
	mu     sync.Mutex
	name   string
	err    error
	panics bool
	sent   []Alert
}

func (n *recordingNotifier) Send(_ context.Context, alert Alert) error {
	if n.panics {
		panic("notifier blew up")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, alert)
	return n.err
}

func (n *recordingNotifier) Name() string  { return n.name }
func (n *recordingNotifier) Healthy() bool { return n.err == nil }

func (n *recordingNotifier) alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, len(n.sent))
	copy(out, n.sent)
	return out
}

func TestDispatchFanOut(t *testing.T) {
	d := NewDispatcher(nil)
	a := &recordingNotifier{name: "a"}
	b := &recordingNotifier{name: "b"}
	d.Register("a", a)
	d.Register("b", b)

	alert := makeAlert("x", SeverityCritical, "", testTime())
	results := d.Dispatch(context.Background(), alert)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Errorf("channel %s failed: %v", res.Channel, res.Err)
		}
	}
	if len(a.alerts()) != 1 || len(b.alerts()) != 1 {
		t.Error("both channels must receive the alert")
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	d := NewDispatcher(nil)
	failing := &recordingNotifier{name: "failing", err: errors.New("delivery refused")}
	panicking := &recordingNotifier{name: "panicking", panics: true}
	healthy := &recordingNotifier{name: "healthy"}
	d.Register("failing", failing)
	d.Register("panicking", panicking)
	d.Register("healthy", healthy)

	results := d.Dispatch(context.Background(), makeAlert("x", SeverityWarning, "", testTime()))
	if len(results) != 3 {
		t.Fatalf("expected one result per channel, got %d", len(results))
	}

	byChannel := map[string]DispatchResult{}
	for _, res := range results {
		byChannel[res.Channel] = res
	}

	if byChannel["healthy"].Err != nil {
		t.Error("healthy channel should succeed despite sibling failures")
	}
	if byChannel["failing"].Err == nil || byChannel["failing"].Error == "" {
		t.Error("failing channel must report its error")
	}
	if byChannel["panicking"].Err == nil {
		t.Error("a panicking notifier must surface as that channel's error")
	}
	if len(healthy.alerts()) != 1 {
		t.Error("healthy channel did not receive the alert")
	}
}

func TestDispatchUnhealthyChannelStillReceives(t *testing.T) {
	d := NewDispatcher(nil)
	sick := &recordingNotifier{name: "sick", err: errors.New("down")}
	d.Register("sick", sick)

	// A previous failure does not exclude the channel from later dispatches.
	d.Dispatch(context.Background(), makeAlert("x1", SeverityInfo, "", testTime()))
	d.Dispatch(context.Background(), makeAlert("x2", SeverityInfo, "", testTime()))

	if got := len(sick.alerts()); got != 2 {
		t.Errorf("unhealthy channel received %d alerts, want 2", got)
	}
}

func TestRegisterUnregister(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("a", &recordingNotifier{name: "a"})
	d.Register("b", &recordingNotifier{name: "b"})
	d.Unregister("a")

	channels := d.Channels()
	sort.Strings(channels)
	if len(channels) != 1 || channels[0] != "b" {
		t.Errorf("channels = %v, want [b]", channels)
	}

	results := d.Dispatch(context.Background(), makeAlert("x", SeverityInfo, "", testTime()))
	if len(results) != 1 || results[0].Channel != "b" {
		t.Errorf("unexpected dispatch targets: %+v", results)
	}
}

func TestDispatchNoChannels(t *testing.T) {
	d := NewDispatcher(nil)
	results := d.Dispatch(context.Background(), makeAlert("x", SeverityInfo, "", testTime()))
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestTestNotification(t *testing.T) {
	d := NewDispatcher(nil)
	n := &recordingNotifier{name: "n"}
	d.Register("n", n)

	if err := d.TestNotification(context.Background(), "n"); err != nil {
		t.Fatal(err)
	}

	sent := n.alerts()
	if len(sent) != 1 {
		t.Fatalf("expected 1 test alert, got %d", len(sent))
	}
	if sent[0].Severity != SeverityInfo {
		t.Errorf("test alert severity = %s, want info", sent[0].Severity)
	}
	if sent[0].RuleID != "test" {
		t.Errorf("test alert rule = %s, want test", sent[0].RuleID)
	}

	if err := d.TestNotification(context.Background(), "missing"); err == nil {
		t.Error("unknown channel must error")
	}
}
