package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records delivered alerts for assertions.
type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *captureSink) last() Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerts[len(c.alerts)-1]
}

// newTestManager returns a manager with a controllable clock.
func newTestManager(sink *captureSink, escSink *captureSink) (*Manager, *time.Time) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	var esc []Sink
	if escSink != nil {
		esc = []Sink{escSink}
	}
	m := NewManager(DefaultConfig(), zerolog.Nop(), []Sink{sink}, esc)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint(SeverityCritical, "Kill switch activated", "halting")
	b := Fingerprint(SeverityCritical, "Kill switch activated", "halting")
	c := Fingerprint(SeverityWarning, "Kill switch activated", "halting")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "severity is part of the fingerprint")
}

func TestDedupeWithinWindow(t *testing.T) {
	sink := &captureSink{}
	m, now := newTestManager(sink, nil)
	ctx := context.Background()

	assert.True(t, m.Notify(ctx, SeverityWarning, "API errors", "burst", nil))
	*now = now.Add(30 * time.Second)
	assert.False(t, m.Notify(ctx, SeverityWarning, "API errors", "burst", nil))
	*now = now.Add(20 * time.Second)
	assert.False(t, m.Notify(ctx, SeverityWarning, "API errors", "burst", nil))
	assert.Equal(t, 1, sink.count())

	// Past the 60s window from first_seen, the next occurrence sends.
	*now = now.Add(15 * time.Second)
	assert.True(t, m.Notify(ctx, SeverityWarning, "API errors", "burst", nil))
	assert.Equal(t, 2, sink.count())
}

func TestEscalationOneShot(t *testing.T) {
	sink := &captureSink{}
	escSink := &captureSink{}
	m, now := newTestManager(sink, escSink)
	ctx := context.Background()

	m.Notify(ctx, SeverityWarning, "Latency breach", "cycle over budget", nil)

	*now = now.Add(60 * time.Second)
	assert.Equal(t, 0, m.CheckEscalations(ctx), "before deadline")

	// Keep the record alive and cross the deadline.
	m.Notify(ctx, SeverityWarning, "Latency breach", "cycle over budget", nil)
	*now = now.Add(70 * time.Second)
	assert.Equal(t, 1, m.CheckEscalations(ctx))

	esc := escSink.last()
	assert.Equal(t, SeverityCritical, esc.Severity, "severity boosted one level")
	assert.Equal(t, "ESCALATED: Latency breach", esc.Title)
	assert.Contains(t, esc.Message, "unresolved for 130s")
	assert.Contains(t, esc.Message, "2 occurrences")
	assert.True(t, esc.Escalated)

	// No re-escalation, and the original stays suppressed while escalated.
	*now = now.Add(200 * time.Second)
	m.Notify(ctx, SeverityWarning, "Latency breach", "cycle over budget", nil)
	assert.Equal(t, 0, m.CheckEscalations(ctx))
	assert.Equal(t, 1, escSink.count())
}

func TestEscalatedAlertSuppressedUntilResolved(t *testing.T) {
	sink := &captureSink{}
	m, now := newTestManager(sink, nil)
	ctx := context.Background()

	m.Notify(ctx, SeverityInfo, "Empty universe", "0 eligible", nil)
	*now = now.Add(130 * time.Second)
	m.Notify(ctx, SeverityInfo, "Empty universe", "0 eligible", nil) // keeps record fresh
	require.Equal(t, 1, m.CheckEscalations(ctx))
	sent := sink.count()

	// Even past a dedupe window, escalated alerts stay quiet.
	*now = now.Add(90 * time.Second)
	assert.False(t, m.Notify(ctx, SeverityInfo, "Empty universe", "0 eligible", nil))
	assert.Equal(t, sent, sink.count())

	// After resolve, a fresh cycle begins.
	m.Resolve(Fingerprint(SeverityInfo, "Empty universe", "0 eligible"))
	assert.True(t, m.Notify(ctx, SeverityInfo, "Empty universe", "0 eligible", nil))
}

func TestCriticalSeverityStaysCritical(t *testing.T) {
	escSink := &captureSink{}
	m, now := newTestManager(&captureSink{}, escSink)
	ctx := context.Background()

	m.Notify(ctx, SeverityCritical, "Daily stop-loss hit", "-3.1%", nil)
	*now = now.Add(121 * time.Second)
	m.Notify(ctx, SeverityCritical, "Daily stop-loss hit", "-3.1%", nil)
	require.Equal(t, 1, m.CheckEscalations(ctx))
	assert.Equal(t, SeverityCritical, escSink.last().Severity)
}

func TestStaleRecordsReset(t *testing.T) {
	sink := &captureSink{}
	m, now := newTestManager(sink, nil)
	ctx := context.Background()

	m.Notify(ctx, SeverityWarning, "Order rejections", "3 in 10m", nil)
	assert.Equal(t, 1, m.ActiveCount())

	// 5 minutes idle drops the record; the next occurrence is fresh.
	*now = now.Add(5 * time.Minute)
	assert.True(t, m.Notify(ctx, SeverityWarning, "Order rejections", "3 in 10m", nil))
	assert.Equal(t, 2, sink.count())
}

func TestWebhookSinkPosts(t *testing.T) {
	received := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, zerolog.Nop())
	err := sink.Send(context.Background(), Alert{
		Severity:  SeverityCritical,
		Title:     "Kill switch activated",
		Message:   "sentinel present",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	select {
	case p := <-received:
		assert.Equal(t, "CRITICAL", p.Severity)
		assert.Equal(t, "Kill switch activated", p.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestWebhookSinkEmptyURLNoop(t *testing.T) {
	sink := NewWebhookSink("", time.Second, zerolog.Nop())
	assert.NoError(t, sink.Send(context.Background(), Alert{Title: "x"}))
}
