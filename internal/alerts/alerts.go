// Package alerts implements the operator notification pipeline: severity
// levels, fingerprint dedupe, one-shot escalation and pluggable sinks.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// boost raises the severity one level. CRITICAL stays CRITICAL.
func (s Severity) boost() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	case SeverityWarning:
		return SeverityCritical
	default:
		return SeverityCritical
	}
}

// Alert is one notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}

	// Escalated marks the one-shot escalation re-send.
	Escalated bool
}

// Fingerprint identifies an alert for dedupe purposes. Two alerts with
// the same severity, title and message are the same alert.
func Fingerprint(severity Severity, title, message string) string {
	h := sha256.Sum256([]byte(string(severity) + "|" + title + "|" + message))
	return hex.EncodeToString(h[:])
}

// Sink delivers an alert to one channel.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// record tracks an alert's dedupe lifecycle.
type record struct {
	fingerprint string
	severity    Severity
	title       string
	message     string
	firstSeen   time.Time // original activation, drives escalation age
	windowStart time.Time // current dedupe window
	lastSeen    time.Time
	count       int
	escalated   bool
	resolved    bool
}

// Config tunes the dedupe and escalation windows.
type Config struct {
	DedupeWindow   time.Duration // no re-send within this window of first_seen
	EscalationTime time.Duration // unresolved for this long triggers escalation
	StaleAfter     time.Duration // idle records are dropped after this
}

// DefaultConfig matches the production windows: 60s dedupe, 120s to
// escalation, 5 min lifecycle reset.
func DefaultConfig() Config {
	return Config{
		DedupeWindow:   60 * time.Second,
		EscalationTime: 120 * time.Second,
		StaleAfter:     5 * time.Minute,
	}
}

// Manager fans alerts out to sinks after dedupe, and escalates alerts
// that stay unresolved. Not safe for concurrent use by itself; callers
// go through the single-threaded cycle, and webhook delivery is already
// async inside the sink.
type Manager struct {
	cfg             Config
	sinks           []Sink
	escalationSinks []Sink
	log             zerolog.Logger
	now             func() time.Time

	history map[string]*record
}

// NewManager builds a manager. escalationSinks receive only escalation
// re-sends; nil falls back to the regular sinks.
func NewManager(cfg Config, logger zerolog.Logger, sinks []Sink, escalationSinks []Sink) *Manager {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 60 * time.Second
	}
	if cfg.EscalationTime <= 0 {
		cfg.EscalationTime = 120 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if len(escalationSinks) == 0 {
		escalationSinks = sinks
	}
	return &Manager{
		cfg:             cfg,
		sinks:           sinks,
		escalationSinks: escalationSinks,
		log:             logger.With().Str("component", "alerts").Logger(),
		now:             time.Now,
		history:         make(map[string]*record),
	}
}

// Notify runs an alert through dedupe and delivers it if it is not
// suppressed. Returns true when the alert was actually sent.
func (m *Manager) Notify(ctx context.Context, severity Severity, title, message string, metadata map[string]interface{}) bool {
	now := m.now()
	m.expireStale(now)

	fp := Fingerprint(severity, title, message)
	rec, seen := m.history[fp]
	if seen {
		rec.lastSeen = now
		rec.count++
		inWindow := now.Sub(rec.windowStart) < m.cfg.DedupeWindow
		if inWindow || rec.escalated {
			m.log.Debug().
				Str("fingerprint", fp[:12]).
				Int("count", rec.count).
				Bool("escalated", rec.escalated).
				Msg("Alert deduplicated")
			return false
		}
		// Window expired: this occurrence sends and starts a new window.
		// firstSeen is untouched so the escalation clock keeps running.
		rec.windowStart = now
		m.deliver(ctx, m.sinks, Alert{Title: title, Message: message, Severity: severity, Timestamp: now, Metadata: metadata})
		return true
	}

	m.history[fp] = &record{
		fingerprint: fp,
		severity:    severity,
		title:       title,
		message:     message,
		firstSeen:   now,
		windowStart: now,
		lastSeen:    now,
		count:       1,
	}
	m.deliver(ctx, m.sinks, Alert{Title: title, Message: message, Severity: severity, Timestamp: now, Metadata: metadata})
	return true
}

// CheckEscalations re-sends alerts that stayed active past the
// escalation deadline. Called once per cycle. Each alert escalates at
// most once.
func (m *Manager) CheckEscalations(ctx context.Context) int {
	now := m.now()
	m.expireStale(now)

	escalated := 0
	for _, rec := range m.history {
		if rec.escalated || rec.resolved {
			continue
		}
		age := now.Sub(rec.firstSeen)
		if age < m.cfg.EscalationTime {
			continue
		}
		rec.escalated = true
		escalated++
		m.deliver(ctx, m.escalationSinks, Alert{
			Title:     "ESCALATED: " + rec.title,
			Message:   fmt.Sprintf("%s (unresolved for %ds, %d occurrences)", rec.message, int(age.Seconds()), rec.count),
			Severity:  rec.severity.boost(),
			Timestamp: now,
			Escalated: true,
		})
		m.log.Warn().
			Str("title", rec.title).
			Int("occurrences", rec.count).
			Msg("Alert escalated")
	}
	return escalated
}

// Resolve marks an alert resolved so its dedupe record can be dropped
// and a future occurrence starts a fresh cycle.
func (m *Manager) Resolve(fingerprint string) {
	if rec, ok := m.history[fingerprint]; ok {
		rec.resolved = true
		delete(m.history, fingerprint)
	}
}

// ActiveCount returns the number of live dedupe records, for tests and
// the cycle summary.
func (m *Manager) ActiveCount() int { return len(m.history) }

// expireStale drops records idle past the lifecycle window.
func (m *Manager) expireStale(now time.Time) {
	for fp, rec := range m.history {
		if now.Sub(rec.lastSeen) >= m.cfg.StaleAfter {
			delete(m.history, fp)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, sinks []Sink, alert Alert) {
	for _, sink := range sinks {
		if err := sink.Send(ctx, alert); err != nil {
			m.log.Error().Err(err).Str("title", alert.Title).Msg("Failed to send alert")
		}
	}
}

// Convenience wrappers used throughout the engine.

// Info sends an INFO alert.
func (m *Manager) Info(ctx context.Context, title, message string, metadata map[string]interface{}) bool {
	return m.Notify(ctx, SeverityInfo, title, message, metadata)
}

// Warning sends a WARNING alert.
func (m *Manager) Warning(ctx context.Context, title, message string, metadata map[string]interface{}) bool {
	return m.Notify(ctx, SeverityWarning, title, message, metadata)
}

// Critical sends a CRITICAL alert.
func (m *Manager) Critical(ctx context.Context, title, message string, metadata map[string]interface{}) bool {
	return m.Notify(ctx, SeverityCritical, title, message, metadata)
}
