// Package alerts pushes operational events (kill-switch halts, agent
// failures, journal errors) to the configured channels. Logging is always a
// channel; Telegram is added when enabled in config.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operational event.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	TraderID  string
	Timestamp time.Time
}

// Alerter is one delivery channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans an alert out to every channel. Channel failures are logged,
// never fatal.
type Manager struct {
	alerters []Alerter
}

// NewManager builds a manager over the given channels.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send delivers the alert on every channel and returns the last error seen.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// SendHalt reports a trader paused by the kill switch.
func (m *Manager) SendHalt(ctx context.Context, traderID, reason string) error {
	return m.Send(ctx, Alert{
		Title:    "Trading halted",
		Message:  reason,
		Severity: SeverityCritical,
		TraderID: traderID,
	})
}

// SendResume reports a trader leaving its pause window.
func (m *Manager) SendResume(ctx context.Context, traderID string) error {
	return m.Send(ctx, Alert{
		Title:    "Trading resumed",
		Message:  "Pause window elapsed",
		Severity: SeverityInfo,
		TraderID: traderID,
	})
}

// SendCycleError reports a failed trading cycle.
func (m *Manager) SendCycleError(ctx context.Context, traderID string, cycle int, err error) error {
	return m.Send(ctx, Alert{
		Title:    "Cycle failed",
		Message:  fmt.Sprintf("cycle %d: %v", cycle, err),
		Severity: SeverityWarning,
		TraderID: traderID,
	})
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct{}

// NewLogAlerter returns the log channel.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send logs the alert at a level matching its severity.
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	}

	event.
		Str("severity", string(alert.Severity)).
		Str("trader", alert.TraderID).
		Str("title", alert.Title).
		Msg(alert.Message)
	return nil
}
