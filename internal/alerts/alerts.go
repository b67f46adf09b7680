// Package alerts fans operational alerts out to the configured sinks. The
// pipeline raises three kinds: integrity failures (critical), latency SLO
// breaches (warning) and degraded executors (warning).
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans one alert out to every configured sink. A failing sink never
// blocks the others.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send sends an alert to all configured alerters
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

// IntegrityFailure raises a critical alert for a broken hash chain.
func (m *Manager) IntegrityFailure(ctx context.Context, badIndex int64, reason string) error {
	return m.Send(ctx, Alert{
		Title:    "Ledger integrity failure",
		Message:  fmt.Sprintf("Hash chain verification failed at index %d: %s", badIndex, reason),
		Severity: SeverityCritical,
		Metadata: map[string]interface{}{
			"chain_index": badIndex,
			"reason":      reason,
		},
	})
}

// LatencyBreach raises a warning when distribution latency exceeds the SLO.
func (m *Manager) LatencyBreach(ctx context.Context, p95 time.Duration, slo time.Duration, window time.Duration) error {
	return m.Send(ctx, Alert{
		Title:    "Distribution latency SLO breach",
		Message:  fmt.Sprintf("p95 latency %s exceeds SLO %s over the last %s", p95, slo, window),
		Severity: SeverityWarning,
		Metadata: map[string]interface{}{
			"p95_ms": p95.Milliseconds(),
			"slo_ms": slo.Milliseconds(),
		},
	})
}

// ExecutorDegraded raises a warning after repeated account snapshot failures.
func (m *Manager) ExecutorDegraded(ctx context.Context, executorID string, consecutiveFailures int) error {
	return m.Send(ctx, Alert{
		Title:    "Executor degraded",
		Message:  fmt.Sprintf("Executor %s failed %d consecutive account snapshots", executorID, consecutiveFailures),
		Severity: SeverityWarning,
		Metadata: map[string]interface{}{
			"executor_id": executorID,
			"failures":    consecutiveFailures,
		},
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(fmt.Sprintf("ALERT: %s", alert.Message))
	return nil
}
