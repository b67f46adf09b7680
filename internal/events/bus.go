// Package events publishes pipeline lifecycle events over NATS for external
// consumers: dashboards, downstream recorders, paper-trade followers. The
// bus is optional; a nil *Bus disables publishing everywhere.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// Event subjects, appended to the configured prefix.
const (
	SubjectSignalEmitted   = "signal.emitted"
	SubjectSignalAccepted  = "signal.accepted"
	SubjectSignalQueued    = "signal.queued"
	SubjectIntegrityBroken = "integrity.broken"
)

// Envelope wraps every published event.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus is a thin NATS publisher.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with infinite reconnects. The pipeline never blocks on
// the bus; a dropped connection only loses events.
func Connect(url, prefix string) (*Bus, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("signalfuse"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if prefix == "" {
		prefix = "signals."
	}
	log.Info().Str("nats_url", url).Str("prefix", prefix).Msg("Event bus connected")
	return &Bus{nc: nc, prefix: prefix}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("Event bus drain failed")
	}
}

func (b *Bus) publish(ctx context.Context, subject string, payload any) error {
	if b == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	env := Envelope{
		ID:        uuid.New(),
		Subject:   subject,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
	envData, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return b.nc.Publish(b.prefix+subject, envData)
}

// SignalEmitted announces a newly-persisted signal.
func (b *Bus) SignalEmitted(ctx context.Context, s *signal.Signal) {
	if err := b.publish(ctx, SubjectSignalEmitted, s); err != nil && b != nil {
		log.Debug().Err(err).Str("signal_id", s.SignalID.String()).Msg("Failed to publish signal event")
	}
}

// SignalAccepted announces an executor accepting a distributed signal.
func (b *Bus) SignalAccepted(ctx context.Context, s *signal.Signal, executorID string) {
	payload := map[string]string{
		"signal_id":   s.SignalID.String(),
		"symbol":      s.Symbol,
		"executor_id": executorID,
	}
	if err := b.publish(ctx, SubjectSignalAccepted, payload); err != nil && b != nil {
		log.Debug().Err(err).Str("signal_id", s.SignalID.String()).Msg("Failed to publish accept event")
	}
}

// SignalQueued announces a conditional deferral.
func (b *Bus) SignalQueued(ctx context.Context, signalID uuid.UUID, executorID, reason string) {
	payload := map[string]string{
		"signal_id":   signalID.String(),
		"executor_id": executorID,
		"reason":      reason,
	}
	if err := b.publish(ctx, SubjectSignalQueued, payload); err != nil && b != nil {
		log.Debug().Err(err).Msg("Failed to publish queue event")
	}
}

// IntegrityBroken announces a failed chain verification.
func (b *Bus) IntegrityBroken(ctx context.Context, badIndex int64, reason string) {
	payload := map[string]any{
		"bad_index": badIndex,
		"reason":    reason,
	}
	if err := b.publish(ctx, SubjectIntegrityBroken, payload); err != nil && b != nil {
		log.Debug().Err(err).Msg("Failed to publish integrity event")
	}
}
