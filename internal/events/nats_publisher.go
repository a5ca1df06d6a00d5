package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher publishes engine events to NATS JetStream.
//
// Subject convention: <prefix>.<event-type>, e.g.
// approvals.budget.workflow-approved.
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so bus failures never interrupt approval operations. The
// stream consumer (integration worker, notification service) is
// responsible for redelivery handling.
type NATSPublisher struct {
	js     nats.JetStreamContext
	prefix string
	log    zerolog.Logger
}

// NewNATSPublisher connects to NATS and prepares a JetStream context.
func NewNATSPublisher(url, subjectPrefix string, log zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &NATSPublisher{js: js, prefix: subjectPrefix, log: log}, nil
}

// Publish sends one event. The event id doubles as the JetStream
// deduplication id.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, ev.Type)
	_, err = p.js.Publish(subject, data, nats.MsgId(ev.ID), nats.Context(ctx))
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("transfer_id", ev.TransferID).
			Msg("events: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("transfer_id", ev.TransferID).
		Str("event_id", ev.ID).
		Msg("events: published")
}
