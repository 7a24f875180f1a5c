// Package messaging carries outbound student messages from the handoff
// orchestrator to a delivery channel over a watermill topic.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/observability"
)

// Metadata keys set on every outbound message.
const (
	MetadataIdempotencyKey = "idempotency_key"
	MetadataContact        = "contact"
)

// DefaultTopic is the outbound message topic.
const DefaultTopic = "advisor.outbound"

// Outbox publishes outbound messages. The watermill message UUID is the
// idempotency key, and a marker stops a repeated Enqueue from publishing
// again once the first publish succeeded.
type Outbox struct {
	pub    message.Publisher
	topic  string
	sent   Deduper
	logger zerolog.Logger
}

var _ handoff.Messenger = (*Outbox)(nil)

// NewOutbox creates an outbox publishing to topic.
func NewOutbox(pub message.Publisher, topic string, sent Deduper, logger zerolog.Logger) *Outbox {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Outbox{pub: pub, topic: topic, sent: sent, logger: logger}
}

func sentKey(key string) string { return "outbox:" + key }

// Enqueue publishes msg and returns its message ID (the idempotency key).
// A publish that succeeded but whose marker write failed may publish twice;
// the Dispatcher drops the duplicate.
func (o *Outbox) Enqueue(ctx context.Context, msg handoff.OutboundMessage) (string, error) {
	if msg.IdempotencyKey == "" {
		return "", errors.New("outbound message needs an idempotency key")
	}
	if msg.Contact == "" {
		return "", errors.New("outbound message needs a contact")
	}

	seen, err := o.sent.Seen(ctx, sentKey(msg.IdempotencyKey))
	if err != nil {
		return "", handoff.MarkTransient(err)
	}
	if seen {
		observability.RecordOutbound("outbox", "duplicate")
		return msg.IdempotencyKey, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal outbound message: %w", err)
	}
	m := message.NewMessage(msg.IdempotencyKey, payload)
	m.Metadata.Set(MetadataIdempotencyKey, msg.IdempotencyKey)
	m.Metadata.Set(MetadataContact, msg.Contact)
	m.SetContext(ctx)

	if err := o.pub.Publish(o.topic, m); err != nil {
		observability.RecordOutbound("outbox", "failed")
		return "", handoff.MarkTransient(fmt.Errorf("publish outbound message: %w", err))
	}
	observability.RecordOutbound("outbox", "published")

	if err := o.sent.Mark(ctx, sentKey(msg.IdempotencyKey)); err != nil {
		o.logger.Warn().Err(err).
			Str("idempotency_key", msg.IdempotencyKey).
			Msg("outbound message published but sent marker not stored")
	}
	return msg.IdempotencyKey, nil
}
