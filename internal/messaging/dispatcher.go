package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/observability"
)

// Sender delivers one outbound message to the student.
type Sender interface {
	Send(ctx context.Context, msg handoff.OutboundMessage) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Topic       string
	SendTimeout time.Duration
	MaxRetries  int
	// ClaimTTL bounds how long a delivery in progress holds its key
	// (default 3 × SendTimeout). A dispatcher that dies mid-send blocks
	// redelivery of that key for at most this long.
	ClaimTTL time.Duration
}

// errInFlight nacks a message whose key another delivery is still working on.
var errInFlight = errors.New("outbound message delivery in flight")

// Dispatcher consumes the outbound topic and delivers each idempotency key
// at most once per dedupe window. A key is claimed for ClaimTTL while
// sending and marked done only after the send succeeded. Failed sends
// release the claim and are retried, then nacked for redelivery.
type Dispatcher struct {
	router *message.Router
	dedupe Deduper
	sender Sender
	cfg    DispatcherConfig
	logger zerolog.Logger
}

// NewDispatcher wires a watermill router around sub.
func NewDispatcher(sub message.Subscriber, dedupe Deduper, sender Sender, cfg DispatcherConfig, wlog watermill.LoggerAdapter, logger zerolog.Logger) (*Dispatcher, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 3 * cfg.SendTimeout
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 15 * time.Second}, wlog)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	d := &Dispatcher{router: router, dedupe: dedupe, sender: sender, cfg: cfg, logger: logger}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
			Logger:          wlog,
		}.Middleware,
	)
	router.AddNoPublisherHandler("outbound_dispatch", cfg.Topic, sub, d.handle)
	return d, nil
}

// Run blocks until ctx is cancelled or the router fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.router.Run(ctx)
}

// Running is closed once handlers are subscribed.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

// Close stops the router.
func (d *Dispatcher) Close() error {
	return d.router.Close()
}

func (d *Dispatcher) handle(m *message.Message) error {
	key := m.Metadata.Get(MetadataIdempotencyKey)
	if key == "" {
		key = m.UUID
	}
	logger := d.logger.With().Str("idempotency_key", key).Logger()

	var out handoff.OutboundMessage
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		// Redelivery cannot fix a bad payload.
		logger.Error().Err(err).Msg("dropping malformed outbound message")
		observability.RecordOutbound("dispatch", "malformed")
		return nil
	}

	ctx := m.Context()
	claim, err := d.dedupe.Claim(ctx, key, d.cfg.ClaimTTL)
	if err != nil {
		return err
	}
	switch claim {
	case Done:
		logger.Debug().Msg("duplicate outbound message dropped")
		observability.RecordOutbound("dispatch", "duplicate")
		return nil
	case InFlight:
		observability.RecordOutbound("dispatch", "in_flight")
		return errInFlight
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, out); err != nil {
		if rerr := d.dedupe.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.Error().Err(rerr).Msg("release dedupe key")
		}
		observability.RecordOutbound("dispatch", "failed")
		return fmt.Errorf("send outbound message: %w", err)
	}

	if err := d.dedupe.Mark(context.WithoutCancel(ctx), key); err != nil {
		// Delivered; the claim lease still covers a prompt redelivery.
		logger.Error().Err(err).Msg("mark dedupe key")
	}
	logger.Info().Str("contact", out.Contact).Msg("outbound message delivered")
	observability.RecordOutbound("dispatch", "delivered")
	return nil
}
