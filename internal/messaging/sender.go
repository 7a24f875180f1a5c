package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/pkg/handoff"
)

// WebhookSender POSTs each message as JSON to a delivery service. The
// idempotency key travels in the Idempotency-Key header.
type WebhookSender struct {
	URL   string
	Token string
	HTTP  *http.Client
}

func (s *WebhookSender) Send(ctx context.Context, msg handoff.OutboundMessage) error {
	if s.URL == "" {
		return errors.New("delivery webhook url is required")
	}
	hc := s.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("delivery webhook returned %d", res.StatusCode)
	}
	return nil
}

// LogSender only logs messages. Used when no delivery webhook is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, msg handoff.OutboundMessage) error {
	s.Logger.Info().
		Str("contact", msg.Contact).
		Str("timing", msg.TimingPreference).
		Str("idempotency_key", msg.IdempotencyKey).
		Msg("outbound message (log delivery)")
	return nil
}
