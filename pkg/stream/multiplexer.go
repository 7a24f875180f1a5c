package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixgo-dev/advisor/pkg/observability"
)

// ErrStreamTruncated is reported when a producer closes its channel without
// a Final or Error event.
var ErrStreamTruncated = errors.New("stream ended without a terminal event")

// ErrProducerFailed stands in for an Error event that carried no cause.
var ErrProducerFailed = errors.New("producer failed")

// FrameWriter delivers frames to one client.
type FrameWriter interface {
	WriteFrame(Frame) error
}

// Heartbeater is implemented by writers that can keep an idle connection
// open.
type Heartbeater interface {
	Heartbeat() error
}

// Outcome summarizes a relayed stream once the producer is done.
type Outcome struct {
	// Final is set when the turn succeeded.
	Final *Final
	// Err is the diagnostic cause when the turn failed.
	Err error
	// Partial is the concatenation of every TextDelta received.
	Partial string
	// Relayed counts frames written to the client.
	Relayed int
	// Disconnected is set when the client went away before the end.
	Disconnected bool
}

// Succeeded reports whether the producer finished with Final.
func (o Outcome) Succeeded() bool { return o.Final != nil }

// Multiplexer relays producer events to a client in order.
type Multiplexer struct {
	logger    zerolog.Logger
	heartbeat time.Duration
}

// MuxOption configures a Multiplexer.
type MuxOption func(*Multiplexer)

// WithHeartbeat sends a keep-alive every d while the producer is quiet, if
// the writer supports it.
func WithHeartbeat(d time.Duration) MuxOption {
	return func(m *Multiplexer) { m.heartbeat = d }
}

// NewMultiplexer creates a Multiplexer. logger should already carry the
// actor and session fields.
func NewMultiplexer(logger zerolog.Logger, opts ...MuxOption) *Multiplexer {
	m := &Multiplexer{logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Relay reads events until the producer closes the channel and writes one
// frame per event to w.
//
// The first Final or Error terminates the stream; later events are dropped.
// A channel closed without a terminal event is relayed as an error. When ctx
// is cancelled or a write fails, relaying stops but events are still
// drained, so the Outcome always reflects the full producer result.
func (m *Multiplexer) Relay(ctx context.Context, events <-chan Event, w FrameWriter) Outcome {
	var (
		out        Outcome
		partial    strings.Builder
		connected  = true
		terminated bool
		done       = ctx.Done()
		tick       <-chan time.Time
	)

	hb, canBeat := w.(Heartbeater)
	if canBeat && m.heartbeat > 0 {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	disconnect := func(err error) {
		if !connected {
			return
		}
		connected = false
		out.Disconnected = true
		done, tick = nil, nil
		m.logger.Info().Err(err).Msg("client disconnected; draining producer")
	}

	send := func(f Frame, kind Kind) {
		if !connected {
			return
		}
		if err := w.WriteFrame(f); err != nil {
			disconnect(err)
			return
		}
		out.Relayed++
		observability.RecordStreamEvent(string(kind))
	}

	for {
		select {
		case <-done:
			disconnect(ctx.Err())

		case <-tick:
			if err := hb.Heartbeat(); err != nil {
				disconnect(err)
			}

		case ev, ok := <-events:
			if !ok {
				if !terminated {
					out.Err = ErrStreamTruncated
					m.logger.Error().Err(out.Err).Msg("producer closed stream early")
					send(Frame{Type: FrameError, Message: UserSafeMessage}, KindError)
				}
				out.Partial = partial.String()
				return out
			}
			if ev == nil {
				m.logger.Warn().Msg("dropping nil stream event")
				continue
			}
			if terminated {
				m.logger.Warn().Str("kind", string(ev.Kind())).Msg("dropping event after terminal event")
				continue
			}

			switch e := ev.(type) {
			case TextDelta:
				partial.WriteString(e.Text)
			case ToolStarted, ToolFinished:
			case Final:
				out.Final = &e
				terminated = true
			case Error:
				out.Err = e.Err
				if out.Err == nil {
					out.Err = ErrProducerFailed
				}
				terminated = true
				m.logger.Error().Err(out.Err).Msg("completion failed")
			}

			frame, err := ToFrame(ev)
			if err != nil {
				m.logger.Warn().Err(err).Msg("dropping unconvertible event")
				continue
			}
			send(frame, ev.Kind())
		}
	}
}

// Emit sends e on events unless ctx is done. Producers use it so a stalled
// consumer cannot block them past their own deadline.
func Emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
