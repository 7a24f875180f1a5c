package stream

import (
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Roles of reconstructed messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a completed entry of the client-side conversation.
type Message struct {
	Role    string
	Content string
	Sources []Source
	Handoff *HandoffIntent
}

// Demultiplexer rebuilds a conversation from frames on the client side.
// It is not safe for concurrent use.
type Demultiplexer struct {
	logger   zerolog.Logger
	buf      strings.Builder
	status   string
	messages []Message
	errMsg   string
	done     bool
}

// NewDemultiplexer creates an empty Demultiplexer.
func NewDemultiplexer(logger zerolog.Logger) *Demultiplexer {
	return &Demultiplexer{logger: logger}
}

// StartTurn records the user's prompt and readies the state for a new
// stream. Messages from earlier turns are kept.
func (d *Demultiplexer) StartTurn(prompt string) {
	d.messages = append(d.messages, Message{Role: RoleUser, Content: prompt})
	d.buf.Reset()
	d.status = ""
	d.errMsg = ""
	d.done = false
}

// Apply folds one frame into the state.
func (d *Demultiplexer) Apply(f Frame) {
	if d.done {
		d.logger.Warn().Str("type", string(f.Type)).Msg("dropping frame after terminal frame")
		return
	}

	switch f.Type {
	case FrameDelta:
		d.buf.WriteString(f.Content)

	case FrameToolStatus:
		switch f.State {
		case ToolRunning:
			d.status = f.Label
		case ToolDone:
			d.status = ""
		default:
			d.logger.Warn().Str("state", f.State).Msg("dropping tool_status frame with unknown state")
		}

	case FrameFinal:
		content := f.Content
		if content == "" {
			content = d.buf.String()
		}
		d.messages = append(d.messages, Message{
			Role:    RoleAssistant,
			Content: content,
			Sources: f.Sources,
			Handoff: f.Handoff,
		})
		d.buf.Reset()
		d.status = ""
		d.done = true

	case FrameError:
		d.buf.Reset()
		d.status = ""
		// The frame's own text is never shown.
		d.errMsg = UserSafeMessage
		d.done = true

	default:
		d.logger.Warn().Str("type", string(f.Type)).Msg("dropping unrecognized frame")
	}
}

// Fail ends the current turn with the user-safe error, e.g. when the
// connection dropped before a terminal frame.
func (d *Demultiplexer) Fail() {
	d.Apply(Frame{Type: FrameError, Message: UserSafeMessage})
}

// Consume applies frames from dec until a terminal frame or the end of the
// stream. onFrame, if set, is called after each applied frame. Malformed
// frames are logged and skipped. A stream that ends early becomes an error.
func (d *Demultiplexer) Consume(dec *Decoder, onFrame func(Frame)) error {
	for !d.done {
		f, err := dec.Next()
		if errors.Is(err, ErrMalformedFrame) {
			d.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if err != nil {
			d.Fail()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		d.Apply(f)
		if onFrame != nil {
			onFrame(f)
		}
	}
	return nil
}

// Buffer is the assistant text received so far in the current turn.
func (d *Demultiplexer) Buffer() string { return d.buf.String() }

// Status is the transient tool status, empty when no tool is running.
func (d *Demultiplexer) Status() string { return d.status }

// Err is the user-safe error of the current turn, if it failed.
func (d *Demultiplexer) Err() string { return d.errMsg }

// Done reports whether the current turn reached a terminal frame.
func (d *Demultiplexer) Done() bool { return d.done }

// Messages returns the completed messages.
func (d *Demultiplexer) Messages() []Message {
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// LastAssistant returns the newest assistant message, if any.
func (d *Demultiplexer) LastAssistant() (Message, bool) {
	for i := len(d.messages) - 1; i >= 0; i-- {
		if d.messages[i].Role == RoleAssistant {
			return d.messages[i], true
		}
	}
	return Message{}, false
}
