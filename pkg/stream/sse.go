package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrMalformedFrame is returned by Decoder.Next for an event whose data is
// not a frame. The decoder stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

// SetSSEHeaders prepares an HTTP response for an event stream.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Encoder writes frames as Server-Sent Events.
type Encoder struct {
	w     io.Writer
	flush func()
}

// NewEncoder writes to w, flushing after every event when w is an
// http.Flusher.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

// WriteFrame writes one "event:"/"data:" block.
func (e *Encoder) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Heartbeat writes an SSE comment line.
func (e *Encoder) Heartbeat() error {
	if _, err := io.WriteString(e.w, ": ping\n\n"); err != nil {
		return err
	}
	e.flush()
	return nil
}

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// Decoder reads frames from an SSE stream.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event. Comment lines are skipped.
func (d *Decoder) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}
	var dataLines []string
	pending := func() bool { return len(dataLines) > 0 || event.Event != "" }

	for {
		line, err := d.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && pending() {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			return nil, err
		}
		eof := err == io.EOF

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if pending() {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "":
			// comment
		case "data":
			dataLines = append(dataLines, value)
		case "event":
			event.Event = value
		case "id":
			event.ID = value
		}

		if eof {
			if pending() {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			return nil, io.EOF
		}
	}
}

// Next returns the next frame. A frame whose data is not JSON yields
// ErrMalformedFrame; frames of unknown type are returned as-is for the
// caller to drop.
func (d *Decoder) Next() (Frame, error) {
	ev, err := d.ReadEvent()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.Type == "" && ev.Event != "" {
		f.Type = FrameType(ev.Event)
	}
	return f, nil
}
