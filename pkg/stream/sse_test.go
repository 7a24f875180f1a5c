package stream

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEncoder_WriteFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec.Header())
	enc := NewEncoder(rec)

	if err := enc.WriteFrame(Frame{Type: FrameToolStatus, Label: "Searching documents", State: ToolRunning}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := enc.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	want := "event: tool_status\ndata: {\"type\":\"tool_status\",\"label\":\"Searching documents\",\"state\":\"running\"}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if !rec.Flushed {
		t.Error("expected encoder to flush")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestDecoder_ReadEvent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  SSEEvent
	}{
		{
			name:  "event with data",
			input: "event: final\ndata: {\"type\":\"final\"}\n\n",
			want:  SSEEvent{Event: "final", Data: `{"type":"final"}`},
		},
		{
			name:  "multi-line data and id",
			input: "id: 7\ndata: a\ndata: b\n\n",
			want:  SSEEvent{ID: "7", Data: "a\nb"},
		},
		{
			name:  "comments are skipped",
			input: ": ping\n\n: ping\n\ndata: x\n\n",
			want:  SSEEvent{Data: "x"},
		},
		{
			name:  "CRLF line endings",
			input: "event: delta\r\ndata: y\r\n\r\n",
			want:  SSEEvent{Event: "delta", Data: "y"},
		},
		{
			name:  "trailing event without blank line",
			input: "data: z",
			want:  SSEEvent{Data: "z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := NewDecoder(strings.NewReader(tt.input)).ReadEvent()
			if err != nil {
				t.Fatalf("ReadEvent failed: %v", err)
			}
			if *ev != tt.want {
				t.Errorf("got %+v, want %+v", *ev, tt.want)
			}
		})
	}
}

func TestDecoder_Next(t *testing.T) {
	dec := NewDecoder(strings.NewReader(
		"data: {\"content\":\"no type\"}\nevent: delta\n\n" +
			"data: {broken\n\n" +
			"data: {\"type\":\"final\",\"content\":\"ok\"}\n\n"))

	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Type != FrameDelta || f.Content != "no type" {
		t.Errorf("event name should fill a missing type, got %+v", f)
	}

	if _, err := dec.Next(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}

	f, err = dec.Next()
	if err != nil || f.Type != FrameFinal {
		t.Fatalf("decoder should recover after a malformed frame: %+v, %v", f, err)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSetSSEHeaders(t *testing.T) {
	h := http.Header{}
	SetSSEHeaders(h)
	if h.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q", h.Get("Cache-Control"))
	}
}
