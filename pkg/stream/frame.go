package stream

import (
	"fmt"

	"github.com/aixgo-dev/advisor/pkg/retrieval"
)

// FrameType is the "type" discriminator of a wire frame.
type FrameType string

const (
	FrameDelta      FrameType = "delta"
	FrameToolStatus FrameType = "tool_status"
	FrameFinal      FrameType = "final"
	FrameError      FrameType = "error"
)

// Tool status states.
const (
	ToolRunning = "running"
	ToolDone    = "done"
)

// Source is the attribution of one passage as sent to clients.
type Source struct {
	ID  string `json:"sourceId"`
	URI string `json:"sourceUri,omitempty"`
}

// Frame is the JSON document sent for each event.
type Frame struct {
	Type    FrameType      `json:"type"`
	Content string         `json:"content,omitempty"`
	Label   string         `json:"label,omitempty"`
	State   string         `json:"state,omitempty"`
	Message string         `json:"message,omitempty"`
	Sources []Source       `json:"sources,omitempty"`
	Handoff *HandoffIntent `json:"handoff,omitempty"`
}

// Terminal reports whether the frame ends a stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameFinal || f.Type == FrameError
}

// ToFrame converts a producer event to its wire frame. Error events always
// carry UserSafeMessage.
func ToFrame(e Event) (Frame, error) {
	switch ev := e.(type) {
	case TextDelta:
		return Frame{Type: FrameDelta, Content: ev.Text}, nil
	case ToolStarted:
		return Frame{Type: FrameToolStatus, Label: ev.Label, State: ToolRunning}, nil
	case ToolFinished:
		return Frame{Type: FrameToolStatus, Label: ev.Label, State: ToolDone}, nil
	case Final:
		return Frame{
			Type:    FrameFinal,
			Content: ev.Content,
			Sources: sources(ev.Passages),
			Handoff: ev.Handoff,
		}, nil
	case Error:
		return Frame{Type: FrameError, Message: UserSafeMessage}, nil
	default:
		return Frame{}, fmt.Errorf("unknown event %T", e)
	}
}

func sources(passages []retrieval.Passage) []Source {
	if len(passages) == 0 {
		return nil
	}
	out := make([]Source, 0, len(passages))
	seen := make(map[string]bool, len(passages))
	for _, p := range passages {
		if seen[p.SourceID] {
			continue
		}
		seen[p.SourceID] = true
		out = append(out, Source{ID: p.SourceID, URI: p.SourceURI})
	}
	return out
}
