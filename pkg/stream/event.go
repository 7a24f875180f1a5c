// Package stream carries a completion from the producer to the client.
//
// Producers emit Events, a closed union matched exhaustively. The
// Multiplexer relays them as wire Frames (SSE on HTTP), enforcing order and
// terminal rules. The Demultiplexer rebuilds the conversation on the client.
package stream

import (
	"github.com/aixgo-dev/advisor/pkg/retrieval"
)

// UserSafeMessage is the only error text ever shown to a user.
const UserSafeMessage = "Sorry, something went wrong while answering. Please try again."

// Kind names an event variant.
type Kind string

const (
	KindTextDelta    Kind = "text_delta"
	KindToolStarted  Kind = "tool_started"
	KindToolFinished Kind = "tool_finished"
	KindFinal        Kind = "final"
	KindError        Kind = "error"
)

// Event is one producer event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	isEvent()
}

// TextDelta is an incremental piece of assistant text.
type TextDelta struct {
	Text string
}

// ToolStarted announces that a tool (e.g. document search) began.
type ToolStarted struct {
	Label string
}

// ToolFinished announces that the tool with Label finished.
type ToolFinished struct {
	Label string
}

// HandoffIntent is the model's signal that the user wants a human advisor,
// with the brief the advisor will receive.
type HandoffIntent struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics,omitempty"`
	Concerns []string `json:"concerns,omitempty"`
}

// Final closes a successful turn. Content is the complete assistant text.
type Final struct {
	Content  string
	Passages []retrieval.Passage
	Handoff  *HandoffIntent
}

// Error closes a failed turn. Err is a diagnostic and never leaves the
// server.
type Error struct {
	Err error
}

func (TextDelta) Kind() Kind    { return KindTextDelta }
func (ToolStarted) Kind() Kind  { return KindToolStarted }
func (ToolFinished) Kind() Kind { return KindToolFinished }
func (Final) Kind() Kind        { return KindFinal }
func (Error) Kind() Kind        { return KindError }

func (TextDelta) isEvent()    {}
func (ToolStarted) isEvent()  {}
func (ToolFinished) isEvent() {}
func (Final) isEvent()        {}
func (Error) isEvent()        {}

// Terminal reports whether e ends a stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case Final, Error:
		return true
	}
	return false
}
