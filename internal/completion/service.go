// Package completion produces the assistant side of a turn as a stream of
// events: document search, filtered grounding, token deltas and the handoff
// signal.
package completion

import (
	"context"

	"github.com/aixgo-dev/advisor/pkg/retrieval"
	"github.com/aixgo-dev/advisor/pkg/session"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

// SearchLabel is the tool status label shown while documents are searched.
const SearchLabel = "Searching documents"

// HandoffOffer is used as the reply when the model requests an advisor
// without saying anything itself.
const HandoffOffer = "I can connect you with an admissions advisor who can help with this. Would you like me to do that?"

// Request is everything a completion needs for one turn.
type Request struct {
	Scope         session.Scope
	Prompt        string
	SystemContext string
	History       session.TurnWindow
}

// Service streams one turn. The returned channel is closed after exactly one
// terminal event (Final or Error) unless ctx ends first.
type Service interface {
	Stream(ctx context.Context, req Request) <-chan stream.Event
}

func contextMessages(h session.TurnWindow) []retrieval.ContextMessage {
	out := make([]retrieval.ContextMessage, 0, len(h))
	for _, t := range h {
		out = append(out, retrieval.ContextMessage{Role: string(t.Role), Content: t.Content})
	}
	return out
}

// threshold treats zero as unset.
func threshold(t float64) float64 {
	if t == 0 {
		return retrieval.DefaultThreshold
	}
	return retrieval.NormalizeThreshold(t)
}
