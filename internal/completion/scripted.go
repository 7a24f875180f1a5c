package completion

import (
	"context"
	"strings"
	"time"

	"github.com/aixgo-dev/advisor/pkg/retrieval"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

// Script is one scripted reply.
type Script struct {
	// Passages are reported as search results and filtered with Threshold.
	Passages []retrieval.Passage
	Deltas   []string
	Handoff  *stream.HandoffIntent
	// Err ends the turn with an Error event after the deltas.
	Err error
	// Delay is applied before each delta.
	Delay time.Duration
}

// ScriptedService replays scripts. Used for local runs without a model and
// in tests.
type ScriptedService struct {
	Respond   func(Request) Script
	Threshold float64
}

var _ Service = (*ScriptedService)(nil)

// Stream implements Service.
func (s *ScriptedService) Stream(ctx context.Context, req Request) <-chan stream.Event {
	respond := s.Respond
	if respond == nil {
		respond = EchoScript
	}
	script := respond(req)

	events := make(chan stream.Event)
	go func() {
		defer close(events)

		var passages []retrieval.Passage
		if script.Passages != nil {
			if !stream.Emit(ctx, events, stream.ToolStarted{Label: SearchLabel}) {
				return
			}
			passages = retrieval.Filter(script.Passages, threshold(s.Threshold)).Passages
			if !stream.Emit(ctx, events, stream.ToolFinished{Label: SearchLabel}) {
				return
			}
		}

		var content strings.Builder
		for _, d := range script.Deltas {
			if script.Delay > 0 {
				select {
				case <-time.After(script.Delay):
				case <-ctx.Done():
					return
				}
			}
			content.WriteString(d)
			if !stream.Emit(ctx, events, stream.TextDelta{Text: d}) {
				return
			}
		}

		if script.Err != nil {
			stream.Emit(ctx, events, stream.Error{Err: script.Err})
			return
		}
		text := content.String()
		if script.Handoff != nil && text == "" {
			text = HandoffOffer
		}
		stream.Emit(ctx, events, stream.Final{Content: text, Passages: passages, Handoff: script.Handoff})
	}()
	return events
}

// EchoScript repeats the prompt and signals handoff intent when the prompt
// asks for an advisor.
func EchoScript(req Request) Script {
	if strings.Contains(strings.ToLower(req.Prompt), "advisor") {
		return Script{Handoff: &stream.HandoffIntent{
			Summary: "Student asked to talk to an advisor: " + req.Prompt,
		}}
	}
	words := strings.SplitAfter("You said: "+req.Prompt, " ")
	return Script{Deltas: words}
}
