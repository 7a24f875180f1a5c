package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/advisor/pkg/retrieval"
	"github.com/aixgo-dev/advisor/pkg/session"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

func collect(t *testing.T, events <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func chunk(delta map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"id": "chatcmpl-1", "object": "chat.completion.chunk", "created": 1, "model": "test",
		"choices": []map[string]any{{"index": 0, "delta": delta}},
	})
	return "data: " + string(b) + "\n\n"
}

type fakeOpenAI struct {
	chunks []string
	status int
	last   map[string]any
}

func (f *fakeOpenAI) start(t *testing.T) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.last)
		if f.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range f.chunks {
			_, _ = fmt.Fprint(w, c)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func newService(t *testing.T, f *fakeOpenAI, searcher retrieval.Searcher) *OpenAIService {
	t.Helper()
	s, err := NewOpenAIService(OpenAIConfig{APIKey: "k", BaseURL: f.start(t), Model: "test"}, searcher, zerolog.Nop())
	require.NoError(t, err)
	return s
}

var req = Request{
	Scope:  session.Scope{Actor: "15551234567", Session: "s1"},
	Prompt: "What does tuition cost?",
	History: session.TurnWindow{
		{Role: session.RoleUser, Content: "Hello"},
		{Role: session.RoleAssistant, Content: "Hi! How can I help?"},
	},
}

func TestOpenAIService_StreamsGroundedAnswer(t *testing.T) {
	f := &fakeOpenAI{chunks: []string{
		chunk(map[string]any{"role": "assistant", "content": "Tuition is "}),
		chunk(map[string]any{"content": "$10,000 [1]."}),
	}}
	searcher := retrieval.StaticSearcher{Passages: []retrieval.Passage{
		{Text: "Tuition is $10,000.", Relevance: 0.9, SourceID: "fees.pdf"},
		{Text: "Parking", Relevance: 0.1, SourceID: "parking.pdf"},
		{Text: "orphan", Relevance: 0.95},
	}}
	s := newService(t, f, searcher)

	events := collect(t, s.Stream(context.Background(), req))
	require.Len(t, events, 5)
	assert.Equal(t, stream.ToolStarted{Label: SearchLabel}, events[0])
	assert.Equal(t, stream.ToolFinished{Label: SearchLabel}, events[1])
	assert.Equal(t, stream.TextDelta{Text: "Tuition is "}, events[2])

	final, ok := events[4].(stream.Final)
	require.True(t, ok)
	assert.Equal(t, "Tuition is $10,000 [1].", final.Content)
	require.Len(t, final.Passages, 1)
	assert.Equal(t, "fees.pdf", final.Passages[0].SourceID)
	assert.Nil(t, final.Handoff)

	msgs := f.last["messages"].([]any)
	require.Len(t, msgs, 5, "system, grounding, two history turns, prompt")
	grounding := msgs[1].(map[string]any)["content"].(string)
	assert.Contains(t, grounding, "fees.pdf")
	assert.NotContains(t, grounding, "parking.pdf")
	assert.Equal(t, "What does tuition cost?", msgs[4].(map[string]any)["content"])
}

func TestOpenAIService_HandoffToolCall(t *testing.T) {
	idx := 0
	f := &fakeOpenAI{chunks: []string{
		chunk(map[string]any{"tool_calls": []map[string]any{{
			"index": idx, "id": "call_1", "type": "function",
			"function": map[string]any{"name": RequestAdvisorTool, "arguments": `{"summary":"Needs aid",`},
		}}}),
		chunk(map[string]any{"tool_calls": []map[string]any{{
			"index": idx, "function": map[string]any{"arguments": `"topics":["financial aid"],"concerns":["cost"]}`},
		}}}),
	}}
	s := newService(t, f, nil)

	events := collect(t, s.Stream(context.Background(), req))
	require.Len(t, events, 1)
	final := events[0].(stream.Final)
	require.NotNil(t, final.Handoff)
	assert.Equal(t, "Needs aid", final.Handoff.Summary)
	assert.Equal(t, []string{"financial aid"}, final.Handoff.Topics)
	assert.Equal(t, []string{"cost"}, final.Handoff.Concerns)
	assert.Equal(t, HandoffOffer, final.Content)
	assert.Contains(t, f.last["messages"].([]any)[1].(map[string]any)["content"], "No grounded answer")
}

func TestOpenAIService_UpstreamError(t *testing.T) {
	f := &fakeOpenAI{status: http.StatusServiceUnavailable}
	s := newService(t, f, nil)

	events := collect(t, s.Stream(context.Background(), req))
	require.Len(t, events, 1)
	e, ok := events[0].(stream.Error)
	require.True(t, ok)
	assert.Error(t, e.Err)
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, retrieval.Query) ([]retrieval.Passage, error) {
	return nil, retrieval.ErrSearchFailed
}

func TestOpenAIService_SearchFailure(t *testing.T) {
	s := newService(t, &fakeOpenAI{}, failingSearcher{})
	events := collect(t, s.Stream(context.Background(), req))
	require.Len(t, events, 3)
	assert.IsType(t, stream.ToolStarted{}, events[0])
	assert.IsType(t, stream.ToolFinished{}, events[1], "tool status is always closed")
	e := events[2].(stream.Error)
	assert.True(t, errors.Is(e.Err, retrieval.ErrSearchFailed))
}

func TestNewOpenAIService_RequiresKey(t *testing.T) {
	_, err := NewOpenAIService(OpenAIConfig{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestScriptedService(t *testing.T) {
	tests := []struct {
		name   string
		script Script
		check  func(t *testing.T, events []stream.Event)
	}{
		{
			name:   "deltas then final",
			script: Script{Deltas: []string{"Hi ", "there"}},
			check: func(t *testing.T, events []stream.Event) {
				require.Len(t, events, 3)
				assert.Equal(t, "Hi there", events[2].(stream.Final).Content)
			},
		},
		{
			name:   "error after partial",
			script: Script{Deltas: []string{"Hi"}, Err: errors.New("boom")},
			check: func(t *testing.T, events []stream.Event) {
				require.Len(t, events, 2)
				assert.IsType(t, stream.Error{}, events[1])
			},
		},
		{
			name: "passages filtered",
			script: Script{
				Passages: []retrieval.Passage{{Text: "a", Relevance: 0.2, SourceID: "x"}, {Text: "b", Relevance: 0.8, SourceID: "y"}},
				Deltas:   []string{"ok"},
			},
			check: func(t *testing.T, events []stream.Event) {
				require.Len(t, events, 4)
				final := events[3].(stream.Final)
				require.Len(t, final.Passages, 1)
				assert.Equal(t, "y", final.Passages[0].SourceID)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &ScriptedService{Respond: func(Request) Script { return tt.script }}
			tt.check(t, collect(t, s.Stream(context.Background(), req)))
		})
	}
}

func TestEchoScript(t *testing.T) {
	s := EchoScript(Request{Prompt: "Can I talk to an Advisor?"})
	require.NotNil(t, s.Handoff)

	s = EchoScript(Request{Prompt: "hello world"})
	assert.Equal(t, "You said: hello world", strings.Join(s.Deltas, ""))
}

func TestScriptedService_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ScriptedService{Respond: func(Request) Script {
		return Script{Deltas: []string{"a", "b", "c"}, Delay: time.Hour}
	}}
	events := s.Stream(ctx, req)
	cancel()
	assert.Empty(t, collect(t, events))
}
