package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/advisor/internal/completion"
	"github.com/aixgo-dev/advisor/internal/crm"
	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/retrieval"
	"github.com/aixgo-dev/advisor/pkg/session"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

type frameRecorder struct {
	mu        sync.Mutex
	frames    []stream.Frame
	failAfter int // fail writes once this many frames were written; 0 disables
}

func (r *frameRecorder) WriteFrame(f stream.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.frames) >= r.failAfter {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) types() []stream.FrameType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.FrameType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

type nopMessenger struct{}

func (nopMessenger) Enqueue(_ context.Context, m handoff.OutboundMessage) (string, error) {
	return m.IdempotencyKey, nil
}

type harness struct {
	svc     *Service
	backend *session.MemoryBackend
	memory  *session.Memory
	orch    *handoff.Orchestrator
}

func newHarness(t *testing.T, comp completion.Service, cfg Config) *harness {
	t.Helper()
	backend := session.NewMemoryBackend()
	memory := session.NewMemory(backend)
	registry := session.NewRegistry(backend, zerolog.Nop())
	orch := handoff.NewOrchestrator(handoff.NewMemoryLedger(), crm.NewMemory(nil), nopMessenger{}, memory, handoff.Config{}, zerolog.Nop())
	return &harness{
		svc:     NewService(memory, registry, comp, orch, cfg, zerolog.Nop()),
		backend: backend,
		memory:  memory,
		orch:    orch,
	}
}

func scripted(s completion.Script) completion.Service {
	return &completion.ScriptedService{Respond: func(completion.Request) completion.Script { return s }}
}

var chat = Request{Prompt: "Hi", SessionID: "sess-1", ActorIdentifier: "+1 555-123-4567"}

func TestHandleTurn_Success(t *testing.T) {
	h := newHarness(t, scripted(completion.Script{Deltas: []string{"Hi ", "there"}}), Config{})
	w := &frameRecorder{}

	res, err := h.svc.HandleTurn(context.Background(), chat, w)
	require.NoError(t, err)
	assert.Equal(t, session.Scope{Actor: "15551234567", Session: "sess-1"}, res.Scope)
	assert.True(t, res.Outcome.Succeeded())
	assert.Equal(t, []stream.FrameType{stream.FrameDelta, stream.FrameDelta, stream.FrameFinal}, w.types())

	transcript, err := h.memory.ReadFullTranscript(context.Background(), res.Scope)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, session.RoleUser, transcript[0].Role)
	assert.Equal(t, "Hi", transcript[0].Content)
	assert.Equal(t, "Hi there", transcript[1].Content)

	rec, err := h.backend.LoadRecord(context.Background(), "15551234567")
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, rec.Sessions)
}

func TestHandleTurn_SendsWindow(t *testing.T) {
	var seen []session.TurnWindow
	var mu sync.Mutex
	comp := &completion.ScriptedService{Respond: func(r completion.Request) completion.Script {
		mu.Lock()
		seen = append(seen, r.History)
		mu.Unlock()
		return completion.Script{Deltas: []string{"answer to " + r.Prompt}}
	}}
	h := newHarness(t, comp, Config{WindowTurns: 2})

	for _, p := range []string{"one", "two", "three"} {
		req := chat
		req.Prompt = p
		_, err := h.svc.HandleTurn(context.Background(), req, &frameRecorder{})
		require.NoError(t, err)
	}

	require.Len(t, seen, 3)
	assert.Empty(t, seen[0])
	require.Len(t, seen[2], 2)
	assert.Equal(t, "two", seen[2][0].Content)
	assert.Equal(t, "answer to two", seen[2][1].Content)
}

func TestHandleTurn_ErrorPersistsOnlyUserTurn(t *testing.T) {
	h := newHarness(t, scripted(completion.Script{Deltas: []string{"partial"}, Err: errors.New("upstream 500: secret detail")}), Config{})
	w := &frameRecorder{}

	res, err := h.svc.HandleTurn(context.Background(), chat, w)
	require.NoError(t, err)
	assert.False(t, res.Outcome.Succeeded())

	w.mu.Lock()
	last := w.frames[len(w.frames)-1]
	w.mu.Unlock()
	assert.Equal(t, stream.FrameError, last.Type)
	assert.Equal(t, stream.UserSafeMessage, last.Message)
	assert.NotContains(t, last.Message, "secret")

	transcript, err := h.memory.ReadFullTranscript(context.Background(), res.Scope)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, session.RoleUser, transcript[0].Role)
}

func TestHandleTurn_DisconnectStillPersists(t *testing.T) {
	h := newHarness(t, scripted(completion.Script{Deltas: []string{"a", "b", "c"}}), Config{})
	w := &frameRecorder{failAfter: 1}

	res, err := h.svc.HandleTurn(context.Background(), chat, w)
	require.NoError(t, err)
	assert.True(t, res.Outcome.Disconnected)
	require.True(t, res.Outcome.Succeeded())

	transcript, err := h.memory.ReadFullTranscript(context.Background(), res.Scope)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "abc", transcript[1].Content)
}

func TestHandleTurn_CancelledClientStillPersists(t *testing.T) {
	h := newHarness(t, scripted(completion.Script{Deltas: []string{"a", "b"}, Delay: 20 * time.Millisecond}), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)

	res, err := h.svc.HandleTurn(ctx, chat, &frameRecorder{})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Disconnected)

	transcript, err := h.memory.ReadFullTranscript(context.Background(), res.Scope)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "ab", transcript[1].Content)
}

func TestHandleTurn_SecondMessageQueues(t *testing.T) {
	var mu sync.Mutex
	var order []string
	comp := &completion.ScriptedService{Respond: func(r completion.Request) completion.Script {
		mu.Lock()
		order = append(order, r.Prompt)
		mu.Unlock()
		if r.Prompt == "first" {
			return completion.Script{Deltas: []string{"slow"}, Delay: 50 * time.Millisecond}
		}
		return completion.Script{Deltas: []string{"fast"}}
	}}
	h := newHarness(t, comp, Config{})

	first := chat
	first.Prompt = "first"
	second := chat
	second.Prompt = "second"

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.svc.HandleTurn(context.Background(), first, &frameRecorder{})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, time.Second, time.Millisecond)

	_, err := h.svc.HandleTurn(context.Background(), second, &frameRecorder{})
	require.NoError(t, err)
	wg.Wait()

	transcript, err := h.memory.ReadFullTranscript(context.Background(), session.NewScope(chat.ActorIdentifier, chat.SessionID))
	require.NoError(t, err)
	var contents []string
	for _, turn := range transcript {
		contents = append(contents, turn.Content)
	}
	assert.Equal(t, []string{"first", "slow", "second", "fast"}, contents, "turns never interleave")
	assert.Zero(t, h.svc.locks.len())
}

func TestHandleTurn_Busy(t *testing.T) {
	comp := &completion.ScriptedService{Respond: func(r completion.Request) completion.Script {
		return completion.Script{Deltas: []string{"x"}, Delay: 200 * time.Millisecond}
	}}
	h := newHarness(t, comp, Config{QueueWait: 10 * time.Millisecond})

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = h.svc.HandleTurn(context.Background(), chat, &frameRecorder{})
	}()
	<-started
	require.Eventually(t, func() bool { return h.svc.locks.len() == 1 }, time.Second, time.Millisecond)

	w := &frameRecorder{}
	_, err := h.svc.HandleTurn(context.Background(), chat, w)
	require.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, w.types(), "nothing written for a rejected turn")

	other := chat
	other.SessionID = "sess-2"
	_, err = h.svc.HandleTurn(context.Background(), other, &frameRecorder{})
	assert.NoError(t, err, "other sessions are not blocked")
}

func TestHandleTurn_HandoffIntentOpensAttempt(t *testing.T) {
	h := newHarness(t, scripted(completion.Script{
		Deltas:  []string{"Would you like an advisor to call you?"},
		Handoff: &stream.HandoffIntent{Summary: "Aid question", Topics: []string{"financial aid"}},
	}), Config{})
	w := &frameRecorder{}

	res, err := h.svc.HandleTurn(context.Background(), chat, w)
	require.NoError(t, err)
	require.NotNil(t, res.Handoff)
	assert.Equal(t, handoff.StateAwaitingConfirmation, res.Handoff.State)
	assert.Equal(t, "Aid question", res.Handoff.Brief.Summary)
	assert.Equal(t, "+1 555-123-4567", res.Handoff.Contact, "the contact is kept as the user gave it")

	w.mu.Lock()
	final := w.frames[len(w.frames)-1]
	w.mu.Unlock()
	require.NotNil(t, final.Handoff)

	status, err := h.orch.Status(context.Background(), res.Scope)
	require.NoError(t, err)
	assert.Equal(t, res.Handoff.ID, status.ID)
}

func TestHandleTurn_GroundedSources(t *testing.T) {
	h := newHarness(t, scripted(completion.Script{
		Passages: []retrieval.Passage{{Text: "t", Relevance: 0.9, SourceID: "catalog.pdf", SourceURI: "https://example.edu/catalog.pdf"}},
		Deltas:   []string{"See [1]."},
	}), Config{})
	w := &frameRecorder{}

	_, err := h.svc.HandleTurn(context.Background(), chat, w)
	require.NoError(t, err)
	assert.Equal(t, []stream.FrameType{stream.FrameToolStatus, stream.FrameToolStatus, stream.FrameDelta, stream.FrameFinal}, w.types())

	w.mu.Lock()
	final := w.frames[3]
	w.mu.Unlock()
	require.Len(t, final.Sources, 1)
	assert.Equal(t, "catalog.pdf", final.Sources[0].ID)
}

func TestHandleTurn_InvalidRequest(t *testing.T) {
	h := newHarness(t, scripted(completion.Script{}), Config{})
	tests := []Request{
		{Prompt: "", SessionID: "s", ActorIdentifier: "1"},
		{Prompt: "hi", SessionID: "", ActorIdentifier: "1"},
		{Prompt: "hi", SessionID: "s", ActorIdentifier: " +- "},
	}
	for _, req := range tests {
		_, err := h.svc.HandleTurn(context.Background(), req, &frameRecorder{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}
