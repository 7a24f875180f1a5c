package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/advisor/internal/completion"
	"github.com/aixgo-dev/advisor/internal/conversation"
	"github.com/aixgo-dev/advisor/internal/crm"
	"github.com/aixgo-dev/advisor/pkg/handoff"
	"github.com/aixgo-dev/advisor/pkg/session"
	"github.com/aixgo-dev/advisor/pkg/stream"
)

type keyMessenger struct{ n int }

func (m *keyMessenger) Enqueue(_ context.Context, msg handoff.OutboundMessage) (string, error) {
	m.n++
	return msg.IdempotencyKey, nil
}

type testAPI struct {
	srv       *httptest.Server
	crm       *crm.Memory
	messenger *keyMessenger
}

func newTestAPI(t *testing.T, respond func(completion.Request) completion.Script, cfg Config) *testAPI {
	t.Helper()
	backend := session.NewMemoryBackend()
	memory := session.NewMemory(backend)
	registry := session.NewRegistry(backend, zerolog.Nop())
	records := crm.NewMemory(map[string]string{"15551234567": "rec-1"})
	messenger := &keyMessenger{}
	orch := handoff.NewOrchestrator(handoff.NewMemoryLedger(), records, messenger, memory, handoff.Config{}, zerolog.Nop())
	conv := conversation.NewService(memory, registry, &completion.ScriptedService{Respond: respond}, orch,
		conversation.Config{QueueWait: 20 * time.Millisecond}, zerolog.Nop())

	s := New(cfg, conv, orch, registry, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, crm: records, messenger: messenger}
}

func (a *testAPI) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(a.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (a *testAPI) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(a.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeError(t *testing.T, res *http.Response) string {
	t.Helper()
	var body struct{ Error string }
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body.Error
}

var chatBody = map[string]string{"prompt": "Hi", "sessionId": "sess-1", "actorIdentifier": "+1 555-123-4567"}

func TestChat_StreamsFrames(t *testing.T) {
	api := newTestAPI(t, func(completion.Request) completion.Script {
		return completion.Script{Deltas: []string{"Hi ", "there"}}
	}, Config{})

	res := api.post(t, "/v1/chat", chatBody)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	d := stream.NewDemultiplexer(zerolog.Nop())
	d.StartTurn("Hi")
	require.NoError(t, d.Consume(stream.NewDecoder(res.Body), nil))

	last, ok := d.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, "Hi there", last.Content)
	assert.Empty(t, d.Err())
}

func TestChat_ErrorIsUserSafe(t *testing.T) {
	api := newTestAPI(t, func(completion.Request) completion.Script {
		return completion.Script{Err: assert.AnError}
	}, Config{})

	res := api.post(t, "/v1/chat", chatBody)
	require.Equal(t, http.StatusOK, res.StatusCode)

	d := stream.NewDemultiplexer(zerolog.Nop())
	d.StartTurn("Hi")
	require.NoError(t, d.Consume(stream.NewDecoder(res.Body), nil))
	assert.Equal(t, stream.UserSafeMessage, d.Err())
}

func TestChat_BadRequest(t *testing.T) {
	api := newTestAPI(t, nil, Config{})

	res := api.post(t, "/v1/chat", map[string]string{"prompt": "hi"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, msgBadRequest, decodeError(t, res))
}

func TestChat_RateLimited(t *testing.T) {
	api := newTestAPI(t, nil, Config{ActorRatePerSec: 0.001, ActorBurst: 1})

	res := api.post(t, "/v1/chat", chatBody)
	require.Equal(t, http.StatusOK, res.StatusCode)
	_, _ = bytes.NewBuffer(nil).ReadFrom(res.Body)

	res = api.post(t, "/v1/chat", chatBody)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, msgRateLimited, decodeError(t, res))

	other := map[string]string{"prompt": "Hi", "sessionId": "s", "actorIdentifier": "15550000000"}
	res = api.post(t, "/v1/chat", other)
	assert.Equal(t, http.StatusOK, res.StatusCode, "limits are per actor")
}

func TestChat_BusySession(t *testing.T) {
	api := newTestAPI(t, func(r completion.Request) completion.Script {
		if r.Prompt == "slow" {
			return completion.Script{Deltas: []string{"a"}, Delay: 300 * time.Millisecond}
		}
		return completion.Script{Deltas: []string{"b"}}
	}, Config{})

	slow := map[string]string{"prompt": "slow", "sessionId": "sess-1", "actorIdentifier": "15551234567"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		b, _ := json.Marshal(slow)
		res, err := http.Post(api.srv.URL+"/v1/chat", "application/json", bytes.NewReader(b))
		if err == nil {
			_, _ = bytes.NewBuffer(nil).ReadFrom(res.Body)
			_ = res.Body.Close()
		}
	}()
	time.Sleep(50 * time.Millisecond)

	res := api.post(t, "/v1/chat", chatBody)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, msgBusy, decodeError(t, res))
	<-done
}

func TestHandoffFlow(t *testing.T) {
	api := newTestAPI(t, func(r completion.Request) completion.Script {
		return completion.Script{Handoff: &stream.HandoffIntent{Summary: "wants an advisor"}}
	}, Config{})
	hb := map[string]string{"sessionId": "sess-1", "actorIdentifier": "+1 555-123-4567"}

	res := api.get(t, "/v1/handoff?sessionId=sess-1&actorIdentifier=15551234567")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = api.post(t, "/v1/chat", chatBody)
	d := stream.NewDemultiplexer(zerolog.Nop())
	d.StartTurn("Hi")
	require.NoError(t, d.Consume(stream.NewDecoder(res.Body), nil))
	last, _ := d.LastAssistant()
	require.NotNil(t, last.Handoff)

	res = api.get(t, "/v1/handoff?sessionId=sess-1&actorIdentifier=15551234567")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var view attemptView
	require.NoError(t, json.NewDecoder(res.Body).Decode(&view))
	assert.Equal(t, handoff.StateAwaitingConfirmation, view.State)

	hb["timingPreference"] = "tomorrow morning"
	res = api.post(t, "/v1/handoff/confirm", hb)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&view))
	assert.Equal(t, handoff.StateCompleted, view.State)
	assert.Equal(t, "tomorrow morning", view.Timing)
	assert.Equal(t, "handed_off", api.crm.Status("rec-1"))
	require.Len(t, api.crm.Tasks(), 1)
	assert.Contains(t, api.crm.Tasks()[0].Body, "wants an advisor")
	assert.Equal(t, 1, api.messenger.n)

	res = api.post(t, "/v1/handoff/resume", hb)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&view))
	assert.Equal(t, handoff.StateCompleted, view.State)
	assert.Equal(t, 1, api.messenger.n, "a completed handoff is never re-executed")

	res = api.post(t, "/v1/handoff/decline", hb)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, msgHandoffState, decodeError(t, res))
}

func TestHandoff_NoRecordHidesCause(t *testing.T) {
	api := newTestAPI(t, func(r completion.Request) completion.Script {
		return completion.Script{Handoff: &stream.HandoffIntent{Summary: "x"}}
	}, Config{})
	body := map[string]string{"prompt": "advisor please", "sessionId": "s9", "actorIdentifier": "19998887777"}
	res := api.post(t, "/v1/chat", body)
	_, _ = bytes.NewBuffer(nil).ReadFrom(res.Body)

	res = api.post(t, "/v1/handoff/confirm", map[string]string{"sessionId": "s9", "actorIdentifier": "19998887777"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(res.Body)
	assert.Contains(t, raw.String(), `"state":"partially_failed"`)
	assert.NotContains(t, strings.ToLower(raw.String()), "no matching record", "collaborator causes stay in the logs")

	res = api.post(t, "/v1/handoff/resume", map[string]string{"sessionId": "s9", "actorIdentifier": "19998887777"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, msgNotResumable, decodeError(t, res))
}

func TestActorSessions(t *testing.T) {
	api := newTestAPI(t, nil, Config{})

	res := api.get(t, "/v1/actors/15551234567/sessions")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = api.post(t, "/v1/chat", chatBody)
	_, _ = bytes.NewBuffer(nil).ReadFrom(res.Body)

	res = api.get(t, "/v1/actors/+1%20555-123-4567/sessions")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rec session.SessionRecord
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rec))
	assert.Equal(t, []string{"sess-1"}, rec.Sessions)
	assert.Equal(t, "sess-1", rec.LatestSession)
}

func TestActorLimiter_EvictsIdle(t *testing.T) {
	l := newActorLimiter(0, 1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	now = now.Add(time.Hour)
	l.Allow("b")
	l.mu.Lock()
	_, ok := l.actors["a"]
	l.mu.Unlock()
	assert.False(t, ok)
}
