package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/advisor/pkg/handoff"
)

type fakeServer struct {
	mu      sync.Mutex
	records map[string]string
	tasks   map[string]string
	status  map[string]string
	auth    []string
	fail    int // 503 responses before serving normally
}

func newFakeServer(t *testing.T, records map[string]string) (*fakeServer, *Client) {
	t.Helper()
	fs := &fakeServer{records: records, tasks: map[string]string{}, status: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /records", func(w http.ResponseWriter, r *http.Request) {
		if fs.maybeFail(w, r) {
			return
		}
		id, ok := fs.records[r.URL.Query().Get("contact")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []map[string]string{{"id": id}}})
	})
	mux.HandleFunc("PATCH /records/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		if fs.maybeFail(w, r) {
			return
		}
		var body struct{ Status string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.status[r.PathValue("id")] = body.Status
		fs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /records/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
		if fs.maybeFail(w, r) {
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		id, ok := fs.tasks[key]
		if !ok {
			id = "task-" + key[:4]
			fs.tasks[key] = id
		}
		fs.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret"}, srv.Client())
	require.NoError(t, err)
	return fs, c
}

func (fs *fakeServer) maybeFail(w http.ResponseWriter, r *http.Request) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.auth = append(fs.auth, r.Header.Get("Authorization"))
	if fs.fail > 0 {
		fs.fail--
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}
	return false
}

func TestClient_FindByContact(t *testing.T) {
	fs, c := newFakeServer(t, map[string]string{"15551234567": "rec-1"})
	ctx := context.Background()

	id, found, err := c.FindByContact(ctx, "15551234567")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "rec-1", id)

	_, found, err = c.FindByContact(ctx, "19990000000")
	require.NoError(t, err)
	assert.False(t, found, "404 is a miss, not an error")

	assert.Equal(t, "Bearer secret", fs.auth[0])
}

func TestClient_TransientClassification(t *testing.T) {
	fs, c := newFakeServer(t, map[string]string{"1": "rec-1"})
	fs.fail = 1

	_, _, err := c.FindByContact(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, handoff.IsTransient(err))

	err = c.UpdateStatus(context.Background(), "rec-1", "handed_off")
	require.NoError(t, err)
	assert.Equal(t, "handed_off", fs.status["rec-1"])
}

func TestClient_PermanentClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid record", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	err = c.UpdateStatus(context.Background(), "rec-1", "x")
	require.Error(t, err)
	assert.False(t, handoff.IsTransient(err))
	assert.Contains(t, err.Error(), "422")
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url}, nil)
	require.NoError(t, err)
	_, err = c.CreateTask(context.Background(), "rec-1", "body", "key-1")
	require.Error(t, err)
	assert.True(t, handoff.IsTransient(err))
}

func TestClient_CreateTaskIsIdempotent(t *testing.T) {
	fs, c := newFakeServer(t, nil)
	ctx := context.Background()

	id1, err := c.CreateTask(ctx, "rec-1", "body", "abcd-1234")
	require.NoError(t, err)
	id2, err := c.CreateTask(ctx, "rec-1", "body", "abcd-1234")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, fs.tasks, 1)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	m := NewMemory(map[string]string{"1": "rec-1"})
	ctx := context.Background()

	id, found, err := m.FindByContact(ctx, "1")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, m.UpdateStatus(ctx, id, "handed_off"))
	assert.Equal(t, "handed_off", m.Status(id))

	t1, _ := m.CreateTask(ctx, id, "b", "k")
	t2, _ := m.CreateTask(ctx, id, "b", "k")
	assert.Equal(t, t1, t2)
	assert.Len(t, m.Tasks(), 1)

	m.AddRecord("2", "rec-2")
	_, found, _ = m.FindByContact(ctx, "2")
	assert.True(t, found)
}
