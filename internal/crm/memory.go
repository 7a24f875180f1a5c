package crm

import (
	"context"
	"fmt"
	"sync"

	"github.com/aixgo-dev/advisor/pkg/handoff"
)

// Task is a follow-up task filed in a Memory CRM.
type Task struct {
	ID       string
	RecordID string
	Body     string
	Key      string
}

// Memory is an in-process CRM used by local runs and tests. Tasks are
// deduplicated by idempotency key.
type Memory struct {
	mu       sync.Mutex
	records  map[string]string
	statuses map[string]string
	tasks    map[string]Task
	order    []string
}

var _ handoff.CRM = (*Memory)(nil)

// NewMemory returns a CRM holding records keyed by contact.
func NewMemory(records map[string]string) *Memory {
	m := &Memory{
		records:  make(map[string]string, len(records)),
		statuses: make(map[string]string),
		tasks:    make(map[string]Task),
	}
	for contact, id := range records {
		m.records[contact] = id
	}
	return m
}

// AddRecord registers a record for contact.
func (m *Memory) AddRecord(contact, recordID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[contact] = recordID
}

func (m *Memory) FindByContact(_ context.Context, contact string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.records[contact]
	return id, ok, nil
}

func (m *Memory) UpdateStatus(_ context.Context, recordID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[recordID] = status
	return nil
}

func (m *Memory) CreateTask(_ context.Context, recordID, body, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[key]; ok {
		return t.ID, nil
	}
	t := Task{ID: fmt.Sprintf("task-%d", len(m.tasks)+1), RecordID: recordID, Body: body, Key: key}
	m.tasks[key] = t
	m.order = append(m.order, key)
	return t.ID, nil
}

// Status returns the current status of a record.
func (m *Memory) Status(recordID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[recordID]
}

// Tasks returns filed tasks in creation order.
func (m *Memory) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.tasks[k])
	}
	return out
}
