package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/advisor/pkg/session"
)

// fakeCRM dedupes tasks by idempotency key like a well-behaved CRM.
type fakeCRM struct {
	mu      sync.Mutex
	records map[string]string

	lookups       int
	statusUpdates int
	taskCalls     int
	tasks         map[string]string // idempotency key -> task id
	statuses      map[string]string

	// failures per method, consumed one per call
	lookupErrs []error
	statusErrs []error
	taskErrs   []error
	// loseTaskResponse makes the next CreateTask store the task and still
	// report a transient failure.
	loseTaskResponse int
}

func newFakeCRM(records map[string]string) *fakeCRM {
	return &fakeCRM{
		records:  records,
		tasks:    make(map[string]string),
		statuses: make(map[string]string),
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (c *fakeCRM) FindByContact(_ context.Context, contact string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if err := pop(&c.lookupErrs); err != nil {
		return "", false, err
	}
	id, ok := c.records[contact]
	return id, ok, nil
}

func (c *fakeCRM) UpdateStatus(_ context.Context, recordID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.statusErrs); err != nil {
		return err
	}
	c.statusUpdates++
	c.statuses[recordID] = status
	return nil
}

func (c *fakeCRM) CreateTask(_ context.Context, recordID, body, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskCalls++
	if err := pop(&c.taskErrs); err != nil {
		return "", err
	}
	id, ok := c.tasks[key]
	if !ok {
		id = fmt.Sprintf("task-%d", len(c.tasks)+1)
		c.tasks[key] = id
	}
	if c.loseTaskResponse > 0 {
		c.loseTaskResponse--
		return "", Transientf("read tcp: connection reset by peer")
	}
	return id, nil
}

func (c *fakeCRM) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusUpdates + len(c.tasks)
}

// fakeMessenger dedupes by idempotency key.
type fakeMessenger struct {
	mu       sync.Mutex
	calls    int
	messages map[string]OutboundMessage
	keys     []string
	errs     []error
	loseNext int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{messages: make(map[string]OutboundMessage)}
}

func (m *fakeMessenger) Enqueue(_ context.Context, msg OutboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.keys = append(m.keys, msg.IdempotencyKey)
	if err := pop(&m.errs); err != nil {
		return "", err
	}
	m.messages[msg.IdempotencyKey] = msg
	if m.loseNext > 0 {
		m.loseNext--
		return "", MarkTransient(errors.New("i/o timeout"))
	}
	return msg.IdempotencyKey, nil
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type staticTranscript []session.Turn

func (s staticTranscript) ReadFullTranscript(context.Context, session.Scope) ([]session.Turn, error) {
	return s, nil
}

func fastPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		StepTimeout:     time.Second,
	}
}
