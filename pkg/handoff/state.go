// Package handoff hands a conversation to a human advisor.
//
// After the user confirms, the Orchestrator runs four steps against
// independent systems: look up the CRM record, mark it handed off, file a
// follow-up task and enqueue one outbound message. Every write carries the
// attempt's idempotency key, each step's result is persisted in a Ledger,
// and a failed attempt resumes at its first unfinished step.
package handoff

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/advisor/pkg/identity"
	"github.com/aixgo-dev/advisor/pkg/session"
)

// State is the lifecycle state of an attempt.
type State string

const (
	StateIdle                 State = "idle"
	StateDetected             State = "detected"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateDeclined             State = "declined"
	StateExecuting            State = "executing"
	StateCompleted            State = "completed"
	StatePartiallyFailed      State = "partially_failed"
)

var transitions = map[State][]State{
	StateIdle:                 {StateDetected},
	StateDetected:             {StateAwaitingConfirmation},
	StateAwaitingConfirmation: {StateConfirmed, StateDeclined},
	StateConfirmed:            {StateExecuting},
	StateExecuting:            {StateCompleted, StatePartiallyFailed},
	StatePartiallyFailed:      {StateExecuting},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Open reports whether an attempt in s still blocks a new attempt for the
// same session. Completed counts as open: it is never repeated.
func (s State) Open() bool {
	return s != StateIdle && s != StateDeclined
}

// StepName identifies one of the four handoff steps.
type StepName string

const (
	StepLookup         StepName = "lookup_record"
	StepUpdateStatus   StepName = "update_status"
	StepCreateTask     StepName = "create_task"
	StepEnqueueMessage StepName = "enqueue_message"
)

// Steps lists the steps in execution order.
var Steps = []StepName{StepLookup, StepUpdateStatus, StepCreateTask, StepEnqueueMessage}

// StepStatus is the recorded outcome of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepResult records what happened to one step. A Terminal failure is never
// resumed, not even manually.
type StepResult struct {
	Name      StepName   `json:"name"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
	Terminal  bool       `json:"terminal,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt,omitzero"`
}

// Brief is what the advisor learns about the conversation.
type Brief struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics,omitempty"`
	Concerns []string `json:"concerns,omitempty"`
}

// DefaultTiming is used when the user gives no timing preference.
const DefaultTiming = "as soon as possible"

// Attempt is one handoff of one session. Contact keeps the identifier as the
// user gave it; Actor is its normalized form.
type Attempt struct {
	ID             string            `json:"id"`
	Actor          identity.ActorKey `json:"actor"`
	Contact        string            `json:"contact,omitempty"`
	Session        string            `json:"session"`
	State          State             `json:"state"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Brief          Brief             `json:"brief"`
	Timing         string            `json:"timing,omitempty"`
	RecordID       string            `json:"recordId,omitempty"`
	TaskID         string            `json:"taskId,omitempty"`
	MessageID      string            `json:"messageId,omitempty"`
	Steps          []StepResult      `json:"steps"`
	FailureReason  string            `json:"failureReason,omitempty"`
	Resumes        int               `json:"resumes"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// keyNamespace scopes idempotency keys to this service.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:advisor:handoff"))

// IdempotencyKey derives the key shared by every write of an attempt. It
// depends only on its inputs, so retries and resumes reuse it.
func IdempotencyKey(actor identity.ActorKey, sessionID, attemptID string) string {
	name := strings.Join([]string{string(actor), sessionID, attemptID}, "|")
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

func newAttempt(scope session.Scope, contact string, brief Brief, now time.Time) *Attempt {
	id := uuid.NewString()
	a := &Attempt{
		ID:             id,
		Actor:          scope.Actor,
		Contact:        contact,
		Session:        scope.Session,
		State:          StateIdle,
		IdempotencyKey: IdempotencyKey(scope.Actor, scope.Session, id),
		Brief:          brief,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, name := range Steps {
		a.Steps = append(a.Steps, StepResult{Name: name, Status: StepPending})
	}
	return a
}

// Scope returns the session the attempt belongs to.
func (a *Attempt) Scope() session.Scope {
	return session.Scope{Actor: a.Actor, Session: a.Session}
}

// Step returns the result slot of name.
func (a *Attempt) Step(name StepName) *StepResult {
	for i := range a.Steps {
		if a.Steps[i].Name == name {
			return &a.Steps[i]
		}
	}
	return nil
}

// NextStep returns the index of the first step that has not succeeded, or
// len(Steps) when all have.
func (a *Attempt) NextStep() int {
	for i, s := range a.Steps {
		if s.Status != StepSucceeded {
			return i
		}
	}
	return len(a.Steps)
}

// FailedStep returns the step that stopped the attempt, if any.
func (a *Attempt) FailedStep() (StepResult, bool) {
	for _, s := range a.Steps {
		if s.Status == StepFailed {
			return s, true
		}
	}
	return StepResult{}, false
}

// Retryable reports whether the failure of a PartiallyFailed attempt was
// transient.
func (a *Attempt) Retryable() bool {
	s, ok := a.FailedStep()
	return ok && s.Retryable
}

// Terminal reports whether the attempt stopped on a failure that no resume
// can fix.
func (a *Attempt) Terminal() bool {
	s, ok := a.FailedStep()
	return ok && s.Terminal
}

// OutboundContact is where the follow-up message goes: the contact as given,
// or the normalized actor key for attempts recorded without one.
func (a *Attempt) OutboundContact() string {
	if a.Contact != "" {
		return a.Contact
	}
	return a.Actor.String()
}

// Clone returns a deep copy.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Steps = slices.Clone(a.Steps)
	cp.Brief.Topics = slices.Clone(a.Brief.Topics)
	cp.Brief.Concerns = slices.Clone(a.Brief.Concerns)
	return &cp
}

func (a *Attempt) transition(next State, now time.Time) error {
	if !a.State.CanTransition(next) {
		return &TransitionError{From: a.State, To: next}
	}
	a.State = next
	a.UpdatedAt = now
	return nil
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return "handoff: cannot move from " + string(e.From) + " to " + string(e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
