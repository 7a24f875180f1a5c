package handoff

import (
	"context"

	"github.com/aixgo-dev/advisor/pkg/session"
)

// CRM is the record store the advisors work from.
type CRM interface {
	// FindByContact returns the record ID for contact. found is false, with
	// a nil error, when no record matches.
	FindByContact(ctx context.Context, contact string) (recordID string, found bool, err error)
	// UpdateStatus sets the record's status. Setting the same status twice
	// is harmless.
	UpdateStatus(ctx context.Context, recordID, status string) error
	// CreateTask files a follow-up task. Calls with an idempotency key that
	// was already used return the original task instead of a new one.
	CreateTask(ctx context.Context, recordID, body, idempotencyKey string) (taskID string, err error)
}

// OutboundMessage is a request to contact the student.
type OutboundMessage struct {
	Contact          string `json:"contact"`
	Body             string `json:"body"`
	TimingPreference string `json:"timingPreference"`
	IdempotencyKey   string `json:"idempotencyKey"`
}

// Messenger enqueues outbound messages. Enqueueing the same idempotency key
// twice must not result in two deliveries.
type Messenger interface {
	Enqueue(ctx context.Context, msg OutboundMessage) (messageID string, err error)
}

// TranscriptReader supplies the full conversation for the task body.
type TranscriptReader interface {
	ReadFullTranscript(ctx context.Context, scope session.Scope) ([]session.Turn, error)
}
