package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/advisor/pkg/observability"
	"github.com/aixgo-dev/advisor/pkg/session"
)

// DefaultHandedOffStatus is the CRM status written by step 2.
const DefaultHandedOffStatus = "handed_off"

// DefaultMaxResumes bounds automatic and manual resumes of one attempt.
const DefaultMaxResumes = 5

// Config configures an Orchestrator.
type Config struct {
	Retry           RetryPolicy `yaml:"retry"`
	HandedOffStatus string      `yaml:"handed_off_status"`
	MaxResumes      int         `yaml:"max_resumes"`
	// LedgerTimeout bounds each ledger write (default 5s).
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`
	// ExecutionLease is how long an Executing attempt may go without
	// progress before it is treated as abandoned and becomes resumable.
	// Default: MaxAttempts × (StepTimeout + MaxInterval) + LedgerTimeout.
	ExecutionLease time.Duration `yaml:"execution_lease"`
}

// Orchestrator drives attempts through their lifecycle.
type Orchestrator struct {
	ledger      Ledger
	crm         CRM
	messenger   Messenger
	transcripts TranscriptReader
	cfg         Config
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu    sync.Mutex
	locks map[session.Scope]*scopeLock
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator wires the collaborators.
func NewOrchestrator(ledger Ledger, crm CRM, messenger Messenger, transcripts TranscriptReader, cfg Config, logger zerolog.Logger) *Orchestrator {
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.HandedOffStatus == "" {
		cfg.HandedOffStatus = DefaultHandedOffStatus
	}
	if cfg.MaxResumes <= 0 {
		cfg.MaxResumes = DefaultMaxResumes
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 5 * time.Second
	}
	if cfg.ExecutionLease <= 0 {
		cfg.ExecutionLease = time.Duration(cfg.Retry.MaxAttempts)*(cfg.Retry.StepTimeout+cfg.Retry.MaxInterval) + cfg.LedgerTimeout
	}
	return &Orchestrator{
		ledger:      ledger,
		crm:         crm,
		messenger:   messenger,
		transcripts: transcripts,
		cfg:         cfg,
		logger:      logger,
		tracer:      otel.Tracer("github.com/aixgo-dev/advisor/pkg/handoff"),
		now:         time.Now,
		locks:       make(map[session.Scope]*scopeLock),
	}
}

func (o *Orchestrator) lock(scope session.Scope) func() {
	o.mu.Lock()
	l, ok := o.locks[scope]
	if !ok {
		l = &scopeLock{}
		o.locks[scope] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, scope)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) log(a *Attempt) zerolog.Logger {
	return o.logger.With().
		Str("actor", a.Actor.String()).
		Str("session", a.Session).
		Str("attempt_id", a.ID).
		Logger()
}

// Status returns the session's current attempt or ErrNoAttempt.
func (o *Orchestrator) Status(ctx context.Context, scope session.Scope) (*Attempt, error) {
	return o.ledger.Load(ctx, scope)
}

// Detect records that the conversation signalled handoff intent and puts
// the offer in front of the user. contact is the identifier as the user gave
// it. It has no external side effects. A session that already has an open or
// completed attempt gets that attempt back; an attempt still awaiting
// confirmation picks up the newer brief.
func (o *Orchestrator) Detect(ctx context.Context, scope session.Scope, contact string, brief Brief) (*Attempt, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	unlock := o.lock(scope)
	defer unlock()

	cur, err := o.ledger.Load(ctx, scope)
	switch {
	case err == nil && cur.State.Open():
		if cur.State == StateAwaitingConfirmation {
			cur.Brief = brief
			if contact != "" {
				cur.Contact = contact
			}
			cur.UpdatedAt = o.now().UTC()
			if err := o.save(ctx, cur); err != nil {
				return nil, err
			}
		}
		return cur, nil
	case err != nil && !errors.Is(err, ErrNoAttempt):
		return nil, fmt.Errorf("load attempt: %w", err)
	}

	now := o.now().UTC()
	a := newAttempt(scope, contact, brief, now)
	if err := a.transition(StateDetected, now); err != nil {
		return nil, err
	}
	if err := a.transition(StateAwaitingConfirmation, now); err != nil {
		return nil, err
	}
	if err := o.save(ctx, a); err != nil {
		return nil, err
	}
	logger := o.log(a)
	logger.Info().Msg("handoff offered")
	return a, nil
}

// Decline closes an attempt awaiting confirmation without side effects.
func (o *Orchestrator) Decline(ctx context.Context, scope session.Scope) (*Attempt, error) {
	unlock := o.lock(scope)
	defer unlock()

	a, err := o.ledger.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := a.transition(StateDeclined, o.now().UTC()); err != nil {
		return nil, err
	}
	if err := o.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Confirm records the user's consent and timing preference. Confirming an
// attempt that is already past confirmation returns it unchanged, so client
// retries are harmless.
func (o *Orchestrator) Confirm(ctx context.Context, scope session.Scope, timing string) (*Attempt, error) {
	unlock := o.lock(scope)
	defer unlock()
	return o.confirm(ctx, scope, timing)
}

func (o *Orchestrator) confirm(ctx context.Context, scope session.Scope, timing string) (*Attempt, error) {
	a, err := o.ledger.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	switch a.State {
	case StateConfirmed, StateExecuting, StateCompleted, StatePartiallyFailed:
		return a, nil
	}
	if err := a.transition(StateConfirmed, o.now().UTC()); err != nil {
		return nil, err
	}
	a.Timing = timingOrDefault(timing)
	if err := o.save(ctx, a); err != nil {
		return nil, err
	}
	logger := o.log(a)
	logger.Info().Str("timing", a.Timing).Msg("handoff confirmed")
	return a, nil
}

// ConfirmAndExecute confirms and then runs the steps. The run is detached
// from ctx cancellation: once Executing, a handoff finishes even if the
// client goes away.
func (o *Orchestrator) ConfirmAndExecute(ctx context.Context, scope session.Scope, timing string) (*Attempt, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := o.lock(scope)
	defer unlock()

	a, err := o.confirm(ctx, scope, timing)
	if err != nil {
		return nil, err
	}
	if a.State != StateConfirmed {
		return a, nil
	}
	return o.execute(ctx, a)
}

// Execute runs a confirmed attempt. An attempt left Executing by a run that
// died is resumed instead once its lease has expired.
func (o *Orchestrator) Execute(ctx context.Context, scope session.Scope) (*Attempt, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := o.lock(scope)
	defer unlock()

	a, err := o.ledger.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	switch {
	case a.State == StateCompleted:
		return a, nil
	case o.Stale(a):
		return o.resume(ctx, a)
	case a.State != StateConfirmed:
		return nil, &TransitionError{From: a.State, To: StateExecuting}
	}
	return o.execute(ctx, a)
}

// Resume re-runs a partially failed attempt from its first unfinished step
// with the same idempotency key. An Executing attempt whose lease expired
// is first marked partially failed at the step it stopped on.
func (o *Orchestrator) Resume(ctx context.Context, scope session.Scope) (*Attempt, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := o.lock(scope)
	defer unlock()

	a, err := o.ledger.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return o.resume(ctx, a)
}

func (o *Orchestrator) resume(ctx context.Context, a *Attempt) (*Attempt, error) {
	if a.State == StateCompleted {
		return a, nil
	}
	if o.Stale(a) {
		o.abandon(a)
		if err := o.save(ctx, a); err != nil {
			return nil, err
		}
		if a.State == StateCompleted {
			return a, nil
		}
	}
	if a.State != StatePartiallyFailed {
		return nil, &TransitionError{From: a.State, To: StateExecuting}
	}
	if a.Terminal() {
		return a, ErrNotResumable
	}
	if a.Resumes >= o.cfg.MaxResumes {
		return a, ErrResumeLimit
	}
	a.Resumes++
	return o.execute(ctx, a)
}

// Stale reports whether a is Executing but has made no progress within the
// execution lease, meaning the run that owned it is gone.
func (o *Orchestrator) Stale(a *Attempt) bool {
	return a.State == StateExecuting && o.now().Sub(a.UpdatedAt) > o.cfg.ExecutionLease
}

// abandon closes out a stale run. The step it was on has an unknown outcome,
// which the idempotency key makes safe to retry.
func (o *Orchestrator) abandon(a *Attempt) {
	now := o.now().UTC()
	i := a.NextStep()
	if i == len(a.Steps) {
		_ = a.transition(StateCompleted, now)
		return
	}
	st := &a.Steps[i]
	if st.Status != StepFailed || !st.Terminal {
		st.Status = StepFailed
		st.Error = errExecutionAbandoned.Error()
		st.Retryable = true
		st.UpdatedAt = now
	}
	a.FailureReason = st.Error
	_ = a.transition(StatePartiallyFailed, now)
	logger := o.log(a)
	logger.Warn().Str("step", string(st.Name)).Msg("handoff execution abandoned")
}

func (o *Orchestrator) execute(ctx context.Context, a *Attempt) (*Attempt, error) {
	logger := o.log(a)
	ctx, span := o.tracer.Start(ctx, "handoff.execute", trace.WithAttributes(
		attribute.String("handoff.attempt_id", a.ID),
		attribute.String("handoff.idempotency_key", a.IdempotencyKey),
		attribute.Int("handoff.resumes", a.Resumes),
	))
	defer span.End()

	if err := a.transition(StateExecuting, o.now().UTC()); err != nil {
		return nil, err
	}
	a.FailureReason = ""
	if err := o.save(ctx, a); err != nil {
		return nil, err
	}

	for i := a.NextStep(); i < len(a.Steps); i++ {
		if err := o.runStep(ctx, a, &a.Steps[i], logger); err != nil {
			a.FailureReason = err.Error()
			_ = a.transition(StatePartiallyFailed, o.now().UTC())
			span.SetStatus(codes.Error, a.FailureReason)
			logger.Warn().Err(err).Str("step", string(a.Steps[i].Name)).Msg("handoff partially failed")
			break
		}
		// Persist after every step so a resume starts where this run stopped;
		// the fresh UpdatedAt also renews the execution lease.
		a.UpdatedAt = o.now().UTC()
		o.saveQuietly(ctx, a, logger)
	}

	if a.State == StateExecuting {
		_ = a.transition(StateCompleted, o.now().UTC())
		logger.Info().Str("task_id", a.TaskID).Str("message_id", a.MessageID).Msg("handoff completed")
	}
	observability.RecordHandoffOutcome(string(a.State))
	span.SetAttributes(attribute.String("handoff.state", string(a.State)))

	if err := o.save(ctx, a); err != nil {
		logger.Error().Err(err).Msg("handoff ledger write failed")
	}
	return a, nil
}

func (o *Orchestrator) runStep(ctx context.Context, a *Attempt, res *StepResult, logger zerolog.Logger) error {
	ctx, span := o.tracer.Start(ctx, "handoff."+string(res.Name))
	defer span.End()
	start := time.Now()

	var (
		calls int
		err   error
	)
	switch res.Name {
	case StepLookup:
		calls, err = o.lookup(ctx, a)
	case StepUpdateStatus:
		_, calls, err = retryStep(ctx, o.cfg.Retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.crm.UpdateStatus(ctx, a.RecordID, o.cfg.HandedOffStatus)
		})
	case StepCreateTask:
		var body string
		body, err = o.taskBody(ctx, a)
		if err == nil {
			a.TaskID, calls, err = retryStep(ctx, o.cfg.Retry, func(ctx context.Context) (string, error) {
				return o.crm.CreateTask(ctx, a.RecordID, body, a.IdempotencyKey)
			})
		}
	case StepEnqueueMessage:
		msg := OutboundMessage{
			Contact:          a.OutboundContact(),
			Body:             MessageBody(a),
			TimingPreference: timingOrDefault(a.Timing),
			IdempotencyKey:   a.IdempotencyKey,
		}
		a.MessageID, calls, err = retryStep(ctx, o.cfg.Retry, func(ctx context.Context) (string, error) {
			return o.messenger.Enqueue(ctx, msg)
		})
	default:
		err = fmt.Errorf("unknown step %q", res.Name)
	}

	res.Attempts += calls
	res.UpdatedAt = o.now().UTC()
	if err != nil {
		res.Status = StepFailed
		res.Error = err.Error()
		res.Retryable = IsTransient(err)
		res.Terminal = errors.Is(err, ErrNoMatchingRecord)
		span.SetStatus(codes.Error, res.Error)
	} else {
		res.Status = StepSucceeded
		res.Error = ""
		res.Retryable = false
		res.Terminal = false
	}
	span.SetAttributes(attribute.Int("handoff.step_calls", calls))
	observability.RecordHandoffStep(string(res.Name), string(res.Status), calls, time.Since(start))
	logger.Debug().Str("step", string(res.Name)).Str("status", string(res.Status)).Int("calls", calls).Msg("handoff step finished")
	return err
}

func (o *Orchestrator) lookup(ctx context.Context, a *Attempt) (int, error) {
	type found struct {
		id string
		ok bool
	}
	r, calls, err := retryStep(ctx, o.cfg.Retry, func(ctx context.Context) (found, error) {
		id, ok, err := o.crm.FindByContact(ctx, a.Actor.String())
		return found{id: id, ok: ok}, err
	})
	if err != nil {
		return calls, err
	}
	if !r.ok {
		return calls, ErrNoMatchingRecord
	}
	a.RecordID = r.id
	return calls, nil
}

func (o *Orchestrator) taskBody(ctx context.Context, a *Attempt) (string, error) {
	var transcript []session.Turn
	if o.transcripts != nil {
		tctx, cancel := context.WithTimeout(ctx, o.cfg.Retry.StepTimeout)
		defer cancel()
		t, err := o.transcripts.ReadFullTranscript(tctx, a.Scope())
		if err != nil {
			return "", MarkTransient(fmt.Errorf("read transcript: %w", err))
		}
		transcript = t
	}
	return TaskBody(a, transcript), nil
}

func (o *Orchestrator) save(ctx context.Context, a *Attempt) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.LedgerTimeout)
	defer cancel()
	if err := o.ledger.Save(sctx, a); err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

func (o *Orchestrator) saveQuietly(ctx context.Context, a *Attempt, logger zerolog.Logger) {
	if err := o.save(ctx, a); err != nil {
		logger.Error().Err(err).Msg("handoff ledger write failed")
	}
}
