package handoff

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultResumeSchedule runs the resumer every two minutes.
const DefaultResumeSchedule = "@every 2m"

// Resumer periodically resumes partially failed attempts whose failure was
// transient, and attempts left Executing by a run that died.
type Resumer struct {
	orch     *Orchestrator
	ledger   Ledger
	schedule string
	logger   zerolog.Logger
}

// NewResumer creates a resumer running on schedule (cron syntax or
// "@every <duration>").
func NewResumer(orch *Orchestrator, ledger Ledger, schedule string, logger zerolog.Logger) *Resumer {
	if schedule == "" {
		schedule = DefaultResumeSchedule
	}
	return &Resumer{orch: orch, ledger: ledger, schedule: schedule, logger: logger}
}

// Run schedules the job and blocks until ctx is done, then waits for a
// running pass to finish.
func (r *Resumer) Run(ctx context.Context) error {
	logger := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule resumer %q: %w", r.schedule, err)
	}

	c.Start()
	r.logger.Info().Str("schedule", r.schedule).Msg("handoff resumer started")
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce resumes every eligible attempt and returns how many completed.
func (r *Resumer) RunOnce(ctx context.Context) int {
	attempts, err := r.ledger.ListUnfinished(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("list unfinished handoffs")
		return 0
	}

	completed := 0
	for _, a := range attempts {
		if ctx.Err() != nil {
			break
		}
		if a.State == StateExecuting {
			if !r.orch.Stale(a) {
				continue
			}
		} else if !a.Retryable() || a.Resumes >= r.orch.cfg.MaxResumes {
			continue
		}
		res, err := r.orch.Resume(ctx, a.Scope())
		if err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				r.logger.Warn().Err(err).Str("attempt_id", a.ID).Msg("resume failed")
			}
			continue
		}
		if res.State == StateCompleted {
			completed++
		}
	}
	return completed
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
