package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"jobrun/internal/domain"
	"jobrun/internal/ports"
	"jobrun/pkg/backoff"
)

// Handler performs the work for a named job type. The payload is passed
// verbatim; the returned value is stored as the job result on success.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// dispatcher drives a single job from dispatch to a terminal outcome,
// rescheduling itself after a backoff delay on each recoverable failure.
type dispatcher struct {
	store  ports.Storage
	lookup func(name string) (Handler, bool)
	events *emitter

	baseBackoff time.Duration
	maxBackoff  time.Duration

	// after schedules fn to run once the delay elapses. Defaults to
	// time.AfterFunc; tests swap it to observe the delay sequence.
	after func(d time.Duration, fn func())
}

// Process runs one attempt of the job. Every storage write happens before
// the in-memory job is mutated and before the matching notification fires.
// Storage errors are returned to the caller; handler errors never are.
func (d *dispatcher) Process(ctx context.Context, job *domain.Job) error {
	if err := d.store.MarkRunning(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	job.Status = domain.StatusRunning
	job.UpdatedAt = time.Now()
	d.events.emit(EventStart, *job)

	result, handleErr := d.invoke(ctx, job)
	if handleErr == nil {
		if err := d.store.MarkDone(ctx, job.ID, result); err != nil {
			return fmt.Errorf("mark job %s done: %w", job.ID, err)
		}
		job.Status = domain.StatusDone
		job.UpdatedAt = time.Now()
		job.Result = result
		d.events.emit(EventDone, *job)
		return nil
	}

	if err := d.store.IncAttempts(ctx, job.ID); err != nil {
		return fmt.Errorf("increment attempts for job %s: %w", job.ID, err)
	}
	job.Attempts++

	if job.Attempts < job.MaxAttempts {
		if err := d.store.ResetStatus(ctx, job.ID, domain.StatusPending); err != nil {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		job.Status = domain.StatusPending
		job.UpdatedAt = time.Now()

		delay := backoff.Exponential(d.baseBackoff, d.maxBackoff, job.Attempts)
		log.Debug().Str("job_id", job.ID).Int("attempts", job.Attempts).
			Dur("delay", delay).Msg("retry scheduled")
		d.after(delay, func() {
			if err := d.Process(context.Background(), job); err != nil {
				log.Error().Err(err).Str("job_id", job.ID).Msg("retry dispatch failed")
			}
		})
		return nil
	}

	if err := d.store.MarkFailed(ctx, job.ID, handleErr.Error()); err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	job.Status = domain.StatusFailed
	job.UpdatedAt = time.Now()
	job.Error = handleErr.Error()
	d.events.emit(EventFailed, *job)
	return nil
}

// invoke runs the registered handler; a missing handler counts as a
// handler failure so it goes through the normal retry path.
func (d *dispatcher) invoke(ctx context.Context, job *domain.Job) ([]byte, error) {
	h, ok := d.lookup(job.Name)
	if !ok {
		return nil, fmt.Errorf("No handler registered for job type: %s", job.Name)
	}
	return h(ctx, job.Payload)
}
