package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"jobrun/internal/domain"
	"jobrun/internal/ports"
)

// DefaultMaxAttempts is used when Add is called without WithMaxAttempts.
const DefaultMaxAttempts = 3

const (
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Runner is the public façade of the engine. It owns the handler registry,
// event subscriptions, enqueueing, and the startup recovery sweep. A single
// process is assumed to own job execution; two processes sharing a store may
// both run the same job, so handlers must tolerate duplicate execution.
type Runner struct {
	store ports.Storage

	mu       sync.RWMutex
	handlers map[string]Handler

	events *emitter
	disp   *dispatcher
}

type Option func(*Runner)

// WithBackoff overrides the retry backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(r *Runner) {
		r.disp.baseBackoff = base
		r.disp.maxBackoff = max
	}
}

func New(store ports.Storage, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		handlers: make(map[string]Handler),
		events:   newEmitter(),
	}
	r.disp = &dispatcher{
		store:       store,
		lookup:      r.handler,
		events:      r.events,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		after:       func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register associates a handler with a job name, replacing any previous one.
// An empty name is a configuration error and panics.
func (r *Runner) Register(name string, h Handler) *Runner {
	if name == "" {
		panic("usecase: Register called with empty job name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return r
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// On subscribes a listener to start, done, failed or recover notifications.
// Listeners for one event run in registration order.
func (r *Runner) On(ev Event, l Listener) *Runner {
	r.events.on(ev, l)
	return r
}

type addOptions struct {
	maxAttempts int
}

type AddOption func(*addOptions)

func WithMaxAttempts(n int) AddOption {
	return func(o *addOptions) {
		o.maxAttempts = n
	}
}

// Add creates a pending job and hands it to the dispatcher without waiting
// for it to start. The returned record reflects the just-created pending
// state, never an outcome. Add fails only if the storage create fails.
func (r *Runner) Add(ctx context.Context, name string, payload json.RawMessage, opts ...AddOption) (*domain.Job, error) {
	o := addOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}

	job, err := r.store.Create(ctx, name, payload, o.maxAttempts)
	if err != nil {
		return nil, err
	}

	r.dispatch(*job)
	return job, nil
}

// Recover sweeps the store for interrupted work: every running job is reset
// to pending (its attempt count is deliberately left intact), then the whole
// pending set is re-dispatched. Call it once at process startup, before Add.
// Returns the number of jobs resumed.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	jobs, err := r.store.ListJobs(ctx, ports.ListFilter{
		Statuses: []domain.Status{domain.StatusPending, domain.StatusRunning},
	})
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		if job.Status != domain.StatusRunning {
			continue
		}
		if err := r.store.ResetStatus(ctx, job.ID, domain.StatusPending); err != nil {
			return 0, err
		}
		job.Status = domain.StatusPending
		job.UpdatedAt = time.Now()
		r.events.emit(EventRecover, *job)
	}

	for _, job := range jobs {
		r.dispatch(*job)
	}
	return len(jobs), nil
}

// dispatch runs one processing cycle in the background. Storage failures in
// the cycle cannot reach the enqueuer anymore, so they land in the log.
func (r *Runner) dispatch(job domain.Job) {
	go func() {
		if err := r.disp.Process(context.Background(), &job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Str("job", job.Name).
				Msg("job dispatch failed")
		}
	}()
}

// ListJobs is a read-through query delegated to the storage adapter.
func (r *Runner) ListJobs(ctx context.Context, f ports.ListFilter) ([]*domain.Job, error) {
	return r.store.ListJobs(ctx, f)
}

// GetJob is a read-through query delegated to the storage adapter.
func (r *Runner) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return r.store.GetJob(ctx, id)
}
