package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrun/internal/domain"
	"jobrun/internal/infra/memstore"
	"jobrun/internal/ports"
)

// inlineScheduler records every retry delay and runs the retry immediately,
// so a whole retry chain executes synchronously inside one Process call.
type inlineScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *inlineScheduler) after(d time.Duration, fn func()) {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	fn()
}

func (s *inlineScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type eventLog struct {
	mu   sync.Mutex
	jobs map[Event][]domain.Job
}

func newEventLog(r *Runner, events ...Event) *eventLog {
	l := &eventLog{jobs: make(map[Event][]domain.Job)}
	for _, ev := range events {
		ev := ev
		r.On(ev, func(j domain.Job) {
			l.mu.Lock()
			l.jobs[ev] = append(l.jobs[ev], j)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) get(ev Event) []domain.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Job(nil), l.jobs[ev]...)
}

func newTestRunner(t *testing.T) (*Runner, *memstore.Store, *inlineScheduler) {
	t.Helper()

	store, err := memstore.New()
	require.NoError(t, err)

	r := New(store)
	sched := &inlineScheduler{}
	r.disp.after = sched.after
	return r, store, sched
}

func TestRegister_EmptyNamePanics(t *testing.T) {
	r, _, _ := newTestRunner(t)
	assert.Panics(t, func() {
		r.Register("", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, nil
		})
	})
}

func TestRegister_ReplacesHandler(t *testing.T) {
	r, store, _ := newTestRunner(t)
	r.Register("work", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(`"first"`), nil
	})
	r.Register("work", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(`"second"`), nil
	})

	job, err := store.Create(context.Background(), "work", nil, DefaultMaxAttempts)
	require.NoError(t, err)
	require.NoError(t, r.disp.Process(context.Background(), job))

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"second"`), got.Result)
}

func TestAdd_ReturnsPendingJobImmediately(t *testing.T) {
	r, _, _ := newTestRunner(t)

	release := make(chan struct{})
	finished := make(chan struct{})
	r.Register("slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return []byte(`{}`), nil
	})
	r.On(EventDone, func(domain.Job) { close(finished) })

	job, err := r.Add(context.Background(), "slow", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Empty(t, job.Result)

	close(release)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("job never finished")
	}
}

func TestProcess_RetryDelaysThenFailed(t *testing.T) {
	r, store, sched := newTestRunner(t)
	r.Register("doomed", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	events := newEventLog(r, EventStart, EventFailed)

	job, err := store.Create(context.Background(), "doomed", nil, 3)
	require.NoError(t, err)
	require.NoError(t, r.disp.Process(context.Background(), job))

	// Two retries spaced 2s then 4s, then the third failure is terminal.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sched.recorded())
	assert.Len(t, events.get(EventStart), 3)

	failed := events.get(EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "boom", failed[0].Error)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "boom", got.Error)
	assert.Empty(t, got.Result)
}

func TestProcess_BackoffCapsAt30s(t *testing.T) {
	r, store, sched := newTestRunner(t)
	r.Register("doomed", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	job, err := store.Create(context.Background(), "doomed", nil, 6)
	require.NoError(t, err)
	require.NoError(t, r.disp.Process(context.Background(), job))

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped from 32s
	}
	assert.Equal(t, want, sched.recorded())

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 6, got.Attempts)
}

func TestProcess_AttemptsNeverExceedMaxAttempts(t *testing.T) {
	r, store, _ := newTestRunner(t)
	r.Register("doomed", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	for _, max := range []int{1, 2, 5} {
		job, err := store.Create(context.Background(), "doomed", nil, max)
		require.NoError(t, err)
		require.NoError(t, r.disp.Process(context.Background(), job))

		got, err := store.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, max, got.Attempts)
	}
}

func TestProcess_SucceedsOnSecondAttempt(t *testing.T) {
	r, store, sched := newTestRunner(t)

	calls := 0
	r.Register("flaky", func(ctx context.Context, payload []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return []byte(`{"ok":true}`), nil
	})
	events := newEventLog(r, EventDone, EventFailed)

	job, err := store.Create(context.Background(), "flaky", nil, 3)
	require.NoError(t, err)
	require.NoError(t, r.disp.Process(context.Background(), job))

	assert.Equal(t, []time.Duration{2 * time.Second}, sched.recorded())
	assert.Empty(t, events.get(EventFailed))
	require.Len(t, events.get(EventDone), 1)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, json.RawMessage(`{"ok":true}`), got.Result)
	assert.Empty(t, got.Error)
}

func TestProcess_MissingHandlerFailsWithMessage(t *testing.T) {
	r, store, _ := newTestRunner(t)

	job, err := store.Create(context.Background(), "nobody-home", nil, 1)
	require.NoError(t, err)
	require.NoError(t, r.disp.Process(context.Background(), job))

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "No handler registered for job type: nobody-home", got.Error)
}

func TestProcess_NotificationsFollowStorageWrites(t *testing.T) {
	r, store, _ := newTestRunner(t)
	r.Register("work", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(`"done"`), nil
	})

	// At every notification the store must already hold the announced state.
	r.On(EventStart, func(j domain.Job) {
		got, err := store.GetJob(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, got.Status)
	})
	r.On(EventDone, func(j domain.Job) {
		got, err := store.GetJob(context.Background(), j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDone, got.Status)
		assert.Equal(t, json.RawMessage(`"done"`), got.Result)
	})

	job, err := store.Create(context.Background(), "work", nil, 3)
	require.NoError(t, err)
	require.NoError(t, r.disp.Process(context.Background(), job))
}

func TestRecover_ResetsRunningAndDispatchesAll(t *testing.T) {
	r, store, _ := newTestRunner(t)

	var wg sync.WaitGroup
	wg.Add(2)
	r.Register("work", func(ctx context.Context, payload []byte) ([]byte, error) {
		defer wg.Done()
		return []byte(`{}`), nil
	})
	events := newEventLog(r, EventRecover)

	ctx := context.Background()
	_, err := store.Create(ctx, "work", nil, 3)
	require.NoError(t, err)

	interrupted, err := store.Create(ctx, "work", nil, 3)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, interrupted.ID))

	n, err := r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recovered := events.get(EventRecover)
	require.Len(t, recovered, 1)
	assert.Equal(t, interrupted.ID, recovered[0].ID)
	assert.Equal(t, domain.StatusPending, recovered[0].Status)

	wg.Wait()
}

func TestRecover_KeepsAttemptCount(t *testing.T) {
	r, store, _ := newTestRunner(t)

	var wg sync.WaitGroup
	wg.Add(1)
	r.Register("work", func(ctx context.Context, payload []byte) ([]byte, error) {
		defer wg.Done()
		return []byte(`{}`), nil
	})

	ctx := context.Background()
	job, err := store.Create(ctx, "work", nil, 3)
	require.NoError(t, err)
	require.NoError(t, store.IncAttempts(ctx, job.ID))
	require.NoError(t, store.MarkRunning(ctx, job.ID))

	n, err := r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	wg.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	// The recovery reset itself must not touch the attempt count.
	assert.Equal(t, 1, got.Attempts)
}

func TestListJobs_FilterExcludesTerminal(t *testing.T) {
	r, store, _ := newTestRunner(t)

	ctx := context.Background()
	pending, err := store.Create(ctx, "a", nil, 3)
	require.NoError(t, err)

	running, err := store.Create(ctx, "b", nil, 3)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, running.ID))

	done, err := store.Create(ctx, "c", nil, 3)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, done.ID))
	require.NoError(t, store.MarkDone(ctx, done.ID, nil))

	failed, err := store.Create(ctx, "d", nil, 3)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, failed.ID))
	require.NoError(t, store.MarkFailed(ctx, failed.ID, "boom"))

	jobs, err := r.ListJobs(ctx, ports.ListFilter{
		Statuses: []domain.Status{domain.StatusPending, domain.StatusRunning},
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{pending.ID, running.ID}, ids)
}

func TestGetJob_SnapshotIsIdempotent(t *testing.T) {
	r, store, _ := newTestRunner(t)

	ctx := context.Background()
	job, err := store.Create(ctx, "work", json.RawMessage(`{"x":1}`), 3)
	require.NoError(t, err)

	first, err := r.GetJob(ctx, job.ID)
	require.NoError(t, err)
	second, err := r.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
