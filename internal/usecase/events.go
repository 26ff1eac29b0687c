package usecase

import (
	"sync"

	"github.com/rs/zerolog/log"

	"jobrun/internal/domain"
)

// Event identifies a lifecycle notification emitted by the runner.
type Event string

const (
	EventStart   Event = "start"
	EventDone    Event = "done"
	EventFailed  Event = "failed"
	EventRecover Event = "recover"
)

// Listener receives a snapshot of the job at the moment the event fired.
type Listener func(j domain.Job)

type emitter struct {
	mu        sync.RWMutex
	listeners map[Event][]Listener
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[Event][]Listener)}
}

func (e *emitter) on(ev Event, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[ev] = append(e.listeners[ev], l)
}

// emit invokes listeners in registration order. A panicking listener is
// logged and must not stop the remaining ones.
func (e *emitter) emit(ev Event, j domain.Job) {
	e.mu.RLock()
	ls := e.listeners[ev]
	e.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("event", string(ev)).Str("job_id", j.ID).
						Msgf("event listener panicked: %v", r)
				}
			}()
			l(j)
		}()
	}
}
