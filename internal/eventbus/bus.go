// Package eventbus fans scheduler and runner lifecycle events out to
// in-process subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler, runner and watcher.
const (
	JobScheduled   = "job.scheduled"
	JobUnscheduled = "job.unscheduled"
	JobFired       = "job.fired"
	JobSkipped     = "job.skipped"
	JobStarted     = "job.started"
	JobFinished    = "job.finished"
	Reconciled     = "schedule.reconciled"
	SourceChanged  = "definitions.changed"
)

// Event is a small in-memory signal.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the Data carried by job.* events.
type JobEvent struct {
	JobID    string        `json:"job_id"`
	Status   string        `json:"status,omitempty"`
	NextFire time.Time     `json:"next_fire,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
	Err      string        `json:"err,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Emit publishes on b if it is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Removing under the write lock means no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
