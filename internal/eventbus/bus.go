package eventbus

import (
	"sync"
	"time"
)

// Event is an in-process signal between components. Data is one of the small
// value types declared in types.go.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultSubscriberBuffer = 8

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &fanout{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	ch chan Event
}

type fanout struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// Publish holds the read lock across the sends; they are non-blocking and
// unsubscribe closes a channel only under the write lock.
func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}
