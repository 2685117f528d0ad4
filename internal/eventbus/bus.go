package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 64

// Event is an in-process signal from the executor, pool or reclaimer to the
// monitoring sink. Publish never blocks; a subscriber with a full buffer
// misses the event and the drop is counted.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Publisher interface {
	Publish(e Event)
}

type Bus interface {
	Publisher
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus { return &fanout{} }

// Nop discards every event.
func Nop() Publisher { return discard{} }

type discard struct{}

func (discard) Publish(Event) {}

type subscriber struct {
	id uint64
	ch chan Event
}

type fanout struct {
	mu      sync.RWMutex
	subs    []subscriber
	nextID  uint64
	dropped atomic.Uint64
}

// Publish sends under the read lock; unsubscribe closes channels only under
// the write lock, so a send never races a close.
func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	b.nextID++
	s := subscriber{id: b.nextID, ch: make(chan Event, buffer)}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { b.remove(s.id) }) }
}

func (b *fanout) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
