// Package eventbus is an in-process fanout for scheduler events. Publish
// never blocks; a subscriber that falls behind loses events and the loss
// is counted.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/task"
)

// TypeTaskStatus carries a TaskStatus.
const TypeTaskStatus = "task.status"

type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskStatus is published for every persisted status transition.
type TaskStatus struct {
	ID     string
	Worker string
	From   task.Status
	To     task.Status
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts events lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
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
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under
			// the write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Consume subscribes and calls fn for every event of type typ until ctx is
// done.
func Consume(ctx context.Context, b Bus, typ string, buffer int, fn func(Event)) error {
	ch, unsub := b.Subscribe(buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if typ == "" || e.Type == typ {
				fn(e)
			}
		}
	}
}
