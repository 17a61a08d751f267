package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the service.
const (
	LoginStarted   = "login.started"
	LoginFinished  = "login.finished"
	LoginRetired   = "login.retired"
	CheckinDone    = "checkin.done"
	CheckinSkipped = "checkin.skipped"
	BatchDone      = "checkin.batch.done"
	ScheduleFired  = "schedule.fired"
	ScheduleSynced = "schedule.reconciled"
	NotifyQueued   = "notifier.queued"
	NotifySent     = "notifier.sent"
	NotifyFailed   = "notifier.failed"
	NotifyDropped  = "notifier.dropped"
)

// Event is an in-memory signal. Publish never blocks; slow subscribers lose
// events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

type memBus struct {
	// Publish sends under the read lock, so an unsubscribe (write lock)
	// never closes a channel mid-send.
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered listener. buffer <= 0 means 8. The returned
// func unsubscribes and closes the channel; it is safe to call twice.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped reports how many events slow subscribers missed in total.
func (b *memBus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for s := range b.subs {
		n += s.dropped.Load()
	}
	return n
}
