package scheduler

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventCreated   EventKind = "created"
	EventSelected  EventKind = "selected"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRejected  EventKind = "rejected"
	EventQueued    EventKind = "queued"
)

// TurnEvent describes one scheduler transition.
type TurnEvent struct {
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label,omitempty"`
	Multiplier int       `json:"multiplier,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Seq        uint64    `json:"seq,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type Observer interface {
	Observe(TurnEvent)
}

type ObserverFunc func(TurnEvent)

func (f ObserverFunc) Observe(ev TurnEvent) {
	f(ev)
}

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// instead of blocking the scheduler.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan TurnEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan TurnEvent{}}
}

func (b *Broadcaster) Observe(ev TurnEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a buffered event channel and a cancel func that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan TurnEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan TurnEvent, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
