package session

import (
	"FlowDAQ/internal/inference"
	"FlowDAQ/internal/model"
	"sync"
)

// EventType identifies what an Event carries.
type EventType string

const (
	EventSample         EventType = "sample"
	EventStatus         EventType = "status"
	EventClassification EventType = "classification"
	EventConnection     EventType = "connection"
	EventWarning        EventType = "warning"
	EventFinalized      EventType = "finalized"
)

// Event is a notification delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type           EventType
	RunID          string
	Index          int
	Sample         model.Sample
	Status         model.Status
	Classification model.ClassificationEvent
	Connection     inference.Status
	Warning        string
	Err            error
}

// broadcaster fans events out to subscribers without blocking the publisher: a subscriber
// whose buffer is full misses the event.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
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

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
