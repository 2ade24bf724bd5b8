package events

import "sync"

type Topic string

const (
	ParamsChanged      Topic = "model:paramsChanged"
	ModelChanged       Topic = "model:changed"
	AttachmentsUpdated Topic = "attachments:updated"
	ChatsUpdated       Topic = "chats:updated"
	APIKeysUpdated     Topic = "apiKeys:updated"
)

type Event struct {
	Topic  Topic
	Fields map[string]any
}

type Handler func(Event)

// Bus fans events out to subscribers synchronously, in subscription order.
// A nil *Bus accepts Emit and drops the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic][]subscription
}

type subscription struct {
	id int
	fn Handler
}

func NewBus() *Bus {
	return &Bus{subs: map[Topic][]subscription{}}
}

// Subscribe registers fn for topic and returns a func that removes it.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Emit(topic Topic, fields map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	list := make([]subscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	ev := Event{Topic: topic, Fields: fields}
	for _, s := range list {
		s.fn(ev)
	}
}
