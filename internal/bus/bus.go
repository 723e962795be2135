package bus

import (
	"context"
	"sync"

	"github.com/lodestonehq/lattice/internal/store"
)

// ChangeMessage announces that an object was created, updated, or deleted.
type ChangeMessage struct {
	ObjectID  string
	RootID    string
	Kind      string
	Operation store.OperationType
	Version   int64
	ActorID   string
}

// VisibilityMessage announces that a user's visibility of an object changed.
type VisibilityMessage struct {
	UserID   string
	ObjectID string
	RootID   string
	Version  int64
	Revoked  bool
}

// Topic is a fire-and-forget pub/sub channel for one event kind. Delivery is
// at-least-once per subscriber while the subscriber keeps up; a subscriber
// whose buffer is full misses the message rather than blocking publishers.
type Topic[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan T
	nextID      int64
	bufferSize  int
}

// NewTopic constructs a topic with the default per-subscriber buffer.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{
		subscribers: make(map[int64]chan T),
		bufferSize:  16,
	}
}

// Subscribe registers a handler channel that receives published messages
// until the context is cancelled.
func (t *Topic[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	stream := make(chan T, t.bufferSize)

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subscribers[id] = stream
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// Publish delivers the message to every live subscriber without blocking.
func (t *Topic[T]) Publish(message T) {
	t.mu.RLock()
	streams := make([]chan T, 0, len(t.subscribers))
	for _, stream := range t.subscribers {
		streams = append(streams, stream)
	}
	t.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- message:
		default:
		}
	}
}

// Broker groups the topics the mutation core publishes on. One broker is
// constructed per process and passed by reference; there are no ambient
// globals.
type Broker struct {
	ObjectChanges     *Topic[ChangeMessage]
	VisibilityChanges *Topic[VisibilityMessage]
}

// NewBroker constructs the process-scoped topic set.
func NewBroker() *Broker {
	return &Broker{
		ObjectChanges:     NewTopic[ChangeMessage](),
		VisibilityChanges: NewTopic[VisibilityMessage](),
	}
}
