package realtime

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 16

// Message is a single notification fanned out to the subscribers of a topic.
type Message struct {
	Topic     string
	EventType string
	Payload   any
	Timestamp time.Time
}

// Dispatcher fans published messages out to every subscriber of the message topic.
// A slow subscriber whose buffer is full loses its oldest queued message, so the
// newest message always reaches it.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message

	// offerMu serializes producers so the evict-then-send loop terminates.
	offerMu sync.Mutex
}

func (s *subscriber) offer(message Message) {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()
	for {
		select {
		case s.stream <- message:
			return
		default:
		}
		select {
		case <-s.stream:
		default:
		}
	}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a channel subscriber that is removed when ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	if topic == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := d.register(topic)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(topic, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Listen invokes handler for every message on topic until the returned subscription is
// released. Primer messages are delivered first, in order. Handler calls are serialized.
func (d *Dispatcher) Listen(topic string, handler func(Message), primers ...Message) *Subscription {
	sub := d.register(topic, primers...)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case message, ok := <-sub.stream:
				if !ok {
					return
				}
				select {
				case <-done:
					return
				default:
				}
				handler(message)
			}
		}
	}()
	return newSubscription(func() {
		d.unregister(topic, sub.id)
		close(done)
	})
}

// Publish delivers message to all current subscribers of its topic.
func (d *Dispatcher) Publish(message Message) {
	if message.Topic == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		sub.offer(message)
	}
}

// SubscriberCount reports how many subscribers are registered for topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) register(topic string, primers ...Message) *subscriber {
	size := d.bufferSize
	if len(primers) > size {
		size = len(primers)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &subscriber{
		id:     d.nextID,
		stream: make(chan Message, size),
	}
	for _, primer := range primers {
		sub.stream <- primer
	}
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
	return sub
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
