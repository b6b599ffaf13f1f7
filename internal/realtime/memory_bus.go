package realtime

import (
	"context"
	"sync"

	"nexus-chat/internal/domain"
)

const memoryQueueSize = 16

// MemoryBus implementa Bus dentro del proceso. Sirve para una sola instancia
// del servicio y para tests.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memoryChannel]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memoryChannel]struct{})}
}

func (b *MemoryBus) Open(sessionID string) Channel {
	return &memoryChannel{
		bus:   b,
		topic: Topic(sessionID),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		queue: make(chan domain.ReplyEvent, memoryQueueSize),
	}
}

func (b *MemoryBus) Close() error { return nil }

// Subscribers devuelve cuántas suscripciones activas tiene una sesión.
func (b *MemoryBus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[Topic(sessionID)])
}

func (b *MemoryBus) add(ch *memoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[ch.topic]
	if !ok {
		set = make(map[*memoryChannel]struct{})
		b.subs[ch.topic] = set
	}
	set[ch] = struct{}{}
}

func (b *MemoryBus) remove(ch *memoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[ch.topic]
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, ch.topic)
	}
}

func (b *MemoryBus) publish(topic string, evt domain.ReplyEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[topic] {
		ch.enqueue(evt)
	}
}

type memoryChannel struct {
	bus   *MemoryBus
	topic string

	mu        sync.Mutex
	active    bool
	closed    bool
	onMessage func(domain.ReplyEvent)

	ready chan struct{}
	done  chan struct{}
	queue chan domain.ReplyEvent
}

func (c *memoryChannel) Subscribe(ctx context.Context, onMessage func(domain.ReplyEvent)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.active {
		return ErrAlreadySubscribed
	}
	c.onMessage = onMessage
	c.active = true
	c.bus.add(c)
	close(c.ready)
	go c.deliverLoop()
	return nil
}

func (c *memoryChannel) Ready() <-chan struct{} { return c.ready }

func (c *memoryChannel) Send(ctx context.Context, evt domain.ReplyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	active, closed := c.active, c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if !active {
		return ErrChannelNotActive
	}
	c.bus.publish(c.topic, evt)
	return nil
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.active {
		c.bus.remove(c)
	}
	close(c.done)
	return nil
}

// enqueue descarta el evento si el suscriptor no consume a tiempo.
func (c *memoryChannel) enqueue(evt domain.ReplyEvent) {
	select {
	case <-c.done:
	case c.queue <- evt:
	default:
	}
}

func (c *memoryChannel) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.queue:
			if c.onMessage != nil {
				c.onMessage(evt)
			}
		}
	}
}
