package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"nexus-chat/internal/domain"
)

// redisSubscription es la parte de *goredis.PubSub que usa el canal.
type redisSubscription interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...goredis.ChannelOption) <-chan *goredis.Message
	Close() error
}

type redisPubSubClient interface {
	Subscribe(ctx context.Context, channels ...string) redisSubscription
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

type goredisClient struct {
	*goredis.Client
}

func (c goredisClient) Subscribe(ctx context.Context, channels ...string) redisSubscription {
	return c.Client.Subscribe(ctx, channels...)
}

type redisBus struct {
	client redisPubSubClient
	logger *zap.Logger
}

// NewRedisBus usa Redis Pub/Sub para difundir entre varias instancias.
func NewRedisBus(client *goredis.Client, logger *zap.Logger) Bus {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisBus{client: goredisClient{client}, logger: logger.With(zap.String("component", "redis_bus"))}
}

func (b *redisBus) Open(sessionID string) Channel {
	return &redisChannel{
		client: b.client,
		logger: b.logger,
		topic:  Topic(sessionID),
		ready:  make(chan struct{}),
	}
}

// Close no cierra el cliente: su ciclo de vida pertenece a quien lo creó.
func (b *redisBus) Close() error { return nil }

type redisChannel struct {
	client redisPubSubClient
	logger *zap.Logger
	topic  string

	mu     sync.Mutex
	pubsub redisSubscription
	active bool
	closed bool
	ready  chan struct{}
}

func (c *redisChannel) Subscribe(ctx context.Context, onMessage func(domain.ReplyEvent)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.pubsub != nil {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	ps := c.client.Subscribe(ctx, c.topic)
	c.pubsub = ps
	c.mu.Unlock()

	// Receive confirma que la suscripción quedó registrada en el servidor.
	if _, err := ps.Receive(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.active = true
	close(c.ready)
	c.mu.Unlock()

	go c.forward(ps.Channel(), onMessage)
	return nil
}

func (c *redisChannel) forward(ch <-chan *goredis.Message, onMessage func(domain.ReplyEvent)) {
	for m := range ch {
		if m == nil || onMessage == nil {
			continue
		}
		var evt domain.ReplyEvent
		if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
			c.logger.Warn("bad broadcast payload", zap.String("topic", c.topic), zap.Error(err))
			continue
		}
		onMessage(evt)
	}
}

func (c *redisChannel) Ready() <-chan struct{} { return c.ready }

func (c *redisChannel) Send(ctx context.Context, evt domain.ReplyEvent) error {
	c.mu.Lock()
	active, closed := c.active, c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if !active {
		return ErrChannelNotActive
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.topic, raw).Err()
}

func (c *redisChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.active = false
	if c.pubsub == nil {
		return nil
	}
	return c.pubsub.Close()
}
