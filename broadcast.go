package hubsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broadcaster fans a payload out to every subscriber of a topic. It is how
// client-local stores (the cart) keep their instances in step without a
// network round trip to the backend.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, fn func(payload []byte)) (unsubscribe func())
}

// ============================================================================
// LocalBroadcaster
// ============================================================================

// LocalBroadcaster delivers synchronously to subscribers in the same process.
type LocalBroadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func([]byte)
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{subs: make(map[string]map[int]func([]byte))}
}

func (b *LocalBroadcaster) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()
	for _, fn := range snapshotHandlers(&b.mu, subs) {
		fn(append([]byte(nil), payload...))
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(topic string, fn func([]byte)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func([]byte))
	}
	b.subs[topic][id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}
}

// ============================================================================
// RedisBroadcaster
// ============================================================================

// RedisBroadcaster uses Redis pub/sub so that several client processes
// sharing a RedisKV also share cart updates.
type RedisBroadcaster struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisBroadcaster(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{rdb: rdb, prefix: prefix, logger: logger}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, b.prefix+topic, payload).Err()
}

func (b *RedisBroadcaster) Subscribe(topic string, fn func([]byte)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.rdb.Subscribe(ctx, b.prefix+topic)
	ch := sub.Channel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			}
		}
	}()

	return func() {
		cancel()
		if err := sub.Close(); err != nil {
			b.logger.Debug("close redis subscription", slog.String("error", err.Error()))
		}
	}
}
