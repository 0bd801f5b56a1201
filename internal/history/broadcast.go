package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Change announces that the snapshot stored under Key was rewritten by DeviceID.
type Change struct {
	Key       string `json:"key"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster carries Change notifications between stores that share a storage backend.
// Delivery is best effort.
type Broadcaster interface {
	Publish(ctx context.Context, ch Change) error
	Subscribe(handler func(Change)) (unsubscribe func())
}

// LocalBroadcaster delivers changes to subscribers in the same process.
type LocalBroadcaster struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Change)
}

// NewLocalBroadcaster creates an in-process broadcaster.
func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{handlers: make(map[int]func(Change))}
}

func (b *LocalBroadcaster) Publish(_ context.Context, ch Change) error {
	b.dispatch(ch)
	return nil
}

func (b *LocalBroadcaster) Subscribe(handler func(Change)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *LocalBroadcaster) dispatch(ch Change) {
	b.mu.RLock()
	handlers := make([]func(Change), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ch)
	}
}

// ChangeChannel is the Redis pub/sub channel used by RedisBroadcaster.
const ChangeChannel = "watch_history_updated"

// RedisBroadcaster shares changes between service instances through Redis pub/sub.
// A single subscription per process fans out to local subscribers.
type RedisBroadcaster struct {
	rdb     *redis.Client
	channel string
	local   *LocalBroadcaster
	log     *slog.Logger
}

// NewRedisBroadcaster creates a broadcaster on the given channel.
func NewRedisBroadcaster(rdb *redis.Client, channel string, log *slog.Logger) *RedisBroadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroadcaster{
		rdb:     rdb,
		channel: channel,
		local:   NewLocalBroadcaster(),
		log:     log,
	}
}

// Start subscribes to the channel and forwards messages until ctx is cancelled.
// It returns once the subscription is confirmed.
func (b *RedisBroadcaster) Start(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ch Change
				if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
					b.log.Warn("dropping malformed history change", "error", err)
					continue
				}
				b.local.dispatch(ch)
			}
		}
	}()

	b.log.Info("history change subscription started", "channel", b.channel)
	return nil
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ch Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(handler func(Change)) func() {
	return b.local.Subscribe(handler)
}
