package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kuitang/catatan/internal/notes"
	"github.com/kuitang/catatan/internal/obs"
)

const envelopeVersion = 1

type envelope struct {
	Version int          `json:"v"`
	Change  notes.Change `json:"change"`
}

// RedisBridge publishes changes to a Redis channel and relays everything
// received on it into the local hub, so every instance sees every change.
// Delivery is at least once; consumers apply changes idempotently.
type RedisBridge struct {
	rc      *redis.Client
	channel string
	hub     *Hub
	retry   time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBridge relays channel into hub.
func NewRedisBridge(rc *redis.Client, channel string, hub *Hub) *RedisBridge {
	return &RedisBridge{
		rc:      rc,
		channel: channel,
		hub:     hub,
		retry:   time.Second,
		ready:   make(chan struct{}),
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Publish sends c to every instance. If Redis refuses it the change is
// still delivered to this instance's subscribers.
func (b *RedisBridge) Publish(ctx context.Context, c notes.Change) error {
	payload, err := json.Marshal(envelope{Version: envelopeVersion, Change: c})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := b.rc.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.hub.Publish(ctx, c)
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Run relays messages until ctx is cancelled, resubscribing after failures.
func (b *RedisBridge) Run(ctx context.Context) error {
	logger := obs.Pkg("realtime")
	for {
		err := b.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("realtime.redis_subscription_lost", "channel", b.channel, "error", err, "retry_in", b.retry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retry):
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context) error {
	sub := b.rc.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	logger := obs.Pkg("realtime")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Error("realtime.bad_payload", "error", err)
				continue
			}
			if env.Version != envelopeVersion || env.Change.Note.UserID == "" {
				logger.Warn("realtime.unknown_envelope", "version", env.Version)
				continue
			}
			b.hub.Publish(ctx, env.Change)
		}
	}
}
