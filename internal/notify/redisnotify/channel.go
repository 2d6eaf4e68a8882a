// Package redisnotify implements repository.NotificationChannel over
// Redis pub/sub, grounded on the SETNX/Lua check-and-delete locking
// pattern used elsewhere in the example corpus for coordinating
// multiple worker processes through Redis.
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/repository"
	"github.com/redis/go-redis/v9"
)

// BackoffOptions configures the reconnect policy from spec §4.4:
// exponential backoff with a cap and an attempt ceiling.
type BackoffOptions struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = unlimited
}

func (o BackoffOptions) withDefaults() BackoffOptions {
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	return o
}

// nextDelay computes the exponential backoff for the given 1-indexed
// attempt number, capped at MaxDelay.
func (o BackoffOptions) nextDelay(attempt int) time.Duration {
	delay := o.InitialDelay * time.Duration(1<<uint(attempt-1))
	if delay > o.MaxDelay || delay <= 0 {
		delay = o.MaxDelay
	}
	return delay
}

// Channel is a repository.NotificationChannel backed by a Redis
// pub/sub channel. All instances publish and subscribe to the same
// channel name.
type Channel struct {
	client      *redis.Client
	channelName string
	backoff     BackoffOptions
	logger      *slog.Logger

	mu      sync.RWMutex
	state   repository.ChannelState
	subs    []func(repository.Event)
	cancel  context.CancelFunc
	pubsub  *redis.PubSub
	stopped chan struct{}
}

// New constructs a Channel. Call Connect to start receiving events.
func New(client *redis.Client, channelName string, backoff BackoffOptions, logger *slog.Logger) *Channel {
	return &Channel{
		client:      client,
		channelName: channelName,
		backoff:     backoff.withDefaults(),
		logger:      logger.With("component", "redisnotify"),
		state:       repository.StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() repository.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s repository.ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect subscribes to the Redis channel and starts the receive loop,
// reconnecting with exponential backoff on failure.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("redisnotify: already connected")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.mu.Unlock()

	c.setState(repository.StateConnecting)

	pubsub := c.client.Subscribe(ctx, c.channelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		c.setState(repository.StateError)
		return fmt.Errorf("redisnotify: subscribe: %w", err)
	}

	c.mu.Lock()
	c.pubsub = pubsub
	c.mu.Unlock()
	c.setState(repository.StateConnected)

	go c.receiveLoop(ctx)
	return nil
}

// Disconnect tears down the subscription.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	pubsub := c.pubsub
	c.cancel = nil
	c.pubsub = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	c.setState(repository.StateDisconnected)
	return nil
}

// Publish broadcasts event to every subscriber, local and remote.
func (c *Channel) Publish(event repository.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redisnotify: marshal event: %w", err)
	}
	if err := c.client.Publish(context.Background(), c.channelName, payload).Err(); err != nil {
		return fmt.Errorf("redisnotify: publish: %w", err)
	}
	return nil
}

// Subscribe registers a local handler for incoming events.
func (c *Channel) Subscribe(handler func(repository.Event)) repository.Unsubscribe {
	c.mu.Lock()
	idx := len(c.subs)
	c.subs = append(c.subs, handler)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.subs) {
			c.subs[idx] = nil
		}
	}
}

func (c *Channel) receiveLoop(ctx context.Context) {
	defer close(c.stopped)

	attempt := 0
	for {
		c.mu.RLock()
		pubsub := c.pubsub
		c.mu.RUnlock()
		if pubsub == nil {
			return
		}

		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("redis pub/sub receive failed, reconnecting", "error", err)
			if !c.reconnect(ctx, &attempt) {
				return
			}
			continue
		}
		attempt = 0

		var ev repository.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			c.logger.Warn("dropping malformed notification payload", "error", err)
			continue
		}
		if ev.V != repository.WireVersion {
			continue
		}

		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev repository.Event) {
	c.mu.RLock()
	handlers := make([]func(repository.Event), 0, len(c.subs))
	for _, h := range c.subs {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		safeInvoke(h, ev)
	}
}

func safeInvoke(handler func(repository.Event), ev repository.Event) {
	defer func() { _ = recover() }()
	handler(ev)
}

// reconnect retries Subscribe with exponential backoff, honoring
// MaxAttempts. Returns false once exhausted or ctx is cancelled.
func (c *Channel) reconnect(ctx context.Context, attempt *int) bool {
	c.setState(repository.StateReconnecting)

	for {
		*attempt++
		if c.backoff.MaxAttempts > 0 && *attempt > c.backoff.MaxAttempts {
			c.setState(repository.StateError)
			return false
		}

		delay := c.backoff.nextDelay(*attempt)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		pubsub := c.client.Subscribe(ctx, c.channelName)
		if _, err := pubsub.Receive(ctx); err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", *attempt, "error", err)
			_ = pubsub.Close()
			continue
		}

		c.mu.Lock()
		c.pubsub = pubsub
		c.mu.Unlock()
		c.setState(repository.StateConnected)
		return true
	}
}
