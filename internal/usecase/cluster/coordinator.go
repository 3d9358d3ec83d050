// Package cluster coordinates several service replicas through Redis: it
// serializes turns per chat across processes and relays realtime events so
// clients connected to any replica see them.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"reskit/internal/domain"
)

// RedisClient abstracts the Redis operations needed by Coordinator.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets the TTL of key only while it holds value.
	CompareAndExpire(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	// Publish publishes a message to a channel.
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe subscribes to a channel. Returns a channel of messages.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	// Close shuts down the client.
	Close() error
}

// EventHandler processes events relayed from other replicas.
type EventHandler func(ctx context.Context, event domain.Event)

// Config holds configuration for the coordinator.
type Config struct {
	NodeID    string
	LockTTL   time.Duration // default: 2m, refreshed while held
	KeyPrefix string        // default: "reskit"
}

// Coordinator implements the cross-replica chat lock and event relay.
type Coordinator struct {
	nodeID  string
	client  RedisClient
	logger  *slog.Logger
	lockTTL time.Duration
	prefix  string

	mu       sync.Mutex
	held     map[string]context.CancelFunc // chat id -> keepalive stop
	stopCh   chan struct{}
	stopOnce sync.Once
}

// envelope tags relayed events with the publishing replica.
type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// New creates a coordinator with the given Redis client.
func New(client RedisClient, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "reskit"
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		client:  client,
		logger:  logger,
		lockTTL: cfg.LockTTL,
		prefix:  cfg.KeyPrefix,
		held:    make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// NodeID returns this replica's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

func (c *Coordinator) lockKey(chatID string) string { return c.prefix + ":chat:lock:" + chatID }

func (c *Coordinator) channel() string { return c.prefix + ":events" }

// AcquireChat tries to take the distributed lock for chatID without
// blocking. While held, the lock's TTL is refreshed in the background.
func (c *Coordinator) AcquireChat(ctx context.Context, chatID string) (bool, error) {
	key := c.lockKey(chatID)
	acquired, err := c.client.SetNX(ctx, key, c.nodeID, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire chat lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	keepCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	if prev, ok := c.held[chatID]; ok {
		prev()
	}
	c.held[chatID] = stop
	c.mu.Unlock()
	go c.keepalive(keepCtx, chatID, key)

	c.logger.Debug("chat lock acquired", "chat_id", chatID, "node", c.nodeID)
	return true, nil
}

func (c *Coordinator) keepalive(ctx context.Context, chatID, key string) {
	ticker := time.NewTicker(c.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			ok, err := c.client.CompareAndExpire(ctx, key, c.nodeID, c.lockTTL)
			if err != nil {
				c.logger.Warn("chat lock refresh failed", "chat_id", chatID, "error", err)
				continue
			}
			if !ok {
				c.logger.Warn("chat lock lost", "chat_id", chatID, "node", c.nodeID)
				return
			}
		}
	}
}

// ReleaseChat releases the lock for chatID if this replica holds it.
func (c *Coordinator) ReleaseChat(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if stop, ok := c.held[chatID]; ok {
		stop()
		delete(c.held, chatID)
	}
	c.mu.Unlock()

	released, err := c.client.CompareAndDelete(ctx, c.lockKey(chatID), c.nodeID)
	if err != nil {
		return fmt.Errorf("release chat lock: %w", err)
	}
	if !released {
		c.logger.Debug("skipping lock release (not owner)", "chat_id", chatID, "node", c.nodeID)
		return nil
	}
	c.logger.Debug("chat lock released", "chat_id", chatID, "node", c.nodeID)
	return nil
}

// PublishEvent relays an event to every other replica.
func (c *Coordinator) PublishEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(envelope{Origin: c.nodeID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.client.Publish(ctx, c.channel(), string(data))
}

// SubscribeEvents delivers events relayed by other replicas to handler.
// Events this replica published are skipped.
func (c *Coordinator) SubscribeEvents(ctx context.Context, handler EventHandler) error {
	ch, err := c.client.Subscribe(ctx, c.channel())
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg), &env); err != nil {
					c.logger.Warn("failed to unmarshal cluster event", "error", err)
					continue
				}
				if env.Origin == c.nodeID {
					continue
				}
				handler(ctx, env.Event)
			}
		}
	}()
	return nil
}

// Relay forwards client-facing events from the local bus to the other
// replicas. Returns the bus unsubscribe function.
func (c *Coordinator) Relay(bus domain.EventBus) func() {
	return bus.SubscribeAll(func(ctx context.Context, event domain.Event) {
		if !event.Type.Client() {
			return
		}
		if err := c.PublishEvent(ctx, event); err != nil {
			c.logger.Warn("cluster relay failed", "event", string(event.Type), "error", err)
		}
	})
}

// Stop halts keepalives and subscriptions and closes the client.
func (c *Coordinator) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		for id, stop := range c.held {
			stop()
			delete(c.held, id)
		}
		c.mu.Unlock()
		err = c.client.Close()
	})
	return err
}
