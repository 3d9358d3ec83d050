package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"reskit/internal/infra/config"
	"reskit/internal/usecase/cluster"
)

// Lock release and refresh must only touch a key this replica still owns.
var (
	compareAndDelete = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	compareAndExpire = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// redisAdapter wraps a go-redis client to implement cluster.RedisClient.
type redisAdapter struct {
	client *goredis.Client
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *redisAdapter) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, value).Int()
	return n == 1, err
}

func (r *redisAdapter) CompareAndExpire(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, r.client, []string{key}, value, expiration.Milliseconds()).Int()
	return n == 1, err
}

func (r *redisAdapter) Publish(ctx context.Context, channel string, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *redisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *redisAdapter) Close() error {
	return r.client.Close()
}

// initCluster connects to Redis when clustering is enabled. A nil
// coordinator means single-replica mode.
func initCluster(cfg config.ClusterConfig, log *slog.Logger) (*cluster.Coordinator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cluster redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cluster redis ping: %w", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	log.Info("cluster mode enabled", "node_id", nodeID, "lock_ttl", cfg.LockTTL)
	return cluster.New(&redisAdapter{client: client}, cluster.Config{
		NodeID:  nodeID,
		LockTTL: cfg.LockTTL,
	}, log), nil
}
