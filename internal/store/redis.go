package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed KV adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisKV implements KV against a Redis instance, mirroring the
// connection-check-then-subscribe pattern common to Redis client wrappers.
type RedisKV struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisKV pings Redis with a bounded timeout before returning, so
// misconfiguration fails fast at startup rather than on first request.
func NewRedisKV(cfg RedisConfig) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}

	slog.Info("redis kv store connected", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisKV{client: client, subs: make(map[string]*redis.PubSub)}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		r.client.Expire(ctx, key, ttl)
	}
	return n, nil
}

func (r *RedisKV) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Subscribe opens a dedicated pub/sub connection per topic, matching the
// one-subscription-per-channel pattern.
func (r *RedisKV) Subscribe(ctx context.Context, channel string) (<-chan string, func()) {
	ps := r.client.Subscribe(ctx, channel)

	r.mu.Lock()
	r.subs[channel] = ps
	r.mu.Unlock()

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- msg.Payload:
			default:
				slog.Warn("redis kv subscriber dropped message", "channel", channel)
			}
		}
	}()

	cancel := func() {
		_ = ps.Close()
		r.mu.Lock()
		delete(r.subs, channel)
		r.mu.Unlock()
	}
	return out, cancel
}

func (r *RedisKV) Close() error {
	r.mu.Lock()
	for _, ps := range r.subs {
		_ = ps.Close()
	}
	r.mu.Unlock()
	return r.client.Close()
}
