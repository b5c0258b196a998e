// Package ratelimit enforces the per-owner minimum interval between accepted
// location updates.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits at most one event per key per interval. When an event is
// refused, wait is how long until the key's window reopens.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (ok bool, wait time.Duration, err error)
}

// Memory is a single-process limiter driven by the caller's clock.
type Memory struct {
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemory(interval time.Duration) *Memory {
	return &Memory{Interval: interval, last: map[string]time.Time{}}
}

func (m *Memory) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	if m.Interval <= 0 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[key]; ok {
		if elapsed := now.Sub(prev); elapsed < m.Interval {
			return false, m.Interval - elapsed, nil
		}
	}
	m.last[key] = now
	return true, 0, nil
}

// Forget drops the key's window, used when an owner disconnects.
func (m *Memory) Forget(key string) {
	m.mu.Lock()
	delete(m.last, key)
	m.mu.Unlock()
}

// Redis shares windows across dispatch-api replicas. A window is a key set
// with NX and a PX expiry equal to the interval, so it runs on the Redis
// server's clock rather than the caller's.
type Redis struct {
	Client   *redis.Client
	Interval time.Duration
	Prefix   string
}

func NewRedis(rc *redis.Client, interval time.Duration) *Redis {
	return &Redis{Client: rc, Interval: interval, Prefix: "dispatch:ratelimit"}
}

func (r *Redis) Key(key string) string {
	return fmt.Sprintf("%s:%s", r.Prefix, key)
}

func (r *Redis) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	if r.Interval <= 0 {
		return true, 0, nil
	}
	k := r.Key(key)
	ok, err := r.Client.SetNX(ctx, k, 1, r.Interval).Result()
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}
	ttl, err := r.Client.PTTL(ctx, k).Result()
	if err == redis.Nil || ttl < 0 {
		return false, r.Interval, nil
	}
	if err != nil {
		return false, 0, err
	}
	return false, ttl, nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rc, nil
}
