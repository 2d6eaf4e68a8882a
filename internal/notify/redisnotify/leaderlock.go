package redisnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderLock is a SETNX-based distributed mutex, used to elect a
// single instance for maintenance work (e.g. one-time schema setup) that must
// not run concurrently across a fleet. Grounded on the same
// check-and-delete/check-and-extend Lua pattern used for Redis-backed
// locking elsewhere in the corpus.
type LeaderLock struct {
	client     *redis.Client
	key        string
	instanceID string
}

// NewLeaderLock constructs a LeaderLock scoped to key, identifying
// itself as instanceID when it holds the lock.
func NewLeaderLock(client *redis.Client, key, instanceID string) *LeaderLock {
	return &LeaderLock{client: client, key: key, instanceID: instanceID}
}

// Acquire attempts to become leader for ttl. Returns false if another
// instance already holds the lock.
func (l *LeaderLock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leaderlock: acquire: %w", err)
	}
	return ok, nil
}

// Renew extends the TTL if this instance still holds the lock.
func (l *LeaderLock) Renew(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.instanceID, ttl.Milliseconds()).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("leaderlock: renew: %w", err)
	}
	return nil
}

// Release gives up leadership if this instance still holds it.
func (l *LeaderLock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.instanceID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("leaderlock: release: %w", err)
	}
	return nil
}

// IsLeader reports whether this instance currently holds the lock.
func (l *LeaderLock) IsLeader(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leaderlock: get: %w", err)
	}
	return val == l.instanceID, nil
}
