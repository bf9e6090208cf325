package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process holds the job lock
var ErrLockHeld = errors.New("job lock held by another process")

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLock is a cross-process mutex for scheduled jobs. A nil client disables
// locking, which is only safe with a single instance.
type JobLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJobLock creates a job lock
func NewJobLock(client *redis.Client, ttl time.Duration) *JobLock {
	return &JobLock{client: client, ttl: ttl}
}

// Acquire takes the lock for name and returns its release func
func (l *JobLock) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}

	key := fmt.Sprintf("job_lock:%s", name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
