package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaderLock elects one instance to run background sweeps, with SET NX plus a
// TTL so a crashed holder frees the lock on its own. Release only deletes the
// key when this instance still owns it.
type LeaderLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewLeaderLock(client *redis.Client, key string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	// Refresh when we already hold it so a live leader keeps leading.
	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil || current != l.token {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", l.key, err)
	}
	return true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (l *LeaderLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
