package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld        = errors.New("lock_held")
	ErrLockUnavailable = errors.New("lock_unavailable")
)

// Compare-and-delete so an expired holder cannot free a lock that was
// meanwhile taken by someone else.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out single-holder leases backed by Redis SET NX.
type Locker struct {
	client *redis.Client
}

// Lease is one successful acquisition. Release is a no-op once the key has
// expired or moved to another holder.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Acquire returns ErrLockHeld when another holder owns key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockUnavailable
	}
	if key == "" || ttl <= 0 {
		return nil, errors.New("lock key and positive ttl are required")
	}

	lease := &Lease{client: l.client, key: key, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Do runs fn while holding key. It reports false, without error, when the
// lock is held elsewhere.
func (l *Locker) Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	lease, err := l.Acquire(ctx, key, ttl)
	if errors.Is(err, ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()
	return true, fn(ctx)
}
