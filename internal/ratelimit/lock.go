package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lock keys owned by the billing substrate. Both locks are advisory: holders
// degrade to process-local exclusion when redis is not configured.
const (
	// SyncApplyLockKey serializes pricing sync applies across instances.
	SyncApplyLockKey = "pricing:sync:apply"
	// SyncScheduleLockKey elects the instance that runs a scheduled sync.
	SyncScheduleLockKey = "pricing:sync:schedule"
)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLockKeyEmpty      = errors.New("lock key is empty")
	ErrLockTTLInvalid    = errors.New("lock ttl must be positive")
)

// releaseScript deletes the key only while it still holds the caller's token,
// so a holder whose lease expired cannot drop a successor's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out TTL-bounded leases on redis keys.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

// TryLock attempts to take the lease without blocking. The returned token
// identifies this holder and must be passed back to Release.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLockNotConfigured
	}
	if key == "" {
		return "", false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, ErrLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release gives the lease back early. Releasing a lease that already expired
// or was never held is a no-op.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}
