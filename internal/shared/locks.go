package shared

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LedgerReconcileLockKey guards the reconciliation sweep across processes.
const LedgerReconcileLockKey = "ledger:reconcile:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out expiring Redis locks.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs Locker. ttl bounds how long a crashed owner blocks others.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Lock is an acquired lock.
type Lock struct {
	key   string
	token string
	l     *Locker
}

// Acquire takes key or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{key: key, token: token, l: l}, nil
}

// Release drops the lock if it is still owned by the caller.
func (k *Lock) Release(ctx context.Context) error {
	if k == nil {
		return nil
	}
	return releaseScript.Run(ctx, k.l.client, []string{k.key}, k.token).Err()
}
