package retention

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "custodia/pkg/domain-errors"
)

// RunLock makes a scheduled run idempotent per period: the first claimant of
// a period performs the run, later claimants skip it.
type RunLock interface {
	Claim(ctx context.Context, period string) (bool, error)
}

// RedisRunLock claims a period with SETNX so sweeps on multiple instances do
// not double-process. Claims expire after two days, well past any period.
type RedisRunLock struct {
	client *redis.Client
}

const runLockTTL = 48 * time.Hour

func NewRedisRunLock(client *redis.Client) *RedisRunLock {
	return &RedisRunLock{client: client}
}

func (l *RedisRunLock) Claim(ctx context.Context, period string) (bool, error) {
	ok, err := l.client.SetNX(ctx, "custodia:retention:run:"+period, "claimed", runLockTTL).Result()
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeStorage, "claim retention run lock")
	}
	return ok, nil
}

// MemoryRunLock is the single-process RunLock used in tests and local runs.
type MemoryRunLock struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func NewMemoryRunLock() *MemoryRunLock {
	return &MemoryRunLock{claimed: make(map[string]bool)}
}

func (l *MemoryRunLock) Claim(_ context.Context, period string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimed[period] {
		return false, nil
	}
	l.claimed[period] = true
	return true, nil
}
