package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/robosats-go/trading-core/pkg/cache"
)

const (
	orderLockPrefix = "trade:lock:"
	orderLockTTL    = 5 * time.Second
	lockRetryDelay  = 50 * time.Millisecond
	lockRetryLimit  = 20
)

// OrderLocker serializes the "read state -> check legality -> mutate
// payment -> mutate order -> commit" critical section of each order
// operation. The orchestrator depends on this narrow interface rather
// than on pkg/cache directly, so tests can substitute an in-memory lock.
type OrderLocker interface {
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}

// RedisOrderLocker is the production OrderLocker: a SetNX lease with a
// short bounded retry, since an order's critical section is expected to
// be brief.
type RedisOrderLocker struct{}

func (RedisOrderLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	key := orderLockPrefix + orderID
	for attempt := 0; attempt < lockRetryLimit; attempt++ {
		acquired, err := cache.SetNX(ctx, key, "locked", orderLockTTL)
		if err != nil {
			return nil, fmt.Errorf("trade: failed to acquire order lock: %w", err)
		}
		if acquired {
			return func() { cache.Delete(context.Background(), key) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	return nil, fmt.Errorf("trade: order %s is locked by another operation", orderID)
}
