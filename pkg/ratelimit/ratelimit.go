package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter keyed by user.
// Each distinct per-minute limit gets its own store over the same redis client.
type Limiter struct {
	defaultLimit int64
	newStore     func(limit int64) extratelimit.Limiter

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int64) *Limiter {
	return &Limiter{
		defaultLimit: requestsPerMinute,
		newStore: func(limit int64) extratelimit.Limiter {
			return extratelimit.NewRedisStore(rdb,
				extratelimit.WithLimit(int(limit)),
				extratelimit.WithWindow(time.Minute),
			)
		},
		stores: make(map[int64]extratelimit.Limiter),
	}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{
		newStore: func(int64) extratelimit.Limiter { return store },
		stores:   make(map[int64]extratelimit.Limiter),
	}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

func (l *Limiter) store(limit int64) extratelimit.Limiter {
	if limit <= 0 {
		limit = l.defaultLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[limit]
	if !ok {
		s = l.newStore(limit)
		l.stores[limit] = s
	}
	return s
}

// Allow counts one request against userID's window. A limit of 0 uses the
// service default.
func (l *Limiter) Allow(ctx context.Context, userID string, limit int64) (bool, error) {
	res, err := l.store(limit).Allow(ctx, key(userID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
