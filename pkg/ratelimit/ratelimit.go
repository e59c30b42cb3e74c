package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a per-provider tokens-per-minute window shared by every router
// process pointing at the same Redis, built on github.com/vnmchuo/ratelimiter.
type Limiter struct {
	stores map[string]extratelimit.Limiter
}

// NewLimiter creates one Redis-backed store per provider with a positive
// tokens-per-minute limit.
func NewLimiter(rdb *redis.Client, tpm map[string]int) *Limiter {
	stores := make(map[string]extratelimit.Limiter, len(tpm))
	for name, limit := range tpm {
		if limit <= 0 {
			continue
		}
		stores[name] = extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(limit),
			extratelimit.WithWindow(time.Minute),
		)
	}
	return &Limiter{stores: stores}
}

func NewTestLimiter(stores map[string]extratelimit.Limiter) *Limiter {
	return &Limiter{stores: stores}
}

func key(providerName string) string {
	return fmt.Sprintf("ratelimit:provider:%s", providerName)
}

// Check reports whether the provider's shared window has room left. It
// consumes nothing. Providers without a store are not limited here.
func (l *Limiter) Check(ctx context.Context, providerName string) (bool, error) {
	store, ok := l.stores[providerName]
	if !ok {
		return true, nil
	}
	res, err := store.Status(ctx, key(providerName))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Charge records tokens a settled call actually used. A window that is
// already full still counts as charged; admission is where limits apply.
func (l *Limiter) Charge(ctx context.Context, providerName string, tokens int) error {
	store, ok := l.stores[providerName]
	if !ok || tokens <= 0 {
		return nil
	}
	if _, err := store.AllowN(ctx, key(providerName), tokens); err != nil {
		return fmt.Errorf("charge shared window for %s: %w", providerName, err)
	}
	return nil
}
