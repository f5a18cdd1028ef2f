package scope

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// FrequencyChecker limits how often a user may exercise a permission type.
// Transaction history lives with collaborators; the engine only defines this
// contract and treats absence of history as allowed.
type FrequencyChecker interface {
	// Allow reports whether one more action is permitted right now.
	// The reason is only meaningful when allowed is false.
	Allow(ctx context.Context, userID string, permType contracts.PermissionType) (allowed bool, reason string, err error)
}

// NoopChecker always allows. Used when no history source is wired.
type NoopChecker struct{}

func (NoopChecker) Allow(context.Context, string, contracts.PermissionType) (bool, string, error) {
	return true, "", nil
}

// LocalChecker is an in-process token-bucket frequency limiter keyed by
// (user, permission type). Suitable for single-node deployments and tests;
// multi-node deployments should use the Redis checker.
type LocalChecker struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLocalChecker allows perHour actions with the given burst.
func NewLocalChecker(perHour int, burst int) *LocalChecker {
	return &LocalChecker{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perHour) / 3600.0),
		burst:    burst,
	}
}

func (c *LocalChecker) Allow(ctx context.Context, userID string, permType contracts.PermissionType) (bool, string, error) {
	_ = ctx
	key := userID + ":" + string(permType)

	c.mu.Lock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(c.limit, c.burst)
		c.limiters[key] = lim
	}
	c.mu.Unlock()

	if lim.Allow() {
		return true, "", nil
	}
	return false, fmt.Sprintf("action frequency limit reached for %s", permType), nil
}
