// Package ratelimit throttles client actions with the Redis INCR plus
// EXPIRE window counter. Checks fail open: a store outage must not
// block legitimate traffic.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy: key prefix, window size, and the
// maximum count allowed inside the window.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleQuery bounds queries per session to 30 per minute.
	RuleQuery = Rule{Key: "rl:query:", Limit: 30, Window: time.Minute}

	// RuleLogin bounds login attempts per identity to 10 per minute.
	RuleLogin = Rule{Key: "rl:login:", Limit: 10, Window: time.Minute}

	// RuleConnect bounds WebSocket connections per user to 5 per minute.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: time.Minute}
)

// Limiter performs window-counter checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter on an existing Redis client. The client
// is shared with the session store.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether the identifier may perform another action under
// the rule. The counter increments on every call; the first increment
// of a window sets its expiry. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] incr %s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] expire %s: %v (failing open)", key, err)
			// Without an expiry the counter would throttle forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining reports how many actions the identifier has left in the
// current window. A missing counter means a fresh window.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] get %s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
