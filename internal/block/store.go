// Package block provides temporary user blocks backed by Redis, with
// escalating durations for repeat content-gate offenders. Block records
// are plain key-value pairs whose TTL is the block duration:
//
//	Key:   block:<user_id>
//	Value: <reason>
//	TTL:   block duration
package block

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BlockPrefix is the Redis key prefix for block records.
	BlockPrefix = "block:"

	// OffensesPrefix is the Redis key prefix for offense counters.
	OffensesPrefix = "offenses:"

	// Escalating block durations.
	Block15Min  = 15 * time.Minute // threshold reached
	Block1Hour  = 1 * time.Hour    // one more offense while counted
	Block24Hour = 24 * time.Hour   // persistent offender

	// OffensesTTL is how long the offense counter lives without new
	// offenses before resetting to zero.
	OffensesTTL = 24 * time.Hour

	// Threshold is the number of gated queries within OffensesTTL that
	// triggers the first block.
	Threshold = 3
)

// Store manages block records and offense counters in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store on an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBlocked reports whether the user is currently blocked, with the
// remaining seconds and the recorded reason. Store errors surface so
// callers can choose their policy; the server fails open.
func (s *Store) IsBlocked(ctx context.Context, userID string) (bool, int, string, error) {
	key := BlockPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The block exists but the TTL read failed. Report blocked with
		// zero remaining rather than letting the user through.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// RecordOffense increments the user's offense counter and applies a
// block once the threshold is reached. The counter's TTL is set on the
// first increment so the window does not slide. Returns whether a
// block was applied and for how long.
func (s *Store) RecordOffense(ctx context.Context, userID, reason string) (bool, time.Duration, error) {
	key := OffensesPrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("block: offense incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("block: offense expire: %w", err)
		}
	}

	if count < Threshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.client.Set(ctx, BlockPrefix+userID, reason, duration).Err(); err != nil {
		return false, 0, fmt.Errorf("block: set: %w", err)
	}
	return true, duration, nil
}

// Unblock lifts a block immediately.
func (s *Store) Unblock(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BlockPrefix+userID).Err()
}

// escalationDuration maps the offense count past the threshold to a
// block duration.
func escalationDuration(count int) time.Duration {
	switch {
	case count <= Threshold:
		return Block15Min
	case count == Threshold+1:
		return Block1Hour
	default:
		return Block24Hour
	}
}
