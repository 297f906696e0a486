package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coursechat/backend/internal/fault"
)

const (
	// UserPrefix is the key prefix for user hashes.
	UserPrefix = "user:"

	// SessionPrefix is the key prefix for session hashes.
	SessionPrefix = "session:"

	// IndexPrefix is the key prefix for user→session index entries.
	IndexPrefix = "user_session:"
)

// RedisStore is the production Store backed by Redis. Session and
// index records carry the configured TTL; user records do not expire.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// CreateUser writes a new user hash. User records are permanent.
func (s *RedisStore) CreateUser(ctx context.Context, u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("session: marshal user: %w", err)
	}

	err = s.client.HSet(ctx, UserPrefix+u.UserID, map[string]interface{}{
		"data":  string(data),
		"email": u.Email,
		"name":  u.Name,
	}).Err()
	if err != nil {
		return fault.Transport("redis hset user", err)
	}
	return nil
}

// GetUser retrieves a user record. Returns (nil, nil) if not found.
func (s *RedisStore) GetUser(ctx context.Context, userID string) (*User, error) {
	data, err := s.client.HGet(ctx, UserPrefix+userID, "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Transport("redis hget user", err)
	}

	var u User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("session: unmarshal user %s: %w", userID, err)
	}
	return &u, nil
}

// PutSession writes the full session record and refreshes its TTL.
func (s *RedisStore) PutSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal session: %w", err)
	}

	key := SessionPrefix + sess.SessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"data":       string(data),
		"user_id":    sess.UserID,
		"created_at": sess.CreatedAt,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Transport("redis put session", err)
	}
	return nil
}

// GetSession retrieves a session record. Returns (nil, nil) if not
// found or expired.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.HGet(ctx, SessionPrefix+sessionID, "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Transport("redis hget session", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("session: unmarshal session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// DeleteSession removes a session record.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, SessionPrefix+sessionID).Err(); err != nil {
		return fault.Transport("redis del session", err)
	}
	return nil
}

// SetIndex points the user's index entry at sessionID with the session TTL.
func (s *RedisStore) SetIndex(ctx context.Context, userID, sessionID string) error {
	if err := s.client.Set(ctx, IndexPrefix+userID, sessionID, s.ttl).Err(); err != nil {
		return fault.Transport("redis set index", err)
	}
	return nil
}

// GetIndex returns the indexed session id for a user, or "" if none.
func (s *RedisStore) GetIndex(ctx context.Context, userID string) (string, error) {
	sid, err := s.client.Get(ctx, IndexPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fault.Transport("redis get index", err)
	}
	return sid, nil
}

// ClearIndex removes the user's index entry.
func (s *RedisStore) ClearIndex(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, IndexPrefix+userID).Err(); err != nil {
		return fault.Transport("redis del index", err)
	}
	return nil
}

// CountSessions counts the user's live session records by scanning
// for the session-id prefix all of them share.
func (s *RedisStore) CountSessions(ctx context.Context, userID string) (int, error) {
	var (
		count  int
		cursor uint64
	)
	match := SessionPrefix + userID + "_*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return 0, fault.Transport("redis scan sessions", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// EnsureTTLs walks all session records and applies the configured TTL
// to any that lack one. Returns the number of records normalized. The
// cleanup sweeper calls this to repair records written without expiry.
func (s *RedisStore) EnsureTTLs(ctx context.Context) (int, error) {
	var (
		fixed  int
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, SessionPrefix+"*", 100).Result()
		if err != nil {
			return fixed, fault.Transport("redis scan sessions", err)
		}
		for _, key := range keys {
			ttl, err := s.client.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			// -1 means the key exists with no expiry set.
			if ttl == -1 {
				if err := s.client.Expire(ctx, key, s.ttl).Err(); err == nil {
					fixed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return fixed, nil
		}
	}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying Redis client for components that share
// the connection (rate limiter).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
