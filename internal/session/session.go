// Package session manages user and session records: creation, lookup,
// turn appends, expiry, and deletion, backed by a remote key-value
// store with a best-effort local mirror. The Manager is the only
// component that mutates session state.
package session

import (
	"context"
	"strings"
	"time"
)

// User is an identity record created at issuance and immutable after.
type User struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Turn is one query/response pair. Immutable once appended.
type Turn struct {
	Query     string `json:"query"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// Session is a bounded conversation context for one user.
type Session struct {
	SessionID           string `json:"session_id"`
	UserID              string `json:"user_id"`
	ConversationHistory []Turn `json:"conversation_history"`
	CreatedAt           string `json:"created_at"`
}

// Tail returns the last n turns in creation order.
func (s *Session) Tail(n int) []Turn {
	h := s.ConversationHistory
	if len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// UserIDOf extracts the owning user id from a session id. Session ids
// are formed as "<user_id>_<suffix>" where the user id contains no
// underscore.
func UserIDOf(sessionID string) string {
	if i := strings.Index(sessionID, "_"); i > 0 {
		return sessionID[:i]
	}
	return ""
}

// Store is the persistence boundary the Manager talks to. The
// production implementation is Redis; tests substitute a fake.
// Lookups return (nil, nil) or ("", nil) when the record is missing;
// unreachable-store failures carry the transport error class.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID string) (*User, error)

	// PutSession creates or overwrites a session record and refreshes
	// its expiry.
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// SetIndex points the user's reusable-session index at sessionID
	// with the same expiry as the session record.
	SetIndex(ctx context.Context, userID, sessionID string) error
	GetIndex(ctx context.Context, userID string) (string, error)
	ClearIndex(ctx context.Context, userID string) error

	// CountSessions reports how many session records the user currently
	// owns, indexed or not.
	CountSessions(ctx context.Context, userID string) (int, error)
}

// now returns the current time in the serialized timestamp format.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
