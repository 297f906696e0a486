package session

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/coursechat/backend/internal/conn"
	"github.com/coursechat/backend/internal/fault"
	"github.com/coursechat/backend/internal/metrics"
	"github.com/coursechat/backend/internal/mirror"
	"github.com/coursechat/backend/internal/retry"
)

// TurnMirror is the backup mirror boundary. Mirror failures never fail
// the operation that triggered them.
type TurnMirror interface {
	Append(sessionID, userID string, e mirror.Entry) error
	Remove(sessionID, userID string) error
}

// Manager orchestrates session lifecycle across the remote store, the
// in-process connection registry, and the backup mirror.
type Manager struct {
	store    Store
	registry *conn.Registry
	mirror   TurnMirror // nil disables mirroring
	retry    retry.Policy

	// locks serializes read-modify-write cycles per session id, so a
	// concurrently appended turn cannot be lost. Entries live as long
	// as the session.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a Manager from its collaborators. The mirror may be
// nil to disable local backups.
func NewManager(store Store, registry *conn.Registry, m TurnMirror) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		mirror:   m,
		retry:    retry.DefaultPolicy(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// CreateUser writes a new user record and returns its id. Transient
// store failures are retried with bounded exponential backoff before
// the error surfaces.
func (m *Manager) CreateUser(ctx context.Context, email, name string) (string, error) {
	u := &User{
		UserID:    uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: now(),
	}

	err := m.retry.Do(ctx, "create user", func() error {
		return m.store.CreateUser(ctx, u)
	})
	if err != nil {
		return "", err
	}

	log.Printf("[session] created user %s for %s", u.UserID, email)
	return u.UserID, nil
}

// GetUser retrieves a user record.
func (m *Manager) GetUser(ctx context.Context, userID string) (*User, error) {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fault.NotFound("user", userID)
	}
	return u, nil
}

// CreateSession always creates a fresh session record. When a
// connection handle is supplied it is registered under the new session
// id and the session stays unindexed (one session per live
// connection); connectionless sessions become the user's indexed,
// reusable session.
func (m *Manager) CreateSession(ctx context.Context, userID string, h conn.Handle) (string, error) {
	sess := &Session{
		SessionID:           userID + "_" + uuid.New().String(),
		UserID:              userID,
		ConversationHistory: []Turn{},
		CreatedAt:           now(),
	}

	if err := m.store.PutSession(ctx, sess); err != nil {
		return "", err
	}

	if h != nil {
		m.registry.Add(sess.SessionID, h)
	} else if err := m.store.SetIndex(ctx, userID, sess.SessionID); err != nil {
		return "", err
	}

	log.Printf("[session] created session %s for user %s", sess.SessionID, userID)
	return sess.SessionID, nil
}

// GetSession retrieves a session or reports not-found.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fault.NotFound("session", sessionID)
	}
	return sess, nil
}

// GetOrCreateSession returns a session id for the user. With a
// connection each call isolates into a fresh session; without one the
// indexed session is reused while it still exists in the store.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID string, h conn.Handle) (string, error) {
	if h != nil {
		return m.CreateSession(ctx, userID, h)
	}

	sid, err := m.store.GetIndex(ctx, userID)
	if err != nil {
		return "", err
	}
	if sid != "" {
		sess, err := m.store.GetSession(ctx, sid)
		if err != nil {
			return "", err
		}
		if sess != nil {
			return sid, nil
		}
		// Index points at an expired record; fall through and recreate.
	}
	return m.CreateSession(ctx, userID, nil)
}

// UpdateSession appends one turn to the session, refreshes its expiry,
// and mirrors the turn locally. Updates to the same session id are
// serialized; without that, two concurrent read-modify-write cycles
// would silently drop one of the appended turns. Mirror failures are
// logged and non-fatal.
func (m *Manager) UpdateSession(ctx context.Context, sessionID, query, response string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		// The record expired in the store; its lock entry would
		// otherwise outlive it.
		m.dropLock(sessionID)
		return fault.NotFound("session", sessionID)
	}

	turn := Turn{Query: query, Response: response, Timestamp: now()}
	sess.ConversationHistory = append(sess.ConversationHistory, turn)

	if err := m.store.PutSession(ctx, sess); err != nil {
		return err
	}

	if m.mirror != nil {
		e := mirror.Entry{Query: turn.Query, Response: turn.Response, Timestamp: turn.Timestamp}
		if err := m.mirror.Append(sessionID, sess.UserID, e); err != nil {
			metrics.MirrorFailures.Inc()
			log.Printf("[session] mirror append for %s failed (%v): %v", sessionID, fault.ErrPartialWrite, err)
		}
	}
	return nil
}

// DeleteSession removes the session from the store, the registry, and
// the mirror. The user's index entry is cleared only when this was the
// user's last remaining session.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	userID := UserIDOf(sessionID)
	if sess, err := m.store.GetSession(ctx, sessionID); err == nil && sess != nil {
		userID = sess.UserID
	}

	if userID != "" {
		remaining, err := m.store.CountSessions(ctx, userID)
		if err != nil {
			return err
		}
		if remaining <= 1 {
			if err := m.store.ClearIndex(ctx, userID); err != nil {
				return err
			}
		}
	}

	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	m.registry.Remove(sessionID)

	if m.mirror != nil {
		if err := m.mirror.Remove(sessionID, userID); err != nil {
			metrics.MirrorFailures.Inc()
			log.Printf("[session] mirror remove for %s failed: %v", sessionID, err)
		}
	}

	m.dropLock(sessionID)
	log.Printf("[session] deleted session %s", sessionID)
	return nil
}

// Registry exposes the connection registry for the transport layer.
func (m *Manager) Registry() *conn.Registry {
	return m.registry
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

func (m *Manager) dropLock(sessionID string) {
	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()
}
