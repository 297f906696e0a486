// Package sweep runs the background loop that reaps sessions whose
// connection died without a clean disconnect, and re-applies missing
// expiries on store records.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/coursechat/backend/internal/conn"
	"github.com/coursechat/backend/internal/metrics"
)

// DefaultInterval is how often the sweeper scans the registry.
const DefaultInterval = 60 * time.Second

// Deleter is the slice of the session manager the sweeper needs.
type Deleter interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// TTLEnforcer re-applies expiries to store records that lost theirs.
// Optional; the Redis store implements it.
type TTLEnforcer interface {
	EnsureTTLs(ctx context.Context) (int, error)
}

// Sweeper periodically scans the connection registry and deletes
// sessions whose transport is no longer alive.
type Sweeper struct {
	sessions Deleter
	registry *conn.Registry
	ttls     TTLEnforcer // nil skips the TTL pass

	interval time.Duration
	onDelete func(sessionID string) // nil-able hook for dependent caches
}

// New creates a Sweeper. interval <= 0 selects DefaultInterval.
func New(sessions Deleter, registry *conn.Registry, ttls TTLEnforcer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		sessions: sessions,
		registry: registry,
		ttls:     ttls,
		interval: interval,
	}
}

// OnDelete registers a hook invoked after each swept session, used to
// drop per-session caches held elsewhere.
func (s *Sweeper) OnDelete(fn func(sessionID string)) {
	s.onDelete = fn
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[sweep] loop started, interval %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[sweep] loop stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: dead connections first, then the store TTL
// check. A failed deletion is logged and retried naturally on the next
// pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	swept := 0
	for sessionID, h := range s.registry.Snapshot() {
		if h.Alive() {
			continue
		}
		if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
			log.Printf("[sweep] delete %s failed: %v", sessionID, err)
			continue
		}
		if s.onDelete != nil {
			s.onDelete(sessionID)
		}
		metrics.SessionsSwept.Inc()
		swept++
	}
	if swept > 0 {
		log.Printf("[sweep] reaped %d dead sessions", swept)
	}

	if s.ttls != nil {
		fixed, err := s.ttls.EnsureTTLs(ctx)
		if err != nil {
			log.Printf("[sweep] ttl pass failed: %v", err)
		} else if fixed > 0 {
			log.Printf("[sweep] restored expiry on %d records", fixed)
		}
	}
	return swept
}
