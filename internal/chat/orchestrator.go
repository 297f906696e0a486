// Package chat drives a conversation turn end to end: validation,
// content screening, context windowing, answer dispatch (direct or
// relayed), and session update. Both the WebSocket loop and the HTTP
// chat endpoint run their turns through the same Orchestrator.
package chat

import (
	"context"
	"log"
	"time"

	"github.com/coursechat/backend/internal/config"
	"github.com/coursechat/backend/internal/gate"
	"github.com/coursechat/backend/internal/generate"
	"github.com/coursechat/backend/internal/metrics"
	"github.com/coursechat/backend/internal/protocol"
	"github.com/coursechat/backend/internal/relay"
	"github.com/coursechat/backend/internal/session"
)

// Auditor records content-gate hits. A nil Auditor disables auditing;
// failures never affect the turn.
type Auditor interface {
	RecordFlagged(ctx context.Context, userID, sessionID, query string) error
}

// Blocker tracks repeat offenders and applies temporary blocks. Checks
// fail open on store errors.
type Blocker interface {
	IsBlocked(ctx context.Context, userID string) (blocked bool, remainingSeconds int, reason string, err error)
	RecordOffense(ctx context.Context, userID, reason string) (applied bool, duration time.Duration, err error)
}

// BlockedResponse is returned verbatim while a user is blocked.
const BlockedResponse = "You are temporarily blocked for repeated offensive language. Please try again later."

// Options tunes the turn pipeline.
type Options struct {
	Dispatch     config.Dispatch // direct | relayed
	ContextTurns int             // trailing store turns used to seed a cold window
	WindowSize   int             // rolling window size, in role/content entries
}

// Orchestrator binds the turn pipeline's collaborators together.
type Orchestrator struct {
	sessions *session.Manager
	gate     gate.Gate
	gen      generate.Generator
	relay    *relay.Client // required for relayed dispatch
	audit    Auditor
	blocker  Blocker
	window   *History
	opts     Options
}

// New wires an Orchestrator. The relay client may be nil when dispatch
// is direct; the auditor may always be nil.
func New(sessions *session.Manager, g gate.Gate, gen generate.Generator, rc *relay.Client, audit Auditor, opts Options) *Orchestrator {
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 5
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 20
	}
	return &Orchestrator{
		sessions: sessions,
		gate:     g,
		gen:      gen,
		relay:    rc,
		audit:    audit,
		window:   NewHistory(opts.WindowSize),
		opts:     opts,
	}
}

// SetBlocker enables repeat-offender blocking.
func (o *Orchestrator) SetBlocker(b Blocker) {
	o.blocker = b
}

// HandleTurn runs one query through the full pipeline for an existing
// session and returns the response text. Gated queries return the
// fixed advisory without touching conversation history.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userID, query string) (string, error) {
	if err := protocol.ValidateQuery(query); err != nil {
		metrics.QueriesTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	if o.blocker != nil {
		blocked, _, _, err := o.blocker.IsBlocked(ctx, userID)
		if err != nil {
			log.Printf("[chat] block check for user %s failed: %v (failing open)", userID, err)
		} else if blocked {
			metrics.QueriesTotal.WithLabelValues("gated").Inc()
			return BlockedResponse, nil
		}
	}

	if o.Screen(ctx, userID, sessionID, query) {
		return gate.AdvisoryResponse, nil
	}

	return o.answer(ctx, sessionID, userID, query)
}

// Screen runs the content gate. Flagged queries are recorded in the
// audit store when one is configured.
func (o *Orchestrator) Screen(ctx context.Context, userID, sessionID, query string) bool {
	if o.gate == nil || !o.gate.Check(query) {
		return false
	}

	metrics.QueriesTotal.WithLabelValues("gated").Inc()
	log.Printf("[chat] gated query for session %s", sessionID)

	if o.audit != nil {
		if err := o.audit.RecordFlagged(ctx, userID, sessionID, query); err != nil {
			log.Printf("[chat] audit record failed for user %s: %v", userID, err)
		}
	}
	if o.blocker != nil {
		applied, duration, err := o.blocker.RecordOffense(ctx, userID, "offensive language")
		if err != nil {
			log.Printf("[chat] offense record failed for user %s: %v", userID, err)
		} else if applied {
			log.Printf("[chat] user %s blocked for %s", userID, duration)
		}
	}
	return true
}

// DropWindow discards the in-memory window for a deleted session.
func (o *Orchestrator) DropWindow(sessionID string) {
	o.window.Drop(sessionID)
}

// answer produces and persists the response for a clean query.
func (o *Orchestrator) answer(ctx context.Context, sessionID, userID, query string) (string, error) {
	history, err := o.context(ctx, sessionID)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	produce := func(ctx context.Context) (string, error) {
		start := time.Now()
		answer, err := o.gen.Generate(ctx, query, history)
		if err == nil {
			metrics.GenerateLatency.Observe(time.Since(start).Seconds())
		}
		return answer, err
	}

	var response string
	switch o.opts.Dispatch {
	case config.DispatchRelayed:
		response, err = o.relay.RoundTrip(ctx, sessionID, userID, query, produce)
	default:
		response, err = produce(ctx)
	}
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	if err := o.sessions.UpdateSession(ctx, sessionID, query, response); err != nil {
		metrics.QueriesTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	o.window.Append(sessionID,
		generate.Message{Role: "user", Content: query},
		generate.Message{Role: "assistant", Content: response},
	)

	metrics.QueriesTotal.WithLabelValues("answered").Inc()
	return response, nil
}

// context builds the generator context: the rolling window when warm,
// otherwise the trailing turns from the store record.
func (o *Orchestrator) context(ctx context.Context, sessionID string) ([]generate.Message, error) {
	if msgs := o.window.Get(sessionID); len(msgs) > 0 {
		return msgs, nil
	}

	sess, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var msgs []generate.Message
	for _, turn := range sess.Tail(o.opts.ContextTurns) {
		msgs = append(msgs,
			generate.Message{Role: "user", Content: turn.Query},
			generate.Message{Role: "assistant", Content: turn.Response},
		)
	}
	if len(msgs) > 0 {
		o.window.Append(sessionID, msgs...)
	}
	return msgs, nil
}
