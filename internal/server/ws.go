package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/coursechat/backend/internal/config"
	"github.com/coursechat/backend/internal/fault"
	"github.com/coursechat/backend/internal/metrics"
	"github.com/coursechat/backend/internal/protocol"
	"github.com/coursechat/backend/internal/ratelimit"
)

// wsConn wraps one upgraded WebSocket connection. It implements the
// registry's Handle interface; a write mutex serializes outbound frames
// because both the read loop and the sweeper may touch the connection.
type wsConn struct {
	raw net.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newWSConn(raw net.Conn) *wsConn {
	return &wsConn{raw: raw}
}

// Send writes one text frame to the client.
func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.raw, ws.OpText, data)
}

// Alive reports whether the connection is still open.
func (c *wsConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close tears down the connection. Safe to call more than once.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.raw.Close()
}

// handleWS upgrades the request, creates a fresh session bound to the
// connection, announces the session id, and enters the query loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		writeError(w, fault.Validation("user_id is required"))
		return
	}

	if !s.allow(r.Context(), userID, ratelimit.RuleConnect) {
		writeThrottled(w)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[server] ws upgrade for user %s failed: %v", userID, err)
		return
	}

	c := newWSConn(raw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sessionID, err := s.sessions.CreateSession(ctx, userID, c)
	cancel()
	if err != nil {
		log.Printf("[server] session create for user %s failed: %v", userID, err)
		_ = c.Send(protocol.NewError(err))
		_ = c.Close()
		return
	}

	announce, _ := json.Marshal(protocol.SessionCreated{SessionID: sessionID})
	if err := c.Send(announce); err != nil {
		log.Printf("[server] announce to session %s failed: %v", sessionID, err)
		s.teardown(c, sessionID)
		return
	}

	metrics.ConnectionsActive.Inc()
	go s.readLoop(c, sessionID, userID)
}

// readLoop serves queries on one connection until the client goes away,
// the idle deadline passes, or a failure under the terminate policy.
func (s *Server) readLoop(c *wsConn, sessionID, userID string) {
	defer func() {
		metrics.ConnectionsActive.Dec()
		s.teardown(c, sessionID)
	}()

	for {
		if err := c.raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}

		data, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			if isIdleTimeout(err) {
				log.Printf("[server] session %s idle for %s, closing", sessionID, s.cfg.IdleTimeout)
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[server] read on session %s: %v", sessionID, err)
			}
			return
		}
		if op != ws.OpText {
			continue
		}

		var q protocol.ClientQuery
		if err := json.Unmarshal(data, &q); err != nil {
			if !s.reportTurnError(c, errors.New("malformed query payload")) {
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RelayTimeout+30*time.Second)
		response, err := s.turns.HandleTurn(ctx, sessionID, userID, q.Query)
		cancel()
		if err != nil {
			if !s.reportTurnError(c, err) {
				return
			}
			continue
		}

		out, err := json.Marshal(protocol.QueryResult{
			SessionID: sessionID,
			Query:     q.Query,
			Response:  response,
		})
		if err != nil {
			log.Printf("[server] marshal result for session %s: %v", sessionID, err)
			continue
		}
		if err := c.Send(out); err != nil {
			log.Printf("[server] send to session %s: %v", sessionID, err)
			return
		}
	}
}

// reportTurnError sends the error envelope and reports whether the loop
// should keep the connection, per the configured failure policy.
func (s *Server) reportTurnError(c *wsConn, err error) bool {
	if serr := c.Send(protocol.NewError(err)); serr != nil {
		return false
	}
	return s.cfg.OnError == config.OnErrorContinue
}

// teardown deletes the session behind a departed connection. The
// registry close is handled inside DeleteSession. When the delete
// fails, the handle is closed but its registry entry stays, so the
// sweeper observes a dead connection and retries the delete.
func (s *Server) teardown(c *wsConn, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		log.Printf("[server] teardown of session %s failed, leaving it for the sweeper: %v", sessionID, err)
		_ = c.Close()
		return
	}
	s.turns.DropWindow(sessionID)
}

func isIdleTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded)
}
