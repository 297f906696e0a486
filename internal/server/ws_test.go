package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/coursechat/backend/internal/chat"
	"github.com/coursechat/backend/internal/config"
	"github.com/coursechat/backend/internal/conn"
	"github.com/coursechat/backend/internal/fault"
	"github.com/coursechat/backend/internal/gate"
	"github.com/coursechat/backend/internal/generate"
	"github.com/coursechat/backend/internal/protocol"
	"github.com/coursechat/backend/internal/session"
	"github.com/coursechat/backend/internal/sweep"
)

// clientConn routes reads through the buffered reader returned by
// ws.Dial, which may already hold frames the server sent right after
// the handshake.
type clientConn struct {
	net.Conn
	r io.Reader
}

func (c *clientConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dialWS(t *testing.T, httpURL, userID string) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws/" + userID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	if br == nil {
		return raw
	}
	return &clientConn{Conn: raw, r: io.MultiReader(br, raw)}
}

func readText(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return data
}

func sendQuery(t *testing.T, conn net.Conn, query string) {
	t.Helper()
	data, err := json.Marshal(protocol.ClientQuery{Query: query})
	if err != nil {
		t.Fatal(err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWSSessionAnnounce(t *testing.T) {
	_, store, ts := newTestServer(t, config.Default())
	conn := dialWS(t, ts.URL, "u1")

	var created protocol.SessionCreated
	if err := json.Unmarshal(readText(t, conn), &created); err != nil {
		t.Fatalf("unmarshal announce: %v", err)
	}
	if !strings.HasPrefix(created.SessionID, "u1_") {
		t.Errorf("session id %q not owned by u1", created.SessionID)
	}
	if store.sessionCount() != 1 {
		t.Errorf("expected 1 session in the store, got %d", store.sessionCount())
	}
}

func TestWSQueryRoundTrip(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())
	conn := dialWS(t, ts.URL, "u1")

	var created protocol.SessionCreated
	if err := json.Unmarshal(readText(t, conn), &created); err != nil {
		t.Fatal(err)
	}

	sendQuery(t, conn, "what is a goroutine?")

	var result protocol.QueryResult
	if err := json.Unmarshal(readText(t, conn), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.SessionID != created.SessionID {
		t.Errorf("result session %q != announced %q", result.SessionID, created.SessionID)
	}
	if result.Query != "what is a goroutine?" {
		t.Errorf("query echoed wrong: %q", result.Query)
	}
	if result.Response != "echo: what is a goroutine?" {
		t.Errorf("response = %q", result.Response)
	}
}

func TestWSGatedQueryGetsAdvisory(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())
	conn := dialWS(t, ts.URL, "u1")
	readText(t, conn) // announce

	sendQuery(t, conn, "you idiot")

	var result protocol.QueryResult
	if err := json.Unmarshal(readText(t, conn), &result); err != nil {
		t.Fatal(err)
	}
	if result.Response != gate.AdvisoryResponse {
		t.Errorf("expected advisory, got %q", result.Response)
	}
}

func TestWSInvalidQueryContinuePolicy(t *testing.T) {
	cfg := config.Default()
	cfg.OnError = config.OnErrorContinue
	_, _, ts := newTestServer(t, cfg)
	conn := dialWS(t, ts.URL, "u1")
	readText(t, conn) // announce

	sendQuery(t, conn, "   ")

	var errMsg protocol.ErrorMessage
	if err := json.Unmarshal(readText(t, conn), &errMsg); err != nil {
		t.Fatal(err)
	}
	if errMsg.Error == "" {
		t.Error("expected an error envelope")
	}

	// The connection must survive and serve the next query.
	sendQuery(t, conn, "still there?")
	var result protocol.QueryResult
	if err := json.Unmarshal(readText(t, conn), &result); err != nil {
		t.Fatal(err)
	}
	if result.Response != "echo: still there?" {
		t.Errorf("connection did not survive the error: %q", result.Response)
	}
}

func TestWSDisconnectDeletesSession(t *testing.T) {
	_, store, ts := newTestServer(t, config.Default())
	conn := dialWS(t, ts.URL, "u1")
	readText(t, conn) // announce

	if store.sessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", store.sessionCount())
	}

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return store.sessionCount() == 0 })
}

func TestTeardownFailureLeavesSessionForSweeper(t *testing.T) {
	store := newMemStore()
	registry := conn.NewRegistry()
	mgr := session.NewManager(store, registry, nil)
	gen := generate.Func(func(_ context.Context, query string, _ []generate.Message) (string, error) {
		return "echo: " + query, nil
	})
	turns := chat.New(mgr, gate.NewListFilter(nil), gen, nil, nil, chat.Options{})
	srv := New(config.Default(), mgr, turns, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	cl := dialWS(t, ts.URL, "u1")
	readText(t, cl) // announce

	// The store goes down right before the client disconnects, so the
	// teardown delete fails.
	store.setFailDelete(fault.Transportf("store unreachable"))
	cl.Close()

	// The handle must stay registered but report dead, so the sweeper
	// can find it.
	waitFor(t, 2*time.Second, func() bool {
		snap := registry.Snapshot()
		if len(snap) != 1 {
			return false
		}
		for _, h := range snap {
			return !h.Alive()
		}
		return false
	})

	// Once the store recovers, one sweep reclaims the orphan.
	store.setFailDelete(nil)
	sw := sweep.New(mgr, registry, nil, time.Minute)
	if swept := sw.Sweep(context.Background()); swept != 1 {
		t.Fatalf("expected 1 swept session, got %d", swept)
	}
	if registry.Count() != 0 {
		t.Errorf("registry entry survived the sweep, count = %d", registry.Count())
	}
	if store.sessionCount() != 0 {
		t.Errorf("session record survived the sweep, count = %d", store.sessionCount())
	}
}

func TestWSIsolatedSessionsPerConnection(t *testing.T) {
	_, store, ts := newTestServer(t, config.Default())

	connA := dialWS(t, ts.URL, "u1")
	connB := dialWS(t, ts.URL, "u1")

	var a, b protocol.SessionCreated
	if err := json.Unmarshal(readText(t, connA), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(readText(t, connB), &b); err != nil {
		t.Fatal(err)
	}
	if a.SessionID == b.SessionID {
		t.Error("concurrent connections must get isolated sessions")
	}
	if store.sessionCount() != 2 {
		t.Errorf("expected 2 sessions, got %d", store.sessionCount())
	}
}
