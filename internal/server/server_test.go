package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coursechat/backend/internal/chat"
	"github.com/coursechat/backend/internal/config"
	"github.com/coursechat/backend/internal/conn"
	"github.com/coursechat/backend/internal/gate"
	"github.com/coursechat/backend/internal/generate"
	"github.com/coursechat/backend/internal/protocol"
	"github.com/coursechat/backend/internal/session"
)

// memStore is an in-memory session.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*session.User
	sessions map[string]*session.Session
	index    map[string]string

	failDelete error // when set, DeleteSession fails with this error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*session.User),
		sessions: make(map[string]*session.Session),
		index:    make(map[string]string),
	}
}

func (s *memStore) CreateUser(_ context.Context, u *session.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
	return nil
}

func (s *memStore) GetUser(_ context.Context, userID string) (*session.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *memStore) PutSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	cp.ConversationHistory = append([]session.Turn(nil), sess.ConversationHistory...)
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *memStore) GetSession(_ context.Context, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	cp.ConversationHistory = append([]session.Turn(nil), sess.ConversationHistory...)
	return &cp, nil
}

func (s *memStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete != nil {
		return s.failDelete
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *memStore) setFailDelete(err error) {
	s.mu.Lock()
	s.failDelete = err
	s.mu.Unlock()
}

func (s *memStore) SetIndex(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[userID] = sessionID
	return nil
}

func (s *memStore) GetIndex(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[userID], nil
}

func (s *memStore) ClearIndex(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, userID)
	return nil
}

func (s *memStore) CountSessions(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.sessions {
		if strings.HasPrefix(id, userID+"_") {
			n++
		}
	}
	return n, nil
}

func (s *memStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *memStore, *httptest.Server) {
	t.Helper()
	store := newMemStore()
	mgr := session.NewManager(store, conn.NewRegistry(), nil)
	gen := generate.Func(func(_ context.Context, query string, _ []generate.Message) (string, error) {
		return "echo: " + query, nil
	})
	turns := chat.New(mgr, gate.NewListFilter(nil), gen, nil, nil, chat.Options{Dispatch: cfg.Dispatch})
	srv := New(cfg, mgr, turns, nil)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, store, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLogin(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())

	resp := postJSON(t, ts.URL+"/login", protocol.LoginRequest{
		Email:    "PES1UG20CS123",
		Password: "secret123",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	var out protocol.LoginResponse
	decode(t, resp, &out)
	if out.UserID == "" {
		t.Error("expected issued user id")
	}
	if out.Email != "PES1UG20CS123" {
		t.Errorf("email = %q", out.Email)
	}
}

func TestLoginRejectsBadIdentity(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())

	cases := []protocol.LoginRequest{
		{Email: "", Password: "secret123"},
		{Email: "PES1234567AB", Password: "secret123"}, // 12 chars
		{Email: "XYZ1UG20CS123", Password: "secret123"},
		{Email: "PES1UG20CS123", Password: "short"},
	}
	for _, c := range cases {
		resp := postJSON(t, ts.URL+"/login", c)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("login(%q, %q) status = %d, want 400", c.Email, c.Password, resp.StatusCode)
		}
	}
}

func TestChatAnswersAndReusesSession(t *testing.T) {
	_, store, ts := newTestServer(t, config.Default())

	resp := postJSON(t, ts.URL+"/chat", protocol.ChatRequest{UserID: "u1", Query: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	var out protocol.ChatResponse
	decode(t, resp, &out)
	if out.Response != "echo: hello" {
		t.Errorf("response = %q", out.Response)
	}
	if store.sessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", store.sessionCount())
	}

	// A second chat for the same user reuses the indexed session.
	resp = postJSON(t, ts.URL+"/chat", protocol.ChatRequest{UserID: "u1", Query: "again"})
	resp.Body.Close()
	if store.sessionCount() != 1 {
		t.Errorf("second chat must reuse the session, got %d sessions", store.sessionCount())
	}
}

func TestChatEmptyQueryCreatesNoSession(t *testing.T) {
	_, store, ts := newTestServer(t, config.Default())

	resp := postJSON(t, ts.URL+"/chat", protocol.ChatRequest{UserID: "u1", Query: "  "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if store.sessionCount() != 0 {
		t.Error("rejected query must not create a session")
	}
}

func TestChatGatedQuery(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())

	resp := postJSON(t, ts.URL+"/chat", protocol.ChatRequest{UserID: "u1", Query: "you idiot"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out protocol.ChatResponse
	decode(t, resp, &out)
	if out.Response != gate.AdvisoryResponse {
		t.Errorf("expected advisory, got %q", out.Response)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	_, store, ts := newTestServer(t, config.Default())

	resp := postJSON(t, ts.URL+"/chat", protocol.ChatRequest{UserID: "u1", Query: "q1"})
	resp.Body.Close()

	store.mu.Lock()
	var sessionID string
	for id := range store.sessions {
		sessionID = id
	}
	store.mu.Unlock()
	if sessionID == "" {
		t.Fatal("no session created")
	}

	hresp, err := http.Get(ts.URL + "/session/" + sessionID + "/history")
	if err != nil {
		t.Fatal(err)
	}
	if hresp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", hresp.StatusCode)
	}
	var out protocol.HistoryResponse
	decode(t, hresp, &out)
	if out.SessionID != sessionID {
		t.Errorf("session_id = %q", out.SessionID)
	}
	if len(out.ConversationHistory) != 1 || out.ConversationHistory[0].Query != "q1" {
		t.Errorf("history wrong: %+v", out.ConversationHistory)
	}
}

func TestHistoryUnknownSession(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())

	resp, err := http.Get(ts.URL + "/session/u1_missing/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	_, store, ts := newTestServer(t, config.Default())

	resp := postJSON(t, ts.URL+"/chat", protocol.ChatRequest{UserID: "u1", Query: "q1"})
	resp.Body.Close()

	store.mu.Lock()
	var sessionID string
	for id := range store.sessions {
		sessionID = id
	}
	store.mu.Unlock()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/session/"+sessionID, nil)
	if err != nil {
		t.Fatal(err)
	}
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", dresp.StatusCode)
	}

	if store.sessionCount() != 0 {
		t.Error("session must be gone after delete")
	}

	hresp, err := http.Get(ts.URL + "/session/" + sessionID + "/history")
	if err != nil {
		t.Fatal(err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusNotFound {
		t.Errorf("history after delete = %d, want 404", hresp.StatusCode)
	}
}

func TestDeleteUnknownSession(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/session/u1_missing", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, config.Default())

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
