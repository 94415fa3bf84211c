package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quincenote/quince/internal/server/auth"
	"github.com/quincenote/quince/internal/server/events"
	"github.com/quincenote/quince/internal/server/store"
	"github.com/quincenote/quince/pkg/models"
	"github.com/quincenote/quince/pkg/protocol"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]*store.User
	rows  map[string][]*models.Node
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]*store.User),
		rows:  make(map[string][]*models.Node),
	}
}

func (m *memStore) CreateUser(ctx context.Context, u store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := u
	m.users[u.Email] = &copied
	return nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[email], nil
}

func (m *memStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListByUser(ctx context.Context, userID string) ([]*models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CloneNodes(m.rows[userID]), nil
}

func (m *memStore) ReplaceAllForUser(ctx context.Context, userID string, nodes []*models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[userID] = models.CloneNodes(nodes)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	ms := newMemStore()
	a := auth.New(ms, "test-secret", time.Hour)
	srv := NewServer(ms, a, events.NewBroadcaster(), 0)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ms
}

func signUp(t *testing.T, base, email string) protocol.SessionResponse {
	t.Helper()
	body, _ := json.Marshal(protocol.SignUpRequest{Email: email, Password: "password1"})
	resp, err := http.Post(base+"/api/v1/auth/signup", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("signup request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d", resp.StatusCode)
	}
	var sr protocol.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sr
}

func doAuthed(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestSignUpSignInSession(t *testing.T) {
	ts, _ := newTestServer(t)
	session := signUp(t, ts.URL, "a@example.com")
	if session.Token == "" || session.UserID == "" {
		t.Fatalf("session = %+v", session)
	}

	body, _ := json.Marshal(protocol.SignInRequest{Email: "a@example.com", Password: "password1"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign in status = %d", resp.StatusCode)
	}

	resp = doAuthed(t, "GET", ts.URL+"/api/v1/auth/session", session.Token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	var sr protocol.SessionResponse
	json.NewDecoder(resp.Body).Decode(&sr)
	if sr.UserID != session.UserID || sr.Email != "a@example.com" {
		t.Errorf("session = %+v", sr)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	ts, _ := newTestServer(t)
	signUp(t, ts.URL, "a@example.com")

	body, _ := json.Marshal(protocol.SignInRequest{Email: "a@example.com", Password: "wrongpass"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestNotesRequireAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/notes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d without auth, want 401", resp.StatusCode)
	}
}

func TestReplaceAndListRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	session := signUp(t, ts.URL, "a@example.com")

	nodes := []*models.Node{
		{ID: "f1", Name: "Folder", Kind: models.KindFolder, IsOpen: true, CreatedAt: 1},
		{ID: "n1", ParentID: "f1", Name: "Note", Kind: models.KindFile, Content: "hello", CreatedAt: 2},
	}
	body, _ := json.Marshal(protocol.ReplaceNotesRequest{Nodes: nodes})
	resp := doAuthed(t, "PUT", ts.URL+"/api/v1/notes", session.Token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace status = %d", resp.StatusCode)
	}
	var rr protocol.ReplaceNotesResponse
	json.NewDecoder(resp.Body).Decode(&rr)
	if rr.Count != 2 {
		t.Errorf("count = %d, want 2", rr.Count)
	}

	resp = doAuthed(t, "GET", ts.URL+"/api/v1/notes", session.Token, nil)
	defer resp.Body.Close()
	var nr protocol.NotesResponse
	json.NewDecoder(resp.Body).Decode(&nr)
	if len(nr.Nodes) != 2 {
		t.Fatalf("listed %d nodes, want 2", len(nr.Nodes))
	}
	byID := map[string]*models.Node{}
	for _, n := range nr.Nodes {
		byID[n.ID] = n
	}
	if got := byID["n1"]; got == nil || got.Content != "hello" || got.ParentID != "f1" {
		t.Errorf("n1 = %+v", got)
	}
}

func TestReplaceValidatesNodes(t *testing.T) {
	ts, _ := newTestServer(t)
	session := signUp(t, ts.URL, "a@example.com")

	for _, nodes := range [][]*models.Node{
		{{Name: "no id", Kind: models.KindFile}},
		{{ID: "x", Name: "bad kind", Kind: "WIDGET"}},
	} {
		body, _ := json.Marshal(protocol.ReplaceNotesRequest{Nodes: nodes})
		resp := doAuthed(t, "PUT", ts.URL+"/api/v1/notes", session.Token, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d for invalid nodes, want 400", resp.StatusCode)
		}
	}
}

func TestUsersAreIsolated(t *testing.T) {
	ts, _ := newTestServer(t)
	alice := signUp(t, ts.URL, "alice@example.com")
	bob := signUp(t, ts.URL, "bob@example.com")

	body, _ := json.Marshal(protocol.ReplaceNotesRequest{Nodes: []*models.Node{
		{ID: "secret", Name: "Secret", Kind: models.KindFile, Content: "private", CreatedAt: 1},
	}})
	resp := doAuthed(t, "PUT", ts.URL+"/api/v1/notes", alice.Token, body)
	resp.Body.Close()

	resp = doAuthed(t, "GET", ts.URL+"/api/v1/notes", bob.Token, nil)
	defer resp.Body.Close()
	var nr protocol.NotesResponse
	json.NewDecoder(resp.Body).Decode(&nr)
	if len(nr.Nodes) != 0 {
		t.Errorf("bob sees %d of alice's nodes", len(nr.Nodes))
	}
}

func TestReplacePublishesChangeEvent(t *testing.T) {
	ts, _ := newTestServer(t)
	session := signUp(t, ts.URL, "a@example.com")

	// Subscribe via the SSE endpoint using the query-param token form. The
	// response headers and preamble must arrive immediately through the full
	// middleware chain; a bounded header timeout keeps a buffered (unflushed)
	// stream from hanging the test.
	client := &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 5 * time.Second}}
	req, _ := http.NewRequest("GET", ts.URL+"/api/v1/events?token="+session.Token, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// Wait for the connected comment before pushing.
	waitForLine(t, lines, ": connected")

	body, _ := json.Marshal(protocol.ReplaceNotesRequest{Nodes: []*models.Node{
		{ID: "x", Name: "X", Kind: models.KindFile, CreatedAt: 1},
	}})
	pr := doAuthed(t, "PUT", ts.URL+"/api/v1/notes", session.Token, body)
	pr.Body.Close()

	waitForLine(t, lines, "event: change")
	data := waitForPrefix(t, lines, "data:")
	var ev protocol.ChangeEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data:")), &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if ev.Timestamp == 0 {
		t.Error("change event has no timestamp")
	}
}

func waitForLine(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	waitFor(t, lines, func(l string) bool { return l == want }, want)
}

func waitForPrefix(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()
	return waitFor(t, lines, func(l string) bool { return strings.HasPrefix(l, prefix) }, prefix)
}

func waitFor(t *testing.T, lines <-chan string, match func(string) bool, desc string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed waiting for %q", desc)
			}
			if match(l) {
				return l
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", desc)
		}
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}
