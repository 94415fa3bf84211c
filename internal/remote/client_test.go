package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quincenote/quince/pkg/models"
	"github.com/quincenote/quince/pkg/protocol"
	"github.com/quincenote/quince/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		InitialWait: 5 * time.Millisecond,
		MaxWait:     20 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestSignInStoresTokenAndSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/auth/token" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req protocol.SignInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Email != "a@example.com" || req.Password != "password1" {
			t.Errorf("credentials = %q/%q", req.Email, req.Password)
		}
		json.NewEncoder(w).Encode(protocol.SessionResponse{
			UserID:    "u1",
			Email:     req.Email,
			Token:     "tok123",
			ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	session, err := c.SignIn(context.Background(), "a@example.com", "password1")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.UserID != "u1" || session.Token != "tok123" || session.Endpoint != srv.URL {
		t.Errorf("session = %+v", session)
	}
	if session.IsExpired(0) {
		t.Error("fresh session reported expired")
	}

	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "tok123" {
		t.Errorf("client token = %q, want %q", token, "tok123")
	}
}

func TestSignInRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "invalid email or password"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.SignIn(context.Background(), "a@example.com", "wrong")
	if err == nil {
		t.Fatal("sign in succeeded, want error")
	}
}

func TestPullAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(protocol.NotesResponse{Nodes: []*models.Node{
			{ID: "a", Name: "A", Kind: models.KindFolder, CreatedAt: 1},
			{ID: "b", ParentID: "a", Name: "B", Kind: models.KindFile, Content: "body", CreatedAt: 2},
		}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AuthToken: "tok", RetryConfig: fastRetry()})
	nodes, err := c.PullAll(context.Background())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(nodes) != 2 || nodes[1].Content != "body" {
		t.Errorf("nodes = %+v", nodes)
	}
}

func TestPullRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(protocol.NotesResponse{Nodes: []*models.Node{}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AuthToken: "tok", RetryConfig: fastRetry()})
	if _, err := c.PullAll(context.Background()); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPullDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "invalid or expired token"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RetryConfig: fastRetry()})
	if _, err := c.PullAll(context.Background()); err == nil {
		t.Fatal("pull succeeded, want error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("attempts = %d for 401, want 1", got)
	}
}

func TestPushAll(t *testing.T) {
	var got []*models.Node
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PUT" || r.URL.Path != "/api/v1/notes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req protocol.ReplaceNotesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		got = req.Nodes
		json.NewEncoder(w).Encode(protocol.ReplaceNotesResponse{Count: len(req.Nodes)})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AuthToken: "tok", RetryConfig: fastRetry()})
	in := []*models.Node{{ID: "x", Name: "X", Kind: models.KindFile, Content: "c", CreatedAt: 1}}
	if err := c.PushAll(context.Background(), in); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(got) != 1 || got[0].ID != "x" || got[0].Content != "c" {
		t.Errorf("server received %+v", got)
	}
}

func TestSignOutClearsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "DELETE" || r.URL.Path != "/api/v1/auth/token" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AuthToken: "tok"})
	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		t.Errorf("token = %q after sign-out, want empty", token)
	}
}

func TestSubscriberReceivesTicks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: change\ndata: {\"timestamp\":1}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := NewSubscriber(srv.URL)
	s.SetAuthToken("tok")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks := s.Subscribe(ctx)

	select {
	case tick := <-ticks:
		if tick.At.IsZero() {
			t.Error("tick has zero timestamp")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tick received")
	}
	// The comment-only frame must not have produced a tick of its own.
	select {
	case <-ticks:
		t.Error("spurious tick for keepalive comment")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectDelayResetsAfterHealthyConnection(t *testing.T) {
	s := NewSubscriber("http://example.invalid")

	// Repeated quick failures climb the ladder up to the cap.
	d := s.reconnectDelay(0, 10*time.Millisecond)
	if d != s.reconnectMin {
		t.Fatalf("first delay = %v, want %v", d, s.reconnectMin)
	}
	for i := 0; i < 10; i++ {
		d = s.reconnectDelay(d, 10*time.Millisecond)
	}
	if d != s.reconnectMax {
		t.Fatalf("delay after repeated failures = %v, want cap %v", d, s.reconnectMax)
	}

	// A connection that outlived the cap resets the ladder.
	d = s.reconnectDelay(d, s.reconnectMax+time.Second)
	if d != s.reconnectMin {
		t.Errorf("delay after healthy connection = %v, want %v", d, s.reconnectMin)
	}
}

func TestSubscriberClosesOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := NewSubscriber(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	ticks := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ticks:
		if ok {
			t.Error("tick after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tick channel not closed after cancel")
	}
}
