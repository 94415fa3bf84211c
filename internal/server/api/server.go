// Package api provides the note store HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quincenote/quince/internal/metrics"
	"github.com/quincenote/quince/internal/server/auth"
	"github.com/quincenote/quince/internal/server/events"
	"github.com/quincenote/quince/pkg/logging"
	"github.com/quincenote/quince/pkg/models"
	"github.com/quincenote/quince/pkg/protocol"
)

// NotesStore is the slice of the row store the API serves.
type NotesStore interface {
	ListByUser(ctx context.Context, userID string) ([]*models.Node, error)
	ReplaceAllForUser(ctx context.Context, userID string, nodes []*models.Node) error
}

// Server is the HTTP server.
type Server struct {
	notes        NotesStore
	auth         *auth.Auth
	broadcaster  *events.Broadcaster
	maxPushBytes int64
}

// NewServer creates a server.
func NewServer(notes NotesStore, authHandler *auth.Auth, broadcaster *events.Broadcaster, maxPushBytes int64) *Server {
	if maxPushBytes == 0 {
		maxPushBytes = 32 * 1024 * 1024
	}
	return &Server{
		notes:        notes,
		auth:         authHandler,
		broadcaster:  broadcaster,
		maxPushBytes: maxPushBytes,
	}
}

// Handler returns the routed HTTP handler with logging and metrics
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/signup", s.handleSignUp)
	mux.HandleFunc("POST /api/v1/auth/token", s.handleSignIn)
	mux.Handle("DELETE /api/v1/auth/token", s.auth.Middleware(http.HandlerFunc(s.handleSignOut)))
	mux.Handle("GET /api/v1/auth/session", s.auth.Middleware(http.HandlerFunc(s.handleSession)))

	mux.Handle("GET /api/v1/notes", s.auth.Middleware(http.HandlerFunc(s.handleListNotes)))
	mux.Handle("PUT /api/v1/notes", s.auth.Middleware(http.HandlerFunc(s.handleReplaceNotes)))

	mux.Handle("GET /api/v1/events", s.auth.Middleware(http.HandlerFunc(s.handleEvents)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req protocol.SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, token, expires, err := s.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	sendJSON(w, http.StatusCreated, protocol.SessionResponse{
		UserID:    id.UserID,
		Email:     id.Email,
		Token:     token,
		ExpiresAt: expires.UnixMilli(),
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req protocol.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, token, expires, err := s.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		sendError(w, status, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, protocol.SessionResponse{
		UserID:    id.UserID,
		Email:     id.Email,
		Token:     token,
		ExpiresAt: expires.UnixMilli(),
	})
}

// Tokens are stateless; sign-out just acknowledges so the client discards
// its copy.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	sendJSON(w, http.StatusOK, protocol.SessionResponse{
		UserID: id.UserID,
		Email:  id.Email,
	})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	nodes, err := s.notes.ListByUser(r.Context(), id.UserID)
	if err != nil {
		logging.Error("list notes failed", zap.String("user_id", id.UserID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "could not load notes")
		return
	}
	if nodes == nil {
		nodes = []*models.Node{}
	}
	sendJSON(w, http.StatusOK, protocol.NotesResponse{Nodes: nodes})
}

func (s *Server) handleReplaceNotes(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req protocol.ReplaceNotesRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxPushBytes))
	if err := dec.Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, n := range req.Nodes {
		if n.ID == "" {
			sendError(w, http.StatusBadRequest, "node without id")
			return
		}
		if n.Kind != models.KindFile && n.Kind != models.KindFolder {
			sendError(w, http.StatusBadRequest, "node "+n.ID+" has unknown type")
			return
		}
	}

	if err := s.notes.ReplaceAllForUser(r.Context(), id.UserID, req.Nodes); err != nil {
		logging.Error("replace notes failed", zap.String("user_id", id.UserID), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "could not save notes")
		return
	}

	s.broadcaster.Publish(id.UserID)
	sendJSON(w, http.StatusOK, protocol.ReplaceNotesResponse{Count: len(req.Nodes)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := auth.FromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch, cancel := s.broadcaster.Subscribe(id.UserID)
	defer cancel()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSON(w, status, protocol.ErrorResponse{Error: msg})
}
