// Package protocol defines the wire types shared by the client and server.
package protocol

import "github.com/quincenote/quince/pkg/models"

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SignUpRequest is the body of POST /api/v1/auth/signup.
type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInRequest is the body of POST /api/v1/auth/token.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned by signup, signin and GET /api/v1/auth/session.
type SessionResponse struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expires_at"`
}

// NotesResponse is returned by GET /api/v1/notes. Nodes are ordered by
// creation time.
type NotesResponse struct {
	Nodes []*models.Node `json:"nodes"`
}

// ReplaceNotesRequest is the body of PUT /api/v1/notes. The server replaces
// every row owned by the authenticated user with this set.
type ReplaceNotesRequest struct {
	Nodes []*models.Node `json:"nodes"`
}

// ReplaceNotesResponse is returned by PUT /api/v1/notes.
type ReplaceNotesResponse struct {
	Count int `json:"count"`
}

// ChangeEvent is the SSE payload on /api/v1/events. It deliberately carries
// no description of what changed; subscribers re-pull the whole tree.
type ChangeEvent struct {
	Timestamp int64 `json:"timestamp"`
}
