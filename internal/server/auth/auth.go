// Package auth provides JWT-based authentication for the note store server.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/quincenote/quince/internal/metrics"
	"github.com/quincenote/quince/internal/server/store"
	"github.com/quincenote/quince/pkg/protocol"
)

type contextKey string

const userContextKey contextKey = "user"

// ErrInvalidCredentials is returned for a bad email/password pair.
var ErrInvalidCredentials = errors.New("invalid email or password")

// UserStore is the slice of the row store auth needs.
type UserStore interface {
	CreateUser(ctx context.Context, u store.User) error
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Claims holds JWT token claims.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal attached to a request context.
type Identity struct {
	UserID string
	Email  string
}

// Auth issues and validates tokens.
type Auth struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
}

// New creates an Auth handler.
func New(users UserStore, jwtSecret string, ttl time.Duration) *Auth {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Auth{users: users, secret: []byte(jwtSecret), ttl: ttl}
}

// SignUp registers a new user and returns its identity plus a fresh token.
func (a *Auth) SignUp(ctx context.Context, email, password string) (*Identity, string, time.Time, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(password) < 8 {
		return nil, "", time.Time{}, errors.New("email and a password of at least 8 characters are required")
	}

	existing, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if existing != nil {
		return nil, "", time.Time{}, errors.New("an account with this email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	u := store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := a.users.CreateUser(ctx, u); err != nil {
		return nil, "", time.Time{}, err
	}

	token, expires, err := a.issueToken(u)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return &Identity{UserID: u.ID, Email: u.Email}, token, expires, nil
}

// SignIn verifies credentials and returns the identity plus a fresh token.
func (a *Auth) SignIn(ctx context.Context, email, password string) (*Identity, string, time.Time, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if u == nil {
		metrics.RecordAuthAttempt(false)
		return nil, "", time.Time{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		metrics.RecordAuthAttempt(false)
		return nil, "", time.Time{}, ErrInvalidCredentials
	}

	token, expires, err := a.issueToken(*u)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	metrics.RecordAuthAttempt(true)
	return &Identity{UserID: u.ID, Email: u.Email}, token, expires, nil
}

func (a *Auth) issueToken(u store.User) (string, time.Time, error) {
	expires := time.Now().Add(a.ttl)
	claims := Claims{
		UserID: u.ID,
		Email:  u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Validate parses and verifies a token string.
func (a *Auth) Validate(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// Middleware rejects requests without a valid bearer token and attaches the
// identity to the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, "missing authentication token")
			return
		}
		id, err := a.Validate(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity attaches an identity to a context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, userContextKey, id)
}

// FromContext returns the authenticated identity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(userContextKey).(*Identity)
	return id
}

func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// SSE consumers that cannot set headers pass the token as a query param.
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: msg})
}
