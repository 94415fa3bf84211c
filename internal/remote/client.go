// Package remote synchronizes the note tree against the multi-tenant row
// store over its HTTP API.
//
// The store has no notion of incremental diff: every push is a destructive
// full-snapshot replace of the caller's rows, and the last push to commit
// wins. Pull fetches every row owned by the authenticated user ordered by
// creation time.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quincenote/quince/pkg/models"
	"github.com/quincenote/quince/pkg/protocol"
	"github.com/quincenote/quince/pkg/retry"
)

// Session identifies an authenticated user against one endpoint.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the session token has expired.
func (s *Session) IsExpired(margin time.Duration) bool {
	return time.Now().Add(margin).After(s.ExpiresAt)
}

// Client talks to the note store server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		authToken:   cfg.AuthToken,
	}
}

// BaseURL returns the endpoint this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// SignUp registers a new account and returns its session.
func (c *Client) SignUp(ctx context.Context, email, password string) (*Session, error) {
	return c.authRequest(ctx, "/api/v1/auth/signup", email, password)
}

// SignIn authenticates and returns a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return c.authRequest(ctx, "/api/v1/auth/token", email, password)
}

func (c *Client) authRequest(ctx context.Context, path, email, password string) (*Session, error) {
	body, _ := json.Marshal(protocol.SignInRequest{Email: email, Password: password})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("authentication failed: %s", readError(resp))
	}

	var sr protocol.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("parse auth response: %w", err)
	}
	c.SetAuthToken(sr.Token)
	return &Session{
		UserID:    sr.UserID,
		Email:     sr.Email,
		Token:     sr.Token,
		Endpoint:  c.baseURL,
		ExpiresAt: time.UnixMilli(sr.ExpiresAt),
	}, nil
}

// SignOut revokes the current token.
func (c *Client) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+"/api/v1/auth/token", nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sign-out request failed: %w", err)
	}
	resp.Body.Close()
	c.SetAuthToken("")
	return nil
}

// GetSession validates the current token and returns the live session.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/auth/session", nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("no valid session: %s", readError(resp))
	}

	var sr protocol.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("parse session response: %w", err)
	}
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	return &Session{
		UserID:    sr.UserID,
		Email:     sr.Email,
		Token:     token,
		Endpoint:  c.baseURL,
		ExpiresAt: time.UnixMilli(sr.ExpiresAt),
	}, nil
}

// PullAll fetches every node owned by the authenticated user, ordered by
// creation time.
func (c *Client) PullAll(ctx context.Context) ([]*models.Node, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]*models.Node, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/notes", nil)
		if err != nil {
			return nil, err
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 500 {
				return nil, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
			}
			return nil, fmt.Errorf("pull failed: %s", readError(resp))
		}

		var nr protocol.NotesResponse
		if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
			return nil, fmt.Errorf("parse notes: %w", err)
		}
		return nr.Nodes, nil
	})
}

// PushAll replaces every remote row owned by the authenticated user with
// the given set. Destructive by contract; there is no merge.
func (c *Client) PushAll(ctx context.Context, nodes []*models.Node) error {
	body, err := json.Marshal(protocol.ReplaceNotesRequest{Nodes: nodes})
	if err != nil {
		return err
	}
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, "PUT", c.baseURL+"/api/v1/notes", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 500 {
				return retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
			}
			return fmt.Errorf("push failed: %s", readError(resp))
		}
		return nil
	})
}

func readError(resp *http.Response) string {
	var er protocol.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return er.Error
	}
	return fmt.Sprintf("server returned %d", resp.StatusCode)
}

// SessionFilePath returns the default path for the persisted session.
func SessionFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "quince", "session.json")
}

// SaveSession persists a session to the default location.
func SaveSession(s *Session) error {
	path := SessionFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSession loads the persisted session.
func LoadSession() (*Session, error) {
	data, err := os.ReadFile(SessionFilePath())
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes the persisted session.
func DeleteSession() error {
	err := os.Remove(SessionFilePath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
