package remote

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quincenote/quince/pkg/logging"
)

// ChangeTick signals that some row owned by the user changed. It carries no
// payload describing what changed; the only correct reaction is to re-pull
// the whole tree.
type ChangeTick struct {
	At time.Time
}

// Subscriber maintains the realtime change stream with reconnects.
type Subscriber struct {
	baseURL      string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu        sync.RWMutex
	authToken string
}

// NewSubscriber creates a realtime subscriber for an endpoint.
func NewSubscriber(baseURL string) *Subscriber {
	return &Subscriber{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // stream stays open
		},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// SetAuthToken sets the bearer token for the stream.
func (s *Subscriber) SetAuthToken(token string) {
	s.mu.Lock()
	s.authToken = token
	s.mu.Unlock()
}

// Subscribe connects to the change stream and returns a tick channel. The
// channel closes when ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context) <-chan ChangeTick {
	ticks := make(chan ChangeTick, 16)
	go s.loop(ctx, ticks)
	return ticks
}

func (s *Subscriber) loop(ctx context.Context, ticks chan<- ChangeTick) {
	defer close(ticks)

	var delay time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		err := s.connect(ctx, ticks)
		if ctx.Err() != nil {
			return
		}
		delay = s.reconnectDelay(delay, time.Since(start))
		logging.Warn("realtime stream disconnected",
			zap.Error(err), zap.Duration("reconnect_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// reconnectDelay returns the next backoff step. A connection that outlived
// the maximum backoff window was healthy, so the ladder starts over instead
// of carrying old flakiness forward.
func (s *Subscriber) reconnectDelay(prev, connected time.Duration) time.Duration {
	if prev == 0 || connected >= s.reconnectMax {
		return s.reconnectMin
	}
	next := prev * 2
	if next > s.reconnectMax {
		next = s.reconnectMax
	}
	return next
}

func (s *Subscriber) connect(ctx context.Context, ticks chan<- ChangeTick) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	s.mu.RLock()
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	s.mu.RUnlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	logging.Info("realtime stream connected", zap.String("url", s.baseURL))

	scanner := bufio.NewScanner(resp.Body)
	sawData := false
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if sawData {
				select {
				case ticks <- ChangeTick{At: time.Now()}:
				default:
					logging.Debug("change tick dropped (channel full)")
				}
			}
			sawData = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // keepalive comment
		}
		if strings.HasPrefix(line, "data:") {
			sawData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}
