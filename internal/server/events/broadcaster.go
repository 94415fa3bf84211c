// Package events provides the SSE change broadcaster for realtime sync.
//
// Change events carry no payload describing what changed; subscribers react
// by re-pulling their whole tree.
package events

import (
	"sync"

	"github.com/quincenote/quince/internal/metrics"
	"github.com/quincenote/quince/pkg/models"
	"github.com/quincenote/quince/pkg/protocol"
)

type subscriber struct {
	userID string
	ch     chan protocol.ChangeEvent
}

// Broadcaster manages per-user SSE subscribers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber for one user's changes. The caller must
// call Unsubscribe when done.
func (b *Broadcaster) Subscribe(userID string) (<-chan protocol.ChangeEvent, func()) {
	s := &subscriber{
		userID: userID,
		ch:     make(chan protocol.ChangeEvent, 64),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))

	once := sync.Once{}
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
			metrics.SetSSEConnectionsActive(int64(b.Count()))
		})
	}
	return s.ch, cancel
}

// Publish notifies every subscriber of userID that something changed.
// Non-blocking: events are dropped for slow consumers.
func (b *Broadcaster) Publish(userID string) {
	event := protocol.ChangeEvent{Timestamp: models.NowMillis()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.userID != userID {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Drop for slow consumer
		}
	}
	metrics.RecordSSEEvent()
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
