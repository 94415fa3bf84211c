// Package history records debounced content snapshots per note.
//
// The recorder itself is passive: the reconciliation coordinator owns the
// quiescence timer and calls Record when it fires. Snapshots of encrypted
// envelopes are never taken; a history of ciphertext is meaningless and
// would leak edit cadence.
package history

import (
	"sync"

	"github.com/google/uuid"

	"github.com/quincenote/quince/internal/vault"
	"github.com/quincenote/quince/pkg/models"
)

// MaxPerNode is the retention cap per note, oldest evicted first.
const MaxPerNode = 30

// Recorder keeps capped snapshot rings keyed by node id.
type Recorder struct {
	mu        sync.Mutex
	snapshots map[string][]*models.Snapshot
}

// New creates an empty recorder.
func New() *Recorder {
	return &Recorder{snapshots: make(map[string][]*models.Snapshot)}
}

// Record appends a snapshot. It is a no-op when the content is an encrypted
// envelope or byte-identical to the most recent snapshot for the node.
func (r *Recorder) Record(nodeID, name, content string) {
	if vault.IsEncrypted(content) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ring := r.snapshots[nodeID]
	if len(ring) > 0 && ring[len(ring)-1].Content == content {
		return
	}

	ring = append(ring, &models.Snapshot{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Content:   content,
		Timestamp: models.NowMillis(),
		Name:      name,
	})
	if len(ring) > MaxPerNode {
		ring = ring[len(ring)-MaxPerNode:]
	}
	r.snapshots[nodeID] = ring
}

// List returns the retained snapshots for a node, oldest first.
func (r *Recorder) List(nodeID string) []*models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.snapshots[nodeID]
	out := make([]*models.Snapshot, len(ring))
	copy(out, ring)
	return out
}

// Forget drops all snapshots for a node.
func (r *Recorder) Forget(nodeID string) {
	r.mu.Lock()
	delete(r.snapshots, nodeID)
	r.mu.Unlock()
}

// Purge drops snapshots for nodes no longer in the tree.
func (r *Recorder) Purge(live map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.snapshots {
		if _, ok := live[id]; !ok {
			delete(r.snapshots, id)
		}
	}
}
