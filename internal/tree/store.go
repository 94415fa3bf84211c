// Package tree implements the canonical in-memory note tree store.
//
// The store is an arena over two indices (id -> node, parent id -> child
// ids) rather than pointer-linked nodes, so cascade deletes and ancestry
// checks walk iteratively and never recurse on deep trees. Every mutation is
// synchronous and produces a fresh deep-copied snapshot of the whole
// collection, which is handed to the optional change callback; downstream
// observers (persistence, history, remote push) always see one coherent
// tree.
package tree

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/quincenote/quince/pkg/models"
)

var (
	// ErrNotFound is returned when the referenced node id does not exist.
	ErrNotFound = errors.New("node not found")
	// ErrInvalidMove is returned when a move would make a node its own
	// ancestor. The tree is left untouched; callers treat it as a no-op.
	ErrInvalidMove = errors.New("invalid move")
	// ErrInvalidParent is returned when the target parent is not a folder.
	ErrInvalidParent = errors.New("parent is not a folder")
)

// Store holds the node collection.
type Store struct {
	mu       sync.Mutex
	nodes    map[string]*models.Node
	children map[string][]string
	gen      uint64
	onChange func([]*models.Node)
}

// New creates an empty store.
func New() *Store {
	return &Store{
		nodes:    make(map[string]*models.Node),
		children: make(map[string][]string),
	}
}

// SetOnChange registers a callback invoked with the full snapshot after
// every mutation. The callback runs with the store lock held and must not
// call back into the store.
func (s *Store) SetOnChange(fn func([]*models.Node)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Generation returns a counter incremented on every mutation.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Get returns a copy of the node, or nil if absent.
func (s *Store) Get(id string) *models.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n.Clone()
	}
	return nil
}

// Create adds a new node under parentID (empty parentID creates a root).
func (s *Store) Create(parentID string, kind models.Kind) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID != "" {
		parent, ok := s.nodes[parentID]
		if !ok {
			return nil, ErrNotFound
		}
		if !parent.IsFolder() {
			return nil, ErrInvalidParent
		}
	}

	name := "Untitled note"
	if kind == models.KindFolder {
		name = "New folder"
	}
	n := &models.Node{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Name:      name,
		Kind:      kind,
		CreatedAt: models.NowMillis(),
	}
	s.nodes[n.ID] = n
	s.children[parentID] = append(s.children[parentID], n.ID)
	s.changed()
	return n.Clone(), nil
}

// Rename changes a node's display name.
func (s *Store) Rename(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Name = name
	s.changed()
	return nil
}

// Move reparents a node. A move that would place the node under itself or
// one of its descendants returns ErrInvalidMove and leaves the tree
// untouched.
func (s *Store) Move(id, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if newParentID != "" {
		parent, ok := s.nodes[newParentID]
		if !ok {
			return ErrNotFound
		}
		if !parent.IsFolder() {
			return ErrInvalidParent
		}
		// Walk upward from the proposed parent looking for the moved node.
		for cur := newParentID; cur != ""; {
			if cur == id {
				return ErrInvalidMove
			}
			p, ok := s.nodes[cur]
			if !ok {
				break
			}
			cur = p.ParentID
		}
	}

	s.unlink(n)
	n.ParentID = newParentID
	s.children[newParentID] = append(s.children[newParentID], id)
	s.changed()
	return nil
}

// Delete removes a node and its entire subtree.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	s.unlink(n)

	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, s.children[cur]...)
		delete(s.children, cur)
		delete(s.nodes, cur)
	}
	s.changed()
	return nil
}

// UpdateContent replaces a file node's content.
func (s *Store) UpdateContent(id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Content = content
	s.changed()
	return nil
}

// ToggleOpen flips a folder's persisted expansion flag.
func (s *Store) ToggleOpen(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.IsOpen = !n.IsOpen
	s.changed()
	return nil
}

// ReplaceAll atomically swaps the entire collection. Used by directory
// import and by remote pull.
func (s *Store) ReplaceAll(nodes []*models.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*models.Node, len(nodes))
	s.children = make(map[string][]string)
	for _, n := range nodes {
		c := n.Clone()
		s.nodes[c.ID] = c
		s.children[c.ParentID] = append(s.children[c.ParentID], c.ID)
	}
	s.changed()
}

// Snapshot returns a deep copy of all nodes in stable order.
func (s *Store) Snapshot() []*models.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// IDs returns the set of live node ids.
func (s *Store) IDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.nodes))
	for id := range s.nodes {
		ids[id] = struct{}{}
	}
	return ids
}

func (s *Store) unlink(n *models.Node) {
	siblings := s.children[n.ParentID]
	for i, cid := range siblings {
		if cid == n.ID {
			s.children[n.ParentID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
}

func (s *Store) snapshotLocked() []*models.Node {
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) changed() {
	s.gen++
	if s.onChange != nil {
		s.onChange(s.snapshotLocked())
	}
}
