// Package models contains the data types shared by the engine, the wire
// protocol and the server.
package models

import "time"

// Kind discriminates files from folders.
type Kind string

const (
	KindFile   Kind = "FILE"
	KindFolder Kind = "FOLDER"
)

// Node is the unit of the note tree. ID is the sole join key across every
// store; CreatedAt is epoch milliseconds.
type Node struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id,omitempty"`
	Name      string `json:"name"`
	Kind      Kind   `json:"type"`
	Content   string `json:"content,omitempty"`
	IsOpen    bool   `json:"is_open,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool {
	return n.Kind == KindFolder
}

// Clone returns a copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	return &c
}

// CloneNodes deep-copies a node slice.
func CloneNodes(nodes []*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Snapshot is one retained content version for a node.
type Snapshot struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"name"`
}

// StorageMode selects which mirror, if any, the tree synchronizes through.
type StorageMode string

const (
	StorageLocal StorageMode = "local"
	StorageDisk  StorageMode = "disk"
	StorageCloud StorageMode = "cloud"
)

// Settings is the persisted application settings value.
type Settings struct {
	StorageMode StorageMode `json:"storage_mode"`
	RemoteURL   string      `json:"remote_url,omitempty"`
	RemoteEmail string      `json:"remote_email,omitempty"`
}
