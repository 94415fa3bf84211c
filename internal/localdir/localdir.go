// Package localdir mirrors a subtree of the note tree onto a real
// directory.
//
// The adapter is Connected after a successful directory grant and holds the
// root handle plus per-node file handles until Disconnect. Disk is strictly
// a mirror: every operation is best-effort and a failed write never rolls
// back the in-memory tree.
package localdir

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quincenote/quince/pkg/logging"
	"github.com/quincenote/quince/pkg/models"
)

var (
	// ErrHandleMissing is returned when a node has no disk handle, e.g. it
	// was created after the import scan. Callers log and continue.
	ErrHandleMissing = errors.New("no disk handle for node")
	// ErrNotConnected is returned when no directory is connected.
	ErrNotConnected = errors.New("no directory connected")
)

// noteExtensions are the file types imported as notes. Everything else is
// skipped silently; directories always import.
var noteExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

const stateFileName = "dirsync.json"

// Progress reports one visited entry during a scan.
type Progress struct {
	Scanned     int
	CurrentPath string
}

// ChangeEvent reports an external modification inside the connected
// directory.
type ChangeEvent struct {
	Path string
}

type persistedState struct {
	Root string `json:"root"`
}

// Adapter maps node ids to files under a connected root directory.
type Adapter struct {
	stateDir string

	mu       sync.Mutex
	root     string
	handles  map[string]string   // node id -> absolute path
	segments map[string][]string // node id -> path segments under root
}

// New creates a disconnected adapter. stateDir holds the persisted root
// handle between sessions.
func New(stateDir string) *Adapter {
	return &Adapter{stateDir: stateDir}
}

// Connected reports whether a directory is currently connected.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root != ""
}

// Root returns the connected root path, or empty.
func (a *Adapter) Root() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root
}

// Open grants the adapter a directory, scans it and returns the imported
// nodes. Fresh ids are assigned on every import; they are unrelated to any
// previous session. progress, if non-nil, is invoked once per entry visited.
func (a *Adapter) Open(ctx context.Context, root string, progress func(Progress)) ([]*models.Node, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := probeWritable(root); err != nil {
		return nil, err
	}

	nodes, handles, segments, err := a.scan(ctx, root, progress)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.root = root
	a.handles = handles
	a.segments = segments
	a.mu.Unlock()

	if err := a.saveState(); err != nil {
		logging.Warn("could not persist directory handle", zap.Error(err))
	}
	return nodes, nil
}

// RestorePreviousConnection reuses the persisted root handle from a prior
// session. A missing state file, a vanished directory or a failed write
// probe all mean no sync is available: the adapter stays disconnected and
// no error is returned.
func (a *Adapter) RestorePreviousConnection(ctx context.Context, progress func(Progress)) ([]*models.Node, error) {
	data, err := os.ReadFile(filepath.Join(a.stateDir, stateFileName))
	if err != nil {
		return nil, nil
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil || st.Root == "" {
		return nil, nil
	}
	if err := probeWritable(st.Root); err != nil {
		logging.Info("directory permission not re-granted", zap.String("root", st.Root))
		return nil, nil
	}
	return a.Open(ctx, st.Root, progress)
}

// Disconnect drops all handles and the persisted state. On-disk files are
// left untouched.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.root = ""
	a.handles = nil
	a.segments = nil
	a.mu.Unlock()
	os.Remove(filepath.Join(a.stateDir, stateFileName))
}

// WriteBack overwrites the file backing a node.
func (a *Adapter) WriteBack(nodeID, content string) error {
	a.mu.Lock()
	path, ok := a.handles[nodeID]
	root := a.root
	a.mu.Unlock()
	if root == "" {
		return ErrNotConnected
	}
	if !ok {
		return ErrHandleMissing
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Register derives a handle for a node created after import, using the
// already-known handle of its parent, and creates the disk entry.
func (a *Adapter) Register(n *models.Node) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.root == "" {
		return ErrNotConnected
	}

	var parentPath string
	var parentSegs []string
	if n.ParentID == "" {
		parentPath = a.root
	} else {
		p, ok := a.handles[n.ParentID]
		if !ok {
			return ErrHandleMissing
		}
		parentPath = p
		parentSegs = a.segments[n.ParentID]
	}

	name := n.Name
	if n.Kind == models.KindFile && filepath.Ext(name) == "" {
		name += ".md"
	}
	path := filepath.Join(parentPath, name)

	if n.Kind == models.KindFolder {
		if err := os.MkdirAll(path, 0755); err != nil {
			return err
		}
	} else {
		if err := os.WriteFile(path, []byte(n.Content), 0644); err != nil {
			return err
		}
	}

	segs := append(append([]string{}, parentSegs...), name)
	a.handles[n.ID] = path
	a.segments[n.ID] = segs
	return nil
}

// Rename renames the disk entry backing a node and fixes up handles of any
// descendants.
func (a *Adapter) Rename(nodeID, newName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.root == "" {
		return ErrNotConnected
	}
	oldPath, ok := a.handles[nodeID]
	if !ok {
		return ErrHandleMissing
	}
	if ext := filepath.Ext(oldPath); ext != "" && filepath.Ext(newName) == "" {
		newName += ext
	}
	newPath := filepath.Join(filepath.Dir(oldPath), newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	a.rewritePrefix(oldPath, newPath)
	return nil
}

// Remove deletes the disk entry backing a node (recursively for folders)
// and drops the affected handles.
func (a *Adapter) Remove(nodeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.root == "" {
		return ErrNotConnected
	}
	path, ok := a.handles[nodeID]
	if !ok {
		return ErrHandleMissing
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	prefix := path + string(os.PathSeparator)
	for id, p := range a.handles {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(a.handles, id)
			delete(a.segments, id)
		}
	}
	return nil
}

// Purge drops handles for node ids no longer in the tree.
func (a *Adapter) Purge(live map[string]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.handles {
		if _, ok := live[id]; !ok {
			delete(a.handles, id)
			delete(a.segments, id)
		}
	}
}

// Watch emits an event whenever something inside the connected directory
// changes on disk. The watcher covers the root and every imported
// subdirectory; consumers typically offer a rescan.
func (a *Adapter) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	a.mu.Lock()
	root := a.root
	dirs := []string{root}
	for id, path := range a.handles {
		if segs := a.segments[id]; len(segs) > 0 {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				dirs = append(dirs, path)
			}
		}
	}
	a.mu.Unlock()
	if root == "" {
		return nil, ErrNotConnected
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			logging.Warn("watch failed", zap.String("dir", d), zap.Error(err))
		}
	}

	events := make(chan ChangeEvent, 64)
	go func() {
		defer watcher.Close()
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case events <- ChangeEvent{Path: ev.Name}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("directory watch error", zap.Error(err))
			}
		}
	}()
	return events, nil
}

// scan walks the directory depth-first with an explicit stack, visiting
// entries one at a time so progress reporting stays monotonic.
func (a *Adapter) scan(ctx context.Context, root string, progress func(Progress)) ([]*models.Node, map[string]string, map[string][]string, error) {
	handles := make(map[string]string)
	segments := make(map[string][]string)

	rootNode := &models.Node{
		ID:        uuid.NewString(),
		Name:      filepath.Base(root),
		Kind:      models.KindFolder,
		IsOpen:    true,
		CreatedAt: models.NowMillis(),
	}
	nodes := []*models.Node{rootNode}
	handles[rootNode.ID] = root
	segments[rootNode.ID] = nil

	type frame struct {
		dir      string
		parentID string
		segs     []string
	}
	stack := []frame{{dir: root, parentID: rootNode.ID}}
	scanned := 0

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(f.dir)
		if err != nil {
			logging.Warn("skipping unreadable directory", zap.String("dir", f.dir), zap.Error(err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, nil, nil, err
			}

			path := filepath.Join(f.dir, entry.Name())
			segs := append(append([]string{}, f.segs...), entry.Name())
			scanned++
			if progress != nil {
				progress(Progress{Scanned: scanned, CurrentPath: path})
			}

			if entry.IsDir() {
				n := &models.Node{
					ID:        uuid.NewString(),
					ParentID:  f.parentID,
					Name:      entry.Name(),
					Kind:      models.KindFolder,
					CreatedAt: models.NowMillis(),
				}
				nodes = append(nodes, n)
				handles[n.ID] = path
				segments[n.ID] = segs
				stack = append(stack, frame{dir: path, parentID: n.ID, segs: segs})
				continue
			}

			if !noteExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				continue
			}
			content, err := os.ReadFile(path)
			if err != nil {
				logging.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
				continue
			}
			n := &models.Node{
				ID:        uuid.NewString(),
				ParentID:  f.parentID,
				Name:      entry.Name(),
				Kind:      models.KindFile,
				Content:   string(content),
				CreatedAt: models.NowMillis(),
			}
			nodes = append(nodes, n)
			handles[n.ID] = path
			segments[n.ID] = segs
		}
	}
	return nodes, handles, segments, nil
}

func (a *Adapter) saveState() error {
	if err := os.MkdirAll(a.stateDir, 0700); err != nil {
		return err
	}
	data, err := json.Marshal(persistedState{Root: a.root})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.stateDir, stateFileName), data, 0600)
}

// rewritePrefix moves every handle under oldPath to newPath and re-derives
// the affected segment lists from the new paths. Lock held.
func (a *Adapter) rewritePrefix(oldPath, newPath string) {
	prefix := oldPath + string(os.PathSeparator)
	for id, p := range a.handles {
		switch {
		case p == oldPath:
			a.handles[id] = newPath
		case strings.HasPrefix(p, prefix):
			a.handles[id] = newPath + p[len(oldPath):]
		default:
			continue
		}
		rel, err := filepath.Rel(a.root, a.handles[id])
		if err != nil || rel == "." {
			a.segments[id] = nil
			continue
		}
		a.segments[id] = strings.Split(rel, string(os.PathSeparator))
	}
}

// probeWritable checks that the directory exists and grants read-write
// access. Failure is how a declined permission shows up.
func probeWritable(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	probe, err := os.CreateTemp(root, ".quince-probe-*")
	if err != nil {
		return err
	}
	probe.Close()
	return os.Remove(probe.Name())
}
