// Package syncer orchestrates reconciliation between the in-memory tree and
// the remote row store.
//
// The subtle part is avoiding feedback loops: a local full push makes the
// server broadcast a change tick, and that tick can arrive after the push's
// own HTTP response. A mutation guard is set around every remote-affecting
// operation and released only after a cool-down window, and ticks arriving
// while the guard is set are ignored.
package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quincenote/quince/internal/history"
	"github.com/quincenote/quince/internal/metrics"
	"github.com/quincenote/quince/internal/remote"
	"github.com/quincenote/quince/internal/tree"
	"github.com/quincenote/quince/internal/vault"
	"github.com/quincenote/quince/pkg/logging"
	"github.com/quincenote/quince/pkg/models"
)

const (
	// DefaultGuardCooldown keeps the mutation guard set after a push or
	// self-initiated pull completes, long enough for the operation's own
	// realtime tick to arrive and be ignored.
	DefaultGuardCooldown = 1200 * time.Millisecond
	// DefaultPushDebounce is the tree-change quiescence window before an
	// auto-push (trailing).
	DefaultPushDebounce = 3 * time.Second
	// DefaultHistoryDebounce is the content-change quiescence window before
	// a history snapshot.
	DefaultHistoryDebounce = 5 * time.Second
)

// Notification severity levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// RemoteStore is the slice of the remote adapter the coordinator drives.
type RemoteStore interface {
	PullAll(ctx context.Context) ([]*models.Node, error)
	PushAll(ctx context.Context, nodes []*models.Node) error
}

type hydrationKey struct {
	userID   string
	endpoint string
}

// Config wires a Coordinator.
type Config struct {
	Tree    *tree.Store
	Vault   *vault.Vault
	History *history.Recorder
	Remote  RemoteStore

	// Notify surfaces user-visible sync failures. Optional.
	Notify func(level, msg string)

	GuardCooldown   time.Duration
	PushDebounce    time.Duration
	HistoryDebounce time.Duration
}

// Coordinator owns the mutation guard, the hydration bookkeeping and the
// debounce timers.
type Coordinator struct {
	tree    *tree.Store
	vault   *vault.Vault
	history *history.Recorder
	remote  RemoteStore
	notify  func(level, msg string)

	guardCooldown   time.Duration
	pushDebounce    time.Duration
	historyDebounce time.Duration

	mu            sync.Mutex
	guard         bool
	guardRelease  *time.Timer
	pushTimer     *time.Timer
	historyTimers map[string]*time.Timer
	pendingEdits  map[string]pendingEdit
	hydrated      map[hydrationKey]bool
}

type pendingEdit struct {
	name    string
	content string
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		tree:            cfg.Tree,
		vault:           cfg.Vault,
		history:         cfg.History,
		remote:          cfg.Remote,
		notify:          cfg.Notify,
		guardCooldown:   cfg.GuardCooldown,
		pushDebounce:    cfg.PushDebounce,
		historyDebounce: cfg.HistoryDebounce,
		historyTimers:   make(map[string]*time.Timer),
		pendingEdits:    make(map[string]pendingEdit),
		hydrated:        make(map[hydrationKey]bool),
	}
	if c.guardCooldown == 0 {
		c.guardCooldown = DefaultGuardCooldown
	}
	if c.pushDebounce == 0 {
		c.pushDebounce = DefaultPushDebounce
	}
	if c.historyDebounce == 0 {
		c.historyDebounce = DefaultHistoryDebounce
	}
	if c.notify == nil {
		c.notify = func(level, msg string) {}
	}
	return c
}

// Guarded reports whether the mutation guard is currently set.
func (c *Coordinator) Guarded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guard
}

// setGuard raises the guard and cancels any pending release.
func (c *Coordinator) setGuard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = true
	if c.guardRelease != nil {
		c.guardRelease.Stop()
		c.guardRelease = nil
	}
}

// scheduleGuardRelease arms the cool-down release. Runs on every exit path
// of a guarded operation, success or failure, so the guard can never stay
// permanently set.
func (c *Coordinator) scheduleGuardRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.guardRelease != nil {
		c.guardRelease.Stop()
	}
	c.guardRelease = time.AfterFunc(c.guardCooldown, func() {
		c.mu.Lock()
		c.guard = false
		c.guardRelease = nil
		c.mu.Unlock()
	})
}

// Hydrate pulls the remote tree once per {userID, endpoint}. Re-invocations
// with the same key are no-ops; a different key triggers exactly one fresh
// pull.
func (c *Coordinator) Hydrate(ctx context.Context, userID, endpoint string) error {
	key := hydrationKey{userID: userID, endpoint: endpoint}

	c.mu.Lock()
	if c.hydrated[key] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.Pull(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.hydrated[key] = true
	c.mu.Unlock()
	logging.Info("hydrated from remote",
		zap.String("user_id", userID), zap.String("endpoint", endpoint))
	return nil
}

// IsHydrated reports whether the given session has hydrated.
func (c *Coordinator) IsHydrated(userID, endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated[hydrationKey{userID: userID, endpoint: endpoint}]
}

// InvalidateHydration forgets hydration state, e.g. on sign-out.
func (c *Coordinator) InvalidateHydration() {
	c.mu.Lock()
	c.hydrated = make(map[hydrationKey]bool)
	c.mu.Unlock()
}

// Pull fetches the remote tree and replaces the local one. The guard is
// held for the duration plus the cool-down. A failed pull leaves the tree
// in its last-known-good state.
func (c *Coordinator) Pull(ctx context.Context) error {
	c.setGuard()
	defer c.scheduleGuardRelease()

	nodes, err := c.remote.PullAll(ctx)
	if err != nil {
		metrics.RecordSyncPull(false)
		c.notify(LevelError, "Could not load notes from the cloud: "+err.Error())
		return err
	}

	c.tree.ReplaceAll(nodes)
	live := c.tree.IDs()
	c.vault.Purge(live)
	c.history.Purge(live)
	metrics.RecordSyncPull(true)
	metrics.SetNoteTreeSize(int64(len(nodes)))
	return nil
}

// Push sends the current tree snapshot as a full replace.
func (c *Coordinator) Push(ctx context.Context) error {
	c.setGuard()
	defer c.scheduleGuardRelease()

	snapshot := c.tree.Snapshot()
	if err := c.remote.PushAll(ctx, snapshot); err != nil {
		metrics.RecordSyncPush(false)
		c.notify(LevelError, "Could not save notes to the cloud: "+err.Error())
		return err
	}
	metrics.RecordSyncPush(true)
	metrics.SetNoteTreeSize(int64(len(snapshot)))
	return nil
}

// TreeChanged schedules a trailing auto-push: each call inside the window
// resets the timer. The push is skipped entirely before any hydration has
// completed (pushing a pre-hydration tree would overwrite the remote set),
// and re-armed while the guard is set (the change came from a pull).
func (c *Coordinator) TreeChanged(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pushTimer != nil {
		c.pushTimer.Stop()
	}
	c.pushTimer = time.AfterFunc(c.pushDebounce, func() {
		c.mu.Lock()
		hydrated := len(c.hydrated) > 0
		c.mu.Unlock()
		if !hydrated {
			return
		}
		if c.Guarded() {
			c.TreeChanged(ctx)
			return
		}
		if err := c.Push(ctx); err != nil {
			logging.Warn("auto-push failed", zap.Error(err))
		}
	})
}

// ContentEdited schedules a debounced history snapshot for a node. Rapid
// successive edits collapse into one snapshot of the final content.
func (c *Coordinator) ContentEdited(nodeID, name, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingEdits[nodeID] = pendingEdit{name: name, content: content}
	if t, ok := c.historyTimers[nodeID]; ok {
		t.Stop()
	}
	c.historyTimers[nodeID] = time.AfterFunc(c.historyDebounce, func() {
		c.mu.Lock()
		edit, ok := c.pendingEdits[nodeID]
		delete(c.pendingEdits, nodeID)
		delete(c.historyTimers, nodeID)
		c.mu.Unlock()
		if ok {
			c.history.Record(nodeID, edit.name, edit.content)
		}
	})
}

// Run consumes realtime change ticks until ctx is done. Ticks arriving
// while the guard is set are the echoes of our own pushes and are ignored;
// everything else triggers a full re-pull.
func (c *Coordinator) Run(ctx context.Context, ticks <-chan remote.ChangeTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			if c.Guarded() {
				metrics.RecordTickSuppressed()
				logging.Debug("change tick suppressed by mutation guard")
				continue
			}
			if err := c.Pull(ctx); err != nil {
				logging.Warn("realtime-triggered pull failed", zap.Error(err))
			}
		}
	}
}

// Stop cancels pending timers, recording any pending history edits first so
// a shutdown does not lose the last snapshot. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.pushTimer != nil {
		c.pushTimer.Stop()
		c.pushTimer = nil
	}
	if c.guardRelease != nil {
		c.guardRelease.Stop()
		c.guardRelease = nil
	}
	for id, t := range c.historyTimers {
		t.Stop()
		delete(c.historyTimers, id)
	}
	pending := c.pendingEdits
	c.pendingEdits = make(map[string]pendingEdit)
	c.mu.Unlock()

	for id, edit := range pending {
		c.history.Record(id, edit.name, edit.content)
	}
}
