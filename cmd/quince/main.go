// Package main provides the Quince sync client CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/quincenote/quince/internal/history"
	"github.com/quincenote/quince/internal/localdir"
	"github.com/quincenote/quince/internal/persist"
	"github.com/quincenote/quince/internal/remote"
	"github.com/quincenote/quince/internal/syncer"
	"github.com/quincenote/quince/internal/tree"
	"github.com/quincenote/quince/internal/vault"
	"github.com/quincenote/quince/pkg/logging"
	"github.com/quincenote/quince/pkg/models"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	stateDir := flag.String("state", defaultStateDir(), "State directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if err := logging.Init(logging.Config{Level: *logLevel, Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch args[0] {
	case "signup":
		err = cmdAuth(ctx, *serverURL, args[1:], true)
	case "login":
		err = cmdAuth(ctx, *serverURL, args[1:], false)
	case "logout":
		err = cmdLogout(ctx, *serverURL)
	case "import":
		err = cmdImport(ctx, *stateDir, args[1:])
	case "edit":
		err = cmdEdit(ctx, *serverURL, *stateDir, args[1:])
	case "push":
		err = cmdOneShot(ctx, *serverURL, *stateDir, "push")
	case "pull":
		err = cmdOneShot(ctx, *serverURL, *stateDir, "pull")
	case "sync":
		err = cmdSync(ctx, *serverURL, *stateDir)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdAuth(ctx context.Context, serverURL string, args []string, signUp bool) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: quince %s <email> <password>",
			map[bool]string{true: "signup", false: "login"}[signUp])
	}
	client := remote.New(remote.Config{BaseURL: serverURL})

	var session *remote.Session
	var err error
	if signUp {
		session, err = client.SignUp(ctx, args[0], args[1])
	} else {
		session, err = client.SignIn(ctx, args[0], args[1])
	}
	if err != nil {
		return err
	}
	if err := remote.SaveSession(session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Printf("Signed in as %s\n", session.Email)
	return nil
}

func cmdLogout(ctx context.Context, serverURL string) error {
	session, err := remote.LoadSession()
	if err == nil {
		client := remote.New(remote.Config{BaseURL: serverURL, AuthToken: session.Token})
		if err := client.SignOut(ctx); err != nil {
			logging.Warn("remote sign-out failed", zap.Error(err))
		}
	}
	if err := remote.DeleteSession(); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func cmdImport(ctx context.Context, stateDir string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: quince import <directory>")
	}
	state, err := persist.New(stateDir)
	if err != nil {
		return err
	}

	adapter := localdir.New(stateDir)
	nodes, err := adapter.Open(ctx, args[0], func(p localdir.Progress) {
		fmt.Printf("\rScanning... %d entries (%s)", p.Scanned, p.CurrentPath)
	})
	if err != nil {
		return err
	}
	fmt.Println()

	ts := tree.New()
	ts.ReplaceAll(nodes)
	if err := state.SaveNodes(ts.Snapshot()); err != nil {
		return err
	}
	if err := state.SaveSettings(models.Settings{StorageMode: models.StorageDisk}); err != nil {
		return err
	}
	fmt.Printf("Imported %d nodes from %s\n", len(nodes), adapter.Root())
	return nil
}

// cmdEdit replaces one note's content, records a history snapshot and pushes.
// Locked notes are unlocked with the supplied password, edited through the
// plaintext cache and relocked before the envelope goes back into the tree.
func cmdEdit(ctx context.Context, serverURL, stateDir string, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: quince edit <node-id> <content> [password]")
	}
	eng, err := buildEngine(serverURL, stateDir)
	if err != nil {
		return err
	}
	id, content := args[0], args[1]

	n := eng.tree.Get(id)
	if n == nil {
		return fmt.Errorf("no note with id %s", id)
	}

	if vault.IsEncrypted(n.Content) {
		if len(args) != 3 {
			return fmt.Errorf("note %s is locked; pass the password as the third argument", id)
		}
		if _, err := eng.vault.Unlock(id, n.Content, args[2]); err != nil {
			return err
		}
		if err := eng.vault.Edit(id, content); err != nil {
			return err
		}
		// Relock supersedes the background re-encryption and seals the
		// final plaintext synchronously.
		env, err := eng.vault.Relock(id)
		if err != nil {
			return err
		}
		if err := eng.tree.UpdateContent(id, env); err != nil {
			return err
		}
	} else {
		if err := eng.tree.UpdateContent(id, content); err != nil {
			return err
		}
		eng.coordinator.ContentEdited(id, n.Name, content)
	}

	if err := eng.state.SaveNodes(eng.tree.Snapshot()); err != nil {
		return err
	}
	if err := eng.coordinator.Push(ctx); err != nil {
		return err
	}
	// Stop records the debounced snapshot before the process exits.
	eng.coordinator.Stop()
	fmt.Printf("Saved %s\n", id)
	return nil
}

func cmdOneShot(ctx context.Context, serverURL, stateDir, op string) error {
	eng, err := buildEngine(serverURL, stateDir)
	if err != nil {
		return err
	}
	switch op {
	case "push":
		if err := eng.coordinator.Push(ctx); err != nil {
			return err
		}
		fmt.Printf("Pushed %d nodes\n", eng.tree.Len())
	case "pull":
		if err := eng.coordinator.Pull(ctx); err != nil {
			return err
		}
		if err := eng.state.SaveNodes(eng.tree.Snapshot()); err != nil {
			return err
		}
		fmt.Printf("Pulled %d nodes\n", eng.tree.Len())
	}
	return nil
}

func cmdSync(ctx context.Context, serverURL, stateDir string) error {
	eng, err := buildEngine(serverURL, stateDir)
	if err != nil {
		return err
	}

	// Persist and schedule an auto-push on every tree change.
	eng.tree.SetOnChange(func(nodes []*models.Node) {
		if err := eng.state.SaveNodes(nodes); err != nil {
			logging.Warn("persist failed", zap.Error(err))
		}
		eng.coordinator.TreeChanged(ctx)
	})

	if err := eng.coordinator.Hydrate(ctx, eng.session.UserID, serverURL); err != nil {
		return err
	}

	// Offer the previous directory connection, if any.
	adapter := localdir.New(stateDir)
	if nodes, _ := adapter.RestorePreviousConnection(ctx, nil); nodes != nil {
		logging.Info("directory sync restored",
			zap.String("root", adapter.Root()), zap.Int("nodes", len(nodes)))
		if events, err := adapter.Watch(ctx); err == nil {
			go func() {
				for range events {
					rescan, err := adapter.Open(ctx, adapter.Root(), nil)
					if err != nil {
						logging.Warn("rescan failed", zap.Error(err))
						continue
					}
					eng.tree.ReplaceAll(rescan)
				}
			}()
		}
	}

	subscriber := remote.NewSubscriber(serverURL)
	subscriber.SetAuthToken(eng.session.Token)
	ticks := subscriber.Subscribe(ctx)

	logging.Info("sync running", zap.String("server", serverURL))
	eng.coordinator.Run(ctx, ticks)
	eng.coordinator.Stop()
	return nil
}

type engine struct {
	state       *persist.Store
	tree        *tree.Store
	vault       *vault.Vault
	history     *history.Recorder
	client      *remote.Client
	session     *remote.Session
	coordinator *syncer.Coordinator
}

func buildEngine(serverURL, stateDir string) (*engine, error) {
	session, err := remote.LoadSession()
	if err != nil {
		return nil, fmt.Errorf("not signed in (run: quince login)")
	}

	state, err := persist.New(stateDir)
	if err != nil {
		return nil, err
	}

	ts := tree.New()
	if nodes, err := state.LoadNodes(); err == nil && nodes != nil {
		ts.ReplaceAll(nodes)
	}

	v := vault.New(func(nodeID, enc string) {
		if err := ts.UpdateContent(nodeID, enc); err != nil {
			logging.Warn("re-encryption commit failed", zap.String("node", nodeID), zap.Error(err))
		}
	})

	client := remote.New(remote.Config{BaseURL: serverURL, AuthToken: session.Token})

	recorder := history.New()
	coordinator := syncer.New(syncer.Config{
		Tree:    ts,
		Vault:   v,
		History: recorder,
		Remote:  client,
		Notify: func(level, msg string) {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", level, msg)
		},
	})

	return &engine{
		state:       state,
		tree:        ts,
		vault:       v,
		history:     recorder,
		client:      client,
		session:     session,
		coordinator: coordinator,
	}, nil
}

func defaultStateDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "quince")
}

func printUsage() {
	fmt.Println(`Quince Sync Client

Usage: quince [flags] <command> [args]

Flags:
  -server <url>   Server URL (default: http://localhost:8080)
  -state <dir>    State directory
  -log-level <l>  Log level

Commands:
  signup <email> <password>  Create an account
  login <email> <password>   Sign in and persist the session
  logout                     Sign out and drop the session
  import <directory>         Import a directory as the note tree
  edit <id> <content> [pw]   Replace a note's content and push
  pull                       Replace the local tree from the server
  push                       Replace the server rows from the local tree
  sync                       Run the realtime sync loop
  help                       Show this help`)
}
