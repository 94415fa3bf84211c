// Package persist stores the three independent application values (node
// collection, settings, open tabs) as JSON files under a state directory.
// Each value is read once at startup and rewritten whole on every change.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/quincenote/quince/pkg/models"
)

const (
	nodesFile    = "nodes.json"
	settingsFile = "settings.json"
	tabsFile     = "tabs.json"
)

// Store reads and writes the persisted values.
type Store struct {
	dir string
}

// New creates a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// LoadNodes returns the persisted node collection, or nil if none exists.
func (s *Store) LoadNodes() ([]*models.Node, error) {
	var nodes []*models.Node
	err := s.load(nodesFile, &nodes)
	return nodes, err
}

// SaveNodes rewrites the persisted node collection.
func (s *Store) SaveNodes(nodes []*models.Node) error {
	return s.save(nodesFile, nodes)
}

// LoadSettings returns the persisted settings, or zero settings.
func (s *Store) LoadSettings() (models.Settings, error) {
	var settings models.Settings
	err := s.load(settingsFile, &settings)
	return settings, err
}

// SaveSettings rewrites the persisted settings.
func (s *Store) SaveSettings(settings models.Settings) error {
	return s.save(settingsFile, settings)
}

// LoadTabs returns the persisted open-tab node ids.
func (s *Store) LoadTabs() ([]string, error) {
	var tabs []string
	err := s.load(tabsFile, &tabs)
	return tabs, err
}

// SaveTabs rewrites the persisted open-tab list.
func (s *Store) SaveTabs(tabs []string) error {
	return s.save(tabsFile, tabs)
}

func (s *Store) load(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// save writes atomically: temp file then rename.
func (s *Store) save(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
