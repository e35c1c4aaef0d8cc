// Package state persists when each library was last synchronized and what
// the pass stored, in a small JSON file next to the database.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// CurrentVersion is the current version of the sync state format
	CurrentVersion = "3.0"
	// DefaultStateFile is the default path for the sync state file
	DefaultStateFile = "./data/sync_state.json"
)

// State is the sync state of every library. Timestamps are Unix milliseconds.
type State struct {
	Version   string             `json:"version"`
	LastSync  int64              `json:"lastSync"`
	Libraries map[string]Library `json:"libraries"`
	mu        sync.RWMutex       `json:"-"`
}

// Library is the outcome of the last completed pass over one library
type Library struct {
	LastUpdated int64 `json:"lastUpdated"`
	Authors     int   `json:"authors"`
	Series      int   `json:"series"`
	Books       int   `json:"books"`
	// Skipped counts entities that failed to adapt, resolve or store
	Skipped int `json:"skipped"`
}

// NewState creates a new empty state with current version
func NewState() *State {
	return &State{
		Version:   CurrentVersion,
		Libraries: make(map[string]Library),
	}
}

// LoadState reads the state file, migrating older formats. A missing file
// yields a fresh state that is written straight away so an unwritable
// directory shows up before the first sync.
func LoadState(path string) (*State, error) {
	if path == "" {
		path = DefaultStateFile
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		state := NewState()
		if err := state.Save(path); err != nil {
			return nil, fmt.Errorf("failed to initialize new state file at %q: %w", path, err)
		}
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file at %q: %w", path, err)
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("invalid state file format: %w", err)
	}

	switch version.Version {
	case CurrentVersion:
		state := NewState()
		if err := json.Unmarshal(data, state); err != nil {
			return nil, fmt.Errorf("failed to parse state: %w", err)
		}
		if state.Libraries == nil {
			state.Libraries = make(map[string]Library)
		}
		return state, nil
	case "2.0":
		return migrateV2(data)
	default:
		return nil, fmt.Errorf("unsupported state version: %q", version.Version)
	}
}

// Save writes the state atomically through a temp file in the same directory
func (s *State) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path == "" {
		path = DefaultStateFile
	}
	targetDir := filepath.Dir(path)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %q: %w", targetDir, err)
	}

	tmpFile, err := os.CreateTemp(targetDir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", targetDir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions on state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}
	return nil
}

// RecordLibrary stores the result of a completed pass
func (s *State) RecordLibrary(libraryID string, lib Library, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lib.LastUpdated = now.UnixMilli()
	s.Libraries[libraryID] = lib
	s.LastSync = lib.LastUpdated
}

// GetLibrary returns the last recorded pass over a library
func (s *State) GetLibrary(libraryID string) (Library, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lib, ok := s.Libraries[libraryID]
	return lib, ok
}

// NeedsSync reports whether the library was never synchronized or its last
// pass is older than maxAge. A maxAge of zero or less always needs a sync.
func (s *State) NeedsSync(libraryID string, maxAge time.Duration, now time.Time) bool {
	lib, ok := s.GetLibrary(libraryID)
	if !ok || maxAge <= 0 {
		return true
	}
	return now.Sub(time.UnixMilli(lib.LastUpdated)) > maxAge
}
