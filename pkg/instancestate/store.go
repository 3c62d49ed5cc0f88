// Package instancestate keeps a JSON file per live instance so that
// instances left behind by a crashed process can be found later.
package instancestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/quatton/qbench/pkg/fleet"
)

// Store writes instance records under <baseDir>/.qbench/instances.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore returns a Store rooted at baseDir. An empty baseDir means the
// working directory.
func NewStore(baseDir string) *Store {
	if baseDir == "" {
		baseDir, _ = os.Getwd()
	}
	return &Store{baseDir: baseDir}
}

func (s *Store) root() string {
	return filepath.Join(s.baseDir, ".qbench", "instances")
}

func (s *Store) path(orchestrationID, specID string) string {
	return filepath.Join(s.root(), orchestrationID, specID+".json")
}

// Save writes the current state of inst.
func (s *Store) Save(inst *fleet.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path(inst.OrchestrationID, inst.Spec.ID)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write instance state: %w", err)
	}
	return os.Rename(tmp, p)
}

// Remove deletes the record. Removing a missing record is not an error.
// The orchestration directory is removed once empty.
func (s *Store) Remove(orchestrationID, specID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(orchestrationID, specID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove instance state: %w", err)
	}
	dir := filepath.Join(s.root(), orchestrationID)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
	return nil
}

// List returns every record still on disk, oldest orchestration first.
func (s *Store) List() ([]*fleet.Instance, error) {
	orchs, err := os.ReadDir(s.root())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*fleet.Instance{}, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var out []*fleet.Instance
	for _, o := range orchs {
		if !o.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(s.root(), o.Name(), "*.json"))
		if err != nil {
			continue
		}
		sort.Strings(files)
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				// Skip records that can't be read
				continue
			}
			var inst fleet.Instance
			if err := json.Unmarshal(data, &inst); err != nil {
				continue
			}
			out = append(out, &inst)
		}
	}
	return out, nil
}
