package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"customer-flow-console/internal/annotation"
)

// PersistedSource is the durable projection of one source. Runtime fields
// such as live boxes, channel status and error text are never stored.
type PersistedSource struct {
	URL         string                `json:"url"`
	DisplayName string                `json:"displayName"`
	Annotation  annotation.Annotation `json:"annotation"`
}

// PersistedState is the durable projection of the registry.
type PersistedState struct {
	ActiveID string            `json:"activeId,omitempty"`
	Sources  []PersistedSource `json:"sources"`
}

// Store is the persistence abstraction for the registry projection.
// Implementations can be in-memory or file-based.
type Store interface {
	// Load returns the last saved state. ok is false if nothing was saved yet.
	Load() (state PersistedState, ok bool, err error)
	Save(state PersistedState) error
}

// InMemoryStore keeps the projection in memory. It is used in tests and when
// no state file is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	state *PersistedState
	saves int
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Load implements Store.Load.
func (s *InMemoryStore) Load() (PersistedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return PersistedState{}, false, nil
	}
	return copyState(*s.state), true, nil
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(state PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyState(state)
	s.state = &c
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *InMemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func copyState(in PersistedState) PersistedState {
	out := PersistedState{ActiveID: in.ActiveID, Sources: make([]PersistedSource, 0, len(in.Sources))}
	for _, p := range in.Sources {
		p.Annotation = p.Annotation.Clone()
		out.Sources = append(out.Sources, p)
	}
	return out
}

// FileStore keeps the projection in a JSON file, replaced atomically on
// every save.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store.Load. A missing file is not an error.
func (s *FileStore) Load() (PersistedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return PersistedState{}, false, nil
	}
	if err != nil {
		return PersistedState{}, false, fmt.Errorf("read state file: %w", err)
	}
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, false, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return state, true, nil
}

// Save implements Store.Save.
func (s *FileStore) Save(state PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Export returns the durable projection of the registry.
func (r *Registry) Export() PersistedState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := PersistedState{ActiveID: r.activeID, Sources: make([]PersistedSource, 0, len(r.order))}
	for _, id := range r.order {
		s := r.sources[id]
		state.Sources = append(state.Sources, PersistedSource{
			URL:         s.ID,
			DisplayName: s.DisplayName,
			Annotation:  s.Annotation.Clone(),
		})
	}
	return state
}

// Restore loads a persisted projection into the registry. Every restored
// source starts idle with an idle channel and no live data; annotations are
// repaired if they break polygon invariants. Sources already tracked are
// skipped. The ids restored are returned in order.
func (r *Registry) Restore(state PersistedState) []string {
	var restored []string
	r.mu.Lock()
	for _, p := range state.Sources {
		if p.URL == "" {
			continue
		}
		if _, exists := r.sources[p.URL]; exists {
			continue
		}
		s := newSource(p.URL)
		if p.DisplayName != "" {
			s.DisplayName = p.DisplayName
		}
		s.Annotation = annotation.Normalize(p.Annotation)
		r.insertLocked(s)
		restored = append(restored, p.URL)
	}
	if _, ok := r.sources[state.ActiveID]; ok && r.activeID == "" {
		r.activeID = state.ActiveID
	}
	r.refreshModeLocked()
	ev := r.stateEventLocked(EventRegistry, "")
	r.mu.Unlock()

	if len(restored) > 0 {
		r.logger.Info("restored sources", "count", len(restored), "active", ev.ActiveID)
		r.emit(ev)
	}
	return restored
}
