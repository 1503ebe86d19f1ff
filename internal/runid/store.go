package runid

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// Store is the durable side-channel holding the active run per scope key.
// Get returns "" with a nil error when nothing is stored. Writes are last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) (types.RunID, error)
	Set(ctx context.Context, key string, id types.RunID) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a process-scoped Store
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]types.RunID
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]types.RunID)}
}

// Get returns the stored identity for key
func (s *MemoryStore) Get(_ context.Context, key string) (types.RunID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[key], nil
}

// Set stores id under key
func (s *MemoryStore) Set(_ context.Context, key string, id types.RunID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[key] = id
	return nil
}

// Delete removes key
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, key)
	return nil
}

// FileStore persists identities in a local JSON file, shared by every process on the host
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed store at the given path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileState struct {
	Runs map[string]types.RunID `json:"runs"`
}

// Get returns the stored identity for key
func (s *FileStore) Get(ctx context.Context, key string) (types.RunID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	return state.Runs[key], nil
}

// Set stores id under key
func (s *FileStore) Set(ctx context.Context, key string, id types.RunID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("scope key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	state.Runs[key] = id
	return s.saveLocked(state)
}

// Delete removes key
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := state.Runs[key]; !ok {
		return nil
	}
	delete(state.Runs, key)
	return s.saveLocked(state)
}

func (s *FileStore) loadLocked() (fileState, error) {
	if s.path == "" {
		return emptyState(), errors.New("store path is required")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyState(), nil
		}
		return fileState{}, err
	}
	if len(data) == 0 {
		return emptyState(), nil
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fileState{}, err
	}
	if state.Runs == nil {
		state.Runs = make(map[string]types.RunID)
	}
	return state, nil
}

func (s *FileStore) saveLocked(state fileState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-runs-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func emptyState() fileState {
	return fileState{Runs: make(map[string]types.RunID)}
}
