// Package runid resolves, persists and clears the identity of the active rewrite run for a source version.
package runid

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// Source tells where a resolved identity came from
type Source string

// Source constants, in lookup order
const (
	SourceNone   Source = ""
	SourceMemory Source = "memory"
	SourceStore  Source = "store"
	SourceRemote Source = "remote"
)

// RemoteLookup queries the engine for the most recent queued or running run
type RemoteLookup interface {
	ActiveRun(ctx context.Context, ref types.SourceRef) (types.RunID, error)
}

// Manager is the sole authority for "which run is active" for a source version.
// Every lookup failure is treated as a miss: no identity is a normal condition.
type Manager struct {
	store  Store
	remote RemoteLookup
	onMiss func(stage Source, err error)

	mu     sync.Mutex
	cached map[string]types.RunID
	group  singleflight.Group
}

// NewManager creates a manager over the given side-channel and remote lookup. Either may be nil.
func NewManager(store Store, remote RemoteLookup) *Manager {
	return &Manager{
		store:  store,
		remote: remote,
		cached: make(map[string]types.RunID),
	}
}

// OnLookupError registers a hook for swallowed lookup failures
func (m *Manager) OnLookupError(fn func(stage Source, err error)) {
	m.onMiss = fn
}

type resolution struct {
	id     types.RunID
	source Source
}

// Resolve returns the active run for ref, trying memory, then the side-channel, then the engine.
// The first hit is cached back into memory and the side-channel.
func (m *Manager) Resolve(ctx context.Context, ref types.SourceRef) (types.RunID, Source) {
	key := ref.Key()

	m.mu.Lock()
	if id, ok := m.cached[key]; ok && !id.IsZero() {
		m.mu.Unlock()
		return id, SourceMemory
	}
	m.mu.Unlock()

	v, _, _ := m.group.Do(key, func() (any, error) {
		return m.resolveSlow(ctx, ref), nil
	})
	res := v.(resolution)
	return res.id, res.source
}

func (m *Manager) resolveSlow(ctx context.Context, ref types.SourceRef) resolution {
	key := ref.Key()

	if m.store != nil {
		id, err := m.store.Get(ctx, key)
		if err != nil {
			m.miss(SourceStore, err)
		} else if !id.IsZero() {
			m.remember(key, id)
			return resolution{id: id, source: SourceStore}
		}
	}

	if m.remote != nil {
		id, err := m.remote.ActiveRun(ctx, ref)
		if err != nil {
			m.miss(SourceRemote, err)
		} else if !id.IsZero() {
			m.remember(key, id)
			m.writeStore(ctx, key, id)
			return resolution{id: id, source: SourceRemote}
		}
	}

	return resolution{source: SourceNone}
}

// Cached returns the in-memory identity for ref without any I/O
func (m *Manager) Cached(ref types.SourceRef) types.RunID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached[ref.Key()]
}

// Persist records id as the active run for ref in memory and the side-channel
func (m *Manager) Persist(ctx context.Context, ref types.SourceRef, id types.RunID) {
	key := ref.Key()
	m.remember(key, id)
	m.writeStore(ctx, key, id)
}

// Clear forgets the active run for ref
func (m *Manager) Clear(ctx context.Context, ref types.SourceRef) {
	key := ref.Key()
	m.mu.Lock()
	delete(m.cached, key)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, key); err != nil {
			m.miss(SourceStore, err)
		}
	}
}

func (m *Manager) remember(key string, id types.RunID) {
	m.mu.Lock()
	m.cached[key] = id
	m.mu.Unlock()
}

func (m *Manager) writeStore(ctx context.Context, key string, id types.RunID) {
	if m.store == nil {
		return
	}
	if err := m.store.Set(ctx, key, id); err != nil {
		m.miss(SourceStore, err)
	}
}

func (m *Manager) miss(stage Source, err error) {
	if m.onMiss != nil {
		m.onMiss(stage, err)
	}
}
