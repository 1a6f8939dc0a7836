package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/relves/anonsignal/internal/storage"
	"github.com/relves/anonsignal/pkg/types"
)

// StoreManager manages one GroupStore per group with caching.
type StoreManager struct {
	basePath string
	stores   map[types.GroupID]*GroupStore
	mu       sync.RWMutex
}

func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[types.GroupID]*GroupStore),
	}
}

// GetStore returns the GroupStore for id, opening it on first use.
func (m *StoreManager) GetStore(id types.GroupID) (*GroupStore, error) {
	m.mu.RLock()
	if store, ok := m.stores[id]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[id]; ok {
		return store, nil
	}

	store, err := OpenGroupStore(m.basePath, id)
	if err != nil {
		return nil, err
	}

	m.stores[id] = store
	return store, nil
}

// GroupIDs lists groups that have a database on disk, in ascending order.
func (m *StoreManager) GroupIDs() ([]types.GroupID, error) {
	entries, err := os.ReadDir(filepath.Join(m.basePath, "groups"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []types.GroupID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := types.ParseGroupID(e.Name())
		if err != nil || id.String() != e.Name() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.basePath, "groups", e.Name(), "group.db")); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[types.GroupID]*GroupStore)
	return errors.Join(errs...)
}

func (m *StoreManager) BasePath() string {
	return m.basePath
}

// GetStateStore returns the store for id as a storage.GroupStateStore.
func (m *StoreManager) GetStateStore(id types.GroupID) (storage.GroupStateStore, error) {
	return m.GetStore(id)
}
