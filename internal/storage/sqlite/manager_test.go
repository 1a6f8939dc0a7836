package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/anonsignal/internal/storage/sqlite"
	"github.com/relves/anonsignal/pkg/types"
)

func TestStoreManager_GetStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.GetStore(1)
	require.NoError(t, err)
	require.NotNil(t, store1)

	// Get same store again - should be cached
	store2, err := manager.GetStore(1)
	require.NoError(t, err)
	assert.Same(t, store1, store2)
}

func TestStoreManager_MultipleStores(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	store1, err := manager.GetStore(1)
	require.NoError(t, err)
	store2, err := manager.GetStore(2)
	require.NoError(t, err)

	assert.NotSame(t, store1, store2)
	assert.Equal(t, types.GroupID(1), store1.GroupID())
	assert.Equal(t, types.GroupID(2), store2.GroupID())
}

func TestStoreManager_GroupIDs(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)
	defer manager.CloseAll()

	ids, err := manager.GroupIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []types.GroupID{30, 2, 100} {
		_, err := manager.GetStore(id)
		require.NoError(t, err)
	}
	// Stray entries are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "groups", "not-a-group"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "groups", "55"), 0755))

	ids, err = manager.GroupIDs()
	require.NoError(t, err)
	assert.Equal(t, []types.GroupID{2, 30, 100}, ids)
}

func TestStoreManager_CloseAll(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-manager-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager := sqlite.NewStoreManager(tmpDir)

	_, err = manager.GetStore(1)
	require.NoError(t, err)
	_, err = manager.GetStore(2)
	require.NoError(t, err)

	assert.NoError(t, manager.CloseAll())
}
