package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittobackup/pkg/chunkstore"
	storetesting "github.com/marmos91/dittobackup/pkg/chunkstore/testing"
)

func TestFSStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) chunkstore.Store {
			store, err := New(context.Background(), t.TempDir())
			require.NoError(t, err)
			return store
		},
	}

	suite.Run(t)
}

func TestFSStoreLayout(t *testing.T) {
	base := t.TempDir()
	store, err := New(context.Background(), base)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "chunks/ab12/ab12ff", []byte("chunk")))

	data, err := os.ReadFile(filepath.Join(base, "chunks", "ab12", "ab12ff"))
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk"), data)
}

func TestFSStoreIgnoresPartialWrites(t *testing.T) {
	base := t.TempDir()
	store, err := New(context.Background(), base)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "dir/real", []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(base, "dir", tempPrefix+"123"), []byte("partial"), 0644))

	keys, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/real"}, keys)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.ObjectCount)
}

func TestFSStoreRequiresBasePath(t *testing.T) {
	_, err := New(context.Background(), "")
	assert.Error(t, err)
}
