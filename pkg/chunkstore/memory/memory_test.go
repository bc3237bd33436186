package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittobackup/pkg/chunkstore"
	storetesting "github.com/marmos91/dittobackup/pkg/chunkstore/testing"
)

// TestMemoryStore runs the complete Store test suite against the in-memory
// implementation.
func TestMemoryStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) chunkstore.Store {
			return New()
		},
	}

	suite.Run(t)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, chunkstore.ErrClosed)
	assert.ErrorIs(t, s.Put(context.Background(), "k", nil), chunkstore.ErrClosed)
}
