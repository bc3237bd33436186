// Package testing provides a reusable contract test suite for
// chunkstore.Store implementations.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittobackup/pkg/chunkstore"
)

// StoreTestSuite tests the Store contract, not implementation details, so
// it can run against memory, filesystem and S3 stores alike.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) chunkstore.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) chunkstore.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("Listing", suite.RunListTests)
	t.Run("Batch", suite.RunBatchTests)
	t.Run("Statistics", suite.RunStatsTests)
	t.Run("Concurrency", suite.testConcurrentPuts)
}

// RunBasicTests covers Put, Get, Exists, Size and Delete.
func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("PutGet", suite.testPutGet)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("GetNotFound", suite.testGetNotFound)
	t.Run("Exists", suite.testExists)
	t.Run("Size", suite.testSize)
	t.Run("DeleteIdempotent", suite.testDeleteIdempotent)
	t.Run("InvalidKey", suite.testInvalidKey)
	t.Run("CallerBufferReuse", suite.testCallerBufferReuse)
	t.Run("EmptyObject", suite.testEmptyObject)
	t.Run("CancelledContext", suite.testCancelledContext)
}

// RunListTests covers prefix listing.
func (suite *StoreTestSuite) RunListTests(t *testing.T) {
	t.Run("Prefix", suite.testListPrefix)
	t.Run("Empty", suite.testListEmpty)
}

// RunBatchTests covers DeleteBatch.
func (suite *StoreTestSuite) RunBatchTests(t *testing.T) {
	t.Run("DeleteBatch", suite.testDeleteBatch)
	t.Run("DeleteBatchMissing", suite.testDeleteBatchMissing)
}

// RunStatsTests covers Stats.
func (suite *StoreTestSuite) RunStatsTests(t *testing.T) {
	t.Run("Stats", suite.testStats)
}

func testContext() context.Context {
	return context.Background()
}

func mustPut(t *testing.T, store chunkstore.Store, key string, data []byte) {
	t.Helper()
	require.NoError(t, store.Put(testContext(), key, data), "Put %s should succeed", key)
}

func mustGet(t *testing.T, store chunkstore.Store, key string) []byte {
	t.Helper()
	data, err := store.Get(testContext(), key)
	require.NoError(t, err, "Get %s should succeed", key)
	return data
}

func assertExists(t *testing.T, store chunkstore.Store, key string, expected bool) {
	t.Helper()
	exists, err := store.Exists(testContext(), key)
	require.NoError(t, err, "Exists should not error")
	assert.Equal(t, expected, exists, "existence mismatch for %s", key)
}

// generateTestData creates deterministic test data of the given size.
func generateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	store := suite.NewStore(t)
	data := generateTestData(64 * 1024)

	mustPut(t, store, "chunks/0001/0001aa", data)
	assert.Equal(t, data, mustGet(t, store, "chunks/0001/0001aa"))
}

func (suite *StoreTestSuite) testOverwrite(t *testing.T) {
	store := suite.NewStore(t)

	mustPut(t, store, "obj", []byte("old data"))
	mustPut(t, store, "obj", []byte("new data that is longer"))
	assert.Equal(t, []byte("new data that is longer"), mustGet(t, store, "obj"))
}

func (suite *StoreTestSuite) testGetNotFound(t *testing.T) {
	store := suite.NewStore(t)

	_, err := store.Get(testContext(), "missing/key")
	assert.ErrorIs(t, err, chunkstore.ErrNotFound)

	_, err = store.Size(testContext(), "missing/key")
	assert.ErrorIs(t, err, chunkstore.ErrNotFound)
}

func (suite *StoreTestSuite) testExists(t *testing.T) {
	store := suite.NewStore(t)

	assertExists(t, store, "a/b", false)
	mustPut(t, store, "a/b", []byte("x"))
	assertExists(t, store, "a/b", true)
	assertExists(t, store, "a", false)
}

func (suite *StoreTestSuite) testSize(t *testing.T) {
	store := suite.NewStore(t)

	mustPut(t, store, "sized", generateTestData(1234))
	size, err := store.Size(testContext(), "sized")
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), size)
}

func (suite *StoreTestSuite) testDeleteIdempotent(t *testing.T) {
	store := suite.NewStore(t)

	mustPut(t, store, "gone", []byte("x"))
	require.NoError(t, store.Delete(testContext(), "gone"))
	assertExists(t, store, "gone", false)
	require.NoError(t, store.Delete(testContext(), "gone"), "deleting twice must succeed")
	require.NoError(t, store.Delete(testContext(), "never/existed"))
}

func (suite *StoreTestSuite) testInvalidKey(t *testing.T) {
	store := suite.NewStore(t)

	for _, key := range []string{"", "/abs", "../up", "a//b"} {
		assert.ErrorIs(t, store.Put(testContext(), key, []byte("x")), chunkstore.ErrInvalidKey, key)
		_, err := store.Get(testContext(), key)
		assert.ErrorIs(t, err, chunkstore.ErrInvalidKey, key)
	}
}

func (suite *StoreTestSuite) testCallerBufferReuse(t *testing.T) {
	store := suite.NewStore(t)

	buf := []byte("original")
	mustPut(t, store, "buf", buf)
	copy(buf, "mutated!")
	assert.Equal(t, []byte("original"), mustGet(t, store, "buf"), "store must not retain the caller's buffer")

	got := mustGet(t, store, "buf")
	got[0] = 'X'
	assert.Equal(t, []byte("original"), mustGet(t, store, "buf"), "Get must return a private copy")
}

func (suite *StoreTestSuite) testEmptyObject(t *testing.T) {
	store := suite.NewStore(t)

	mustPut(t, store, "empty", nil)
	assertExists(t, store, "empty", true)
	assert.Empty(t, mustGet(t, store, "empty"))
}

func (suite *StoreTestSuite) testCancelledContext(t *testing.T) {
	store := suite.NewStore(t)

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, "k", []byte("x")), context.Canceled)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.List(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func (suite *StoreTestSuite) testListPrefix(t *testing.T) {
	store := suite.NewStore(t)

	keys := []string{
		"chunks/aa00/aa0001",
		"chunks/aa00/aa0002",
		"chunks/bb00/bb0001",
		"snapshots/vm/100/1/index.cbor",
	}
	for _, key := range keys {
		mustPut(t, store, key, []byte(key))
	}

	got, err := store.List(testContext(), "chunks/")
	require.NoError(t, err)
	assert.Equal(t, keys[:3], got)

	got, err = store.List(testContext(), "chunks/aa00/")
	require.NoError(t, err)
	assert.Equal(t, keys[:2], got)

	got, err = store.List(testContext(), "")
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

func (suite *StoreTestSuite) testListEmpty(t *testing.T) {
	store := suite.NewStore(t)

	got, err := store.List(testContext(), "nothing/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func (suite *StoreTestSuite) testDeleteBatch(t *testing.T) {
	store := suite.NewStore(t)

	var keys []string
	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("batch/%03d", i)
		keys = append(keys, key)
		mustPut(t, store, key, []byte{byte(i)})
	}

	failures, err := store.DeleteBatch(testContext(), keys[:20])
	require.NoError(t, err)
	assert.Empty(t, failures)

	remaining, err := store.List(testContext(), "batch/")
	require.NoError(t, err)
	assert.Equal(t, keys[20:], remaining)
}

func (suite *StoreTestSuite) testDeleteBatchMissing(t *testing.T) {
	store := suite.NewStore(t)

	mustPut(t, store, "present", []byte("x"))
	failures, err := store.DeleteBatch(testContext(), []string{"present", "absent"})
	require.NoError(t, err)
	assert.Empty(t, failures, "missing keys are not failures")
	assertExists(t, store, "present", false)
}

func (suite *StoreTestSuite) testStats(t *testing.T) {
	store := suite.NewStore(t)

	stats, err := store.Stats(testContext())
	require.NoError(t, err)
	assert.Zero(t, stats.ObjectCount)

	mustPut(t, store, "s/1", generateTestData(100))
	mustPut(t, store, "s/2", generateTestData(300))

	stats, err = store.Stats(testContext())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.ObjectCount)
	assert.Equal(t, uint64(400), stats.UsedSize)
	assert.Equal(t, uint64(200), stats.AverageSize)
}

func (suite *StoreTestSuite) testConcurrentPuts(t *testing.T) {
	store := suite.NewStore(t)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("concurrent/%d/%d", w, i)
				assert.NoError(t, store.Put(testContext(), key, []byte(key)))
			}
		}(w)
	}
	wg.Wait()

	keys, err := store.List(testContext(), "concurrent/")
	require.NoError(t, err)
	assert.Len(t, keys, workers*10)
}
