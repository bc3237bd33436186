// Package testing provides a reusable contract test suite for
// catalog.Catalog implementations.
package testing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittobackup/pkg/catalog"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/setup"
)

// CatalogTestSuite runs the Catalog contract against an implementation.
type CatalogTestSuite struct {
	// NewCatalog creates a fresh, empty catalog for each test.
	NewCatalog func(t *testing.T) catalog.Catalog
}

// Run executes all tests in the suite.
func (suite *CatalogTestSuite) Run(t *testing.T) {
	t.Run("AddGet", suite.testAddGet)
	t.Run("AddDuplicate", suite.testAddDuplicate)
	t.Run("AddInvalid", suite.testAddInvalid)
	t.Run("GetNotFound", suite.testGetNotFound)
	t.Run("Latest", suite.testLatest)
	t.Run("LatestEmpty", suite.testLatestEmpty)
	t.Run("ListOrdering", suite.testListOrdering)
	t.Run("GroupIsolation", suite.testGroupIsolation)
	t.Run("Delete", suite.testDelete)
	t.Run("ConcurrentAdd", suite.testConcurrentAdd)
}

func testContext() context.Context {
	return context.Background()
}

// NewRecord builds a record for vm/<id> at the given Unix time with one
// archive of the given size.
func NewRecord(id string, unix int64, size uint64) *catalog.Record {
	return &catalog.Record{
		Manifest: remote.Manifest{
			BackupType: setup.BackupTypeVM,
			BackupID:   id,
			BackupTime: time.Unix(unix, 0).UTC(),
			Archives: []remote.ArchiveInfo{{
				Name:      remote.ImageArchiveName("drive-scsi0"),
				Size:      size,
				ChunkSize: setup.DefaultChunkSize,
				Checksum:  "abc",
			}},
			Blobs: []remote.BlobInfo{{Name: remote.BlobName("qemu-server.conf"), Size: 3}},
		},
		Owner:     "root@pam",
		CreatedAt: time.Unix(unix+1, 0).UTC(),
	}
}

func mustAdd(t *testing.T, c catalog.Catalog, rec *catalog.Record) {
	t.Helper()
	require.NoError(t, c.Add(testContext(), rec))
}

func times(recs []*catalog.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.Manifest.BackupTime.Unix()
	}
	return out
}

func (suite *CatalogTestSuite) testAddGet(t *testing.T) {
	c := suite.NewCatalog(t)
	rec := NewRecord("100", 1714557600, 1<<30)
	mustAdd(t, c, rec)

	got, err := c.Get(testContext(), rec.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, rec.Snapshot().String(), got.Snapshot().String())
	assert.Equal(t, "root@pam", got.Owner)
	assert.Equal(t, uint64(1<<30), got.Size())
	require.Len(t, got.Manifest.Archives, 1)
	assert.Equal(t, rec.Manifest.Archives[0], got.Manifest.Archives[0])
	assert.Equal(t, rec.Manifest.Blobs, got.Manifest.Blobs)
	assert.Equal(t, rec.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func (suite *CatalogTestSuite) testAddDuplicate(t *testing.T) {
	c := suite.NewCatalog(t)
	mustAdd(t, c, NewRecord("100", 1714557600, 1))

	err := c.Add(testContext(), NewRecord("100", 1714557600, 2))
	assert.ErrorIs(t, err, catalog.ErrExists)
}

func (suite *CatalogTestSuite) testAddInvalid(t *testing.T) {
	c := suite.NewCatalog(t)

	rec := NewRecord("100", 1714557600, 1)
	rec.Manifest.BackupID = ""
	assert.Error(t, c.Add(testContext(), rec))
	assert.Error(t, c.Add(testContext(), nil))
}

func (suite *CatalogTestSuite) testGetNotFound(t *testing.T) {
	c := suite.NewCatalog(t)

	_, err := c.Get(testContext(), NewRecord("100", 1714557600, 1).Snapshot())
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func (suite *CatalogTestSuite) testLatest(t *testing.T) {
	c := suite.NewCatalog(t)
	for _, ts := range []int64{1714557600, 1714644000, 1714471200} {
		mustAdd(t, c, NewRecord("100", ts, 1))
	}

	latest, err := c.Latest(testContext(), "vm/100")
	require.NoError(t, err)
	assert.Equal(t, int64(1714644000), latest.Manifest.BackupTime.Unix())
}

func (suite *CatalogTestSuite) testLatestEmpty(t *testing.T) {
	c := suite.NewCatalog(t)

	_, err := c.Latest(testContext(), "vm/100")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func (suite *CatalogTestSuite) testListOrdering(t *testing.T) {
	c := suite.NewCatalog(t)
	// Timestamps with different digit counts must still sort numerically.
	for _, ts := range []int64{1714557600, 999999999, 1714471200} {
		mustAdd(t, c, NewRecord("100", ts, 1))
	}

	recs, err := c.List(testContext(), "vm/100")
	require.NoError(t, err)
	assert.Equal(t, []int64{999999999, 1714471200, 1714557600}, times(recs))
}

func (suite *CatalogTestSuite) testGroupIsolation(t *testing.T) {
	c := suite.NewCatalog(t)
	mustAdd(t, c, NewRecord("10", 1714557600, 1))
	mustAdd(t, c, NewRecord("100", 1714557601, 1))
	mustAdd(t, c, NewRecord("100", 1714557602, 1))

	recs, err := c.List(testContext(), "vm/10")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "vm/10 must not match vm/100")

	latest, err := c.Latest(testContext(), "vm/10")
	require.NoError(t, err)
	assert.Equal(t, "10", latest.Manifest.BackupID)

	all, err := c.List(testContext(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func (suite *CatalogTestSuite) testDelete(t *testing.T) {
	c := suite.NewCatalog(t)
	rec := NewRecord("100", 1714557600, 1)
	mustAdd(t, c, rec)

	require.NoError(t, c.Delete(testContext(), rec.Snapshot()))
	_, err := c.Get(testContext(), rec.Snapshot())
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.ErrorIs(t, c.Delete(testContext(), rec.Snapshot()), catalog.ErrNotFound)
}

func (suite *CatalogTestSuite) testConcurrentAdd(t *testing.T) {
	c := suite.NewCatalog(t)

	const attempts = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Add(testContext(), NewRecord("100", 1714557600, 1)); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success, "exactly one concurrent add of a snapshot may succeed")
}
