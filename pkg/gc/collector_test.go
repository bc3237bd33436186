package gc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memcatalog "github.com/marmos91/dittobackup/pkg/catalog/memory"
	"github.com/marmos91/dittobackup/pkg/chunkstore"
	memstore "github.com/marmos91/dittobackup/pkg/chunkstore/memory"
	"github.com/marmos91/dittobackup/pkg/datastore"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/setup"
)

const chunk = 64 * 1024

func newServer(t *testing.T) (*datastore.Server, chunkstore.Store) {
	t.Helper()
	store := memstore.New()
	srv, err := datastore.New(datastore.Config{Store: store, Catalog: memcatalog.New()})
	require.NoError(t, err)
	return srv, store
}

// writeSnapshot uploads one image of len(fills) chunks, each filled with the
// given byte, and commits it unless commit is false.
func writeSnapshot(t *testing.T, srv *datastore.Server, at int64, fills []byte, commit bool) {
	t.Helper()
	ctx := context.Background()

	ss, err := setup.NewBackupSetup("tank", "100", at, chunk, setup.Credentials{}, "")
	require.NoError(t, err)
	conn, err := srv.Connect(ctx, ss)
	require.NoError(t, err)
	defer conn.Close()

	w, err := conn.OpenImage(ctx, "disk0", uint64(len(fills))*chunk, false)
	require.NoError(t, err)
	for i, b := range fills {
		_, err := w.UploadChunk(ctx, uint64(i)*chunk, bytes.Repeat([]byte{b}, chunk))
		require.NoError(t, err)
	}
	info, err := w.Close(ctx)
	require.NoError(t, err)

	if commit {
		require.NoError(t, conn.Commit(ctx, &remote.Manifest{Archives: []remote.ArchiveInfo{info}}))
	}
}

func count(t *testing.T, store chunkstore.Store, prefix string) int {
	t.Helper()
	keys, err := store.List(context.Background(), prefix)
	require.NoError(t, err)
	return len(keys)
}

func TestCollectorRemovesOrphans(t *testing.T) {
	srv, store := newServer(t)
	writeSnapshot(t, srv, 1000, []byte{1, 2}, true)
	writeSnapshot(t, srv, 2000, []byte{2, 3}, true)
	writeSnapshot(t, srv, 3000, []byte{4}, false)

	require.Equal(t, 4, count(t, store, datastore.ChunkPrefix))

	snap := setup.Snapshot{Type: "vm", ID: "100", Time: time.Unix(1000, 0).UTC()}
	require.NoError(t, srv.Forget(context.Background(), snap))

	c, err := NewCollector(srv, Config{BatchSize: 1})
	require.NoError(t, err)

	stats, err := c.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(2), stats.ReferencedCount)
	assert.Equal(t, uint64(4), stats.ExistingCount)
	assert.Equal(t, uint64(2), stats.OrphanedCount, "chunk 1 from the forgotten snapshot and chunk 4 from the uncommitted one")
	assert.Equal(t, uint64(1), stats.StaleObjectCount, "index of the uncommitted snapshot")
	assert.Equal(t, uint64(3), stats.DeletedCount)
	assert.Zero(t, stats.FailedCount)
	assert.NotEmpty(t, stats.Summary())

	assert.Equal(t, 2, count(t, store, datastore.ChunkPrefix))
	assert.Equal(t, 2, count(t, store, datastore.SnapshotPrefix), "index and manifest of the kept snapshot")

	// The remaining snapshot still restores.
	refs, err := srv.ReferencedChunks(context.Background())
	require.NoError(t, err)
	for d := range refs {
		ok, err := store.Exists(context.Background(), "chunks/"+d.String()[:4]+"/"+d.String())
		require.NoError(t, err)
		assert.True(t, ok)
	}

	stats, err = c.RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.DeletedCount)
}

func TestCollectorDryRun(t *testing.T) {
	srv, store := newServer(t)
	writeSnapshot(t, srv, 1000, []byte{1, 2}, false)

	c, err := NewCollector(srv, Config{DryRun: true})
	require.NoError(t, err)

	stats, err := c.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.OrphanedCount)
	assert.Zero(t, stats.DeletedCount)
	assert.Equal(t, 2, count(t, store, datastore.ChunkPrefix))
}

func TestCollectorSkipsWhileBackupsActive(t *testing.T) {
	srv, store := newServer(t)
	ctx := context.Background()

	ss, err := setup.NewBackupSetup("tank", "100", 1000, chunk, setup.Credentials{}, "")
	require.NoError(t, err)
	conn, err := srv.Connect(ctx, ss)
	require.NoError(t, err)
	w, err := conn.OpenImage(ctx, "disk0", chunk, false)
	require.NoError(t, err)
	_, err = w.UploadChunk(ctx, 0, bytes.Repeat([]byte{9}, chunk))
	require.NoError(t, err)

	c, err := NewCollector(srv, Config{})
	require.NoError(t, err)

	_, err = c.RunNow(ctx)
	assert.ErrorIs(t, err, ErrBackupsActive)
	assert.Equal(t, 1, count(t, store, datastore.ChunkPrefix))

	require.NoError(t, conn.Close())
	_, err = c.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, count(t, store, datastore.ChunkPrefix))
}

func TestCollectorStartStop(t *testing.T) {
	srv, _ := newServer(t)

	c, err := NewCollector(srv, Config{Enabled: true, Interval: time.Hour})
	require.NoError(t, err)
	c.Start()
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))

	disabled, err := NewCollector(srv, Config{})
	require.NoError(t, err)
	require.NoError(t, disabled.Stop(ctx), "stopping a collector that never started")
	disabled.Start()
	require.NoError(t, disabled.Stop(ctx))

	_, err = NewCollector(nil, Config{})
	assert.Error(t, err)
}
