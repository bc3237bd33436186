package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittobackup/pkg/pipeline"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/remote/remotetest"
	"github.com/marmos91/dittobackup/pkg/scheduler"
	"github.com/marmos91/dittobackup/pkg/setup"
)

const mib = 1024 * 1024

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.New(t.Name())
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	return sched
}

func newBackupSetup(t *testing.T) *setup.SessionSetup {
	t.Helper()
	s, err := setup.NewBackupSetup("root@pam@localhost:tank", "100", 1714557600, 0, setup.Credentials{Password: "secret"}, "")
	require.NoError(t, err)
	return s
}

func newBackup(t *testing.T, backend *remotetest.Backend, opts pipeline.Options) *BackupSession {
	t.Helper()
	b, err := NewBackupSession(newBackupSetup(t), backend, BackupOptions{Scheduler: newScheduler(t), Pipeline: opts})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connected(t *testing.T, backend *remotetest.Backend) *BackupSession {
	t.Helper()
	b := newBackup(t, backend, pipeline.Options{})
	_, err := b.Connect(context.Background())
	require.NoError(t, err)
	return b
}

func TestNewBackupSessionValidation(t *testing.T) {
	sched := newScheduler(t)
	backend := remotetest.NewBackend()

	_, err := NewBackupSession(nil, backend, BackupOptions{Scheduler: sched})
	assert.ErrorIs(t, err, ErrSetup)

	_, err = NewBackupSession(newBackupSetup(t), nil, BackupOptions{Scheduler: sched})
	assert.ErrorIs(t, err, ErrSetup)

	_, err = NewBackupSession(newBackupSetup(t), backend, BackupOptions{})
	assert.ErrorIs(t, err, ErrSetup)
}

func TestConnect(t *testing.T) {
	t.Run("no previous backup", func(t *testing.T) {
		b := newBackup(t, remotetest.NewBackend(), pipeline.Options{})
		prev, err := b.Connect(context.Background())
		require.NoError(t, err)
		assert.False(t, prev)
		assert.Equal(t, StateConnected, b.State())
	})

	t.Run("previous backup found", func(t *testing.T) {
		backend := remotetest.NewBackend()
		backend.Previous = true
		b := newBackup(t, backend, pipeline.Options{})
		prev, err := b.Connect(context.Background())
		require.NoError(t, err)
		assert.True(t, prev)
		assert.True(t, b.PreviousBackup())
	})

	t.Run("auth failure", func(t *testing.T) {
		backend := remotetest.NewBackend()
		backend.ConnectErr = remote.ErrAuthFailed
		b := newBackup(t, backend, pipeline.Options{})
		_, err := b.Connect(context.Background())
		assert.ErrorIs(t, err, ErrConnection)
		assert.ErrorIs(t, err, remote.ErrAuthFailed)
		assert.Equal(t, StateCreated, b.State())
	})

	t.Run("second connect", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		_, err := b.Connect(context.Background())
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestRegisterImage(t *testing.T) {
	t.Run("before connect", func(t *testing.T) {
		b := newBackup(t, remotetest.NewBackend(), pipeline.Options{})
		_, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("ids are unique and increasing", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())

		prev := -1
		for i := 0; i < 10; i++ {
			id, err := b.RegisterImage(context.Background(), fmt.Sprintf("disk%d", i), mib, false)
			require.NoError(t, err)
			assert.Greater(t, id, prev)
			prev = id
		}
		assert.Equal(t, StateActive, b.State())
	})

	t.Run("first id is zero", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		id, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
		require.NoError(t, err)
		assert.Equal(t, 0, id)
	})

	t.Run("duplicate name", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		_, err := b.RegisterImage(context.Background(), "disk0", mib, false)
		require.NoError(t, err)
		_, err = b.RegisterImage(context.Background(), "disk0", mib, false)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("ids are not reused after close", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		id0, err := b.RegisterImage(context.Background(), "disk0", mib, false)
		require.NoError(t, err)
		_, err = b.CloseImage(context.Background(), id0)
		require.NoError(t, err)

		id1, err := b.RegisterImage(context.Background(), "disk1", mib, false)
		require.NoError(t, err)
		assert.NotEqual(t, id0, id1)
	})

	t.Run("remote open failure frees the name", func(t *testing.T) {
		backend := remotetest.NewBackend()
		b := connected(t, backend)
		backend.OpenErr = errors.New("no space")
		_, err := b.RegisterImage(context.Background(), "disk0", mib, false)
		assert.ErrorIs(t, err, ErrTransfer)

		backend.OpenErr = nil
		id, err := b.RegisterImage(context.Background(), "disk0", mib, false)
		require.NoError(t, err)
		assert.Equal(t, 0, id)
	})

	t.Run("image limit", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		for i := 0; i < MaxImages; i++ {
			_, err := b.RegisterImage(context.Background(), fmt.Sprintf("d%d", i), 1, false)
			require.NoError(t, err)
		}
		_, err := b.RegisterImage(context.Background(), "one-too-many", 1, false)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("zero size", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		_, err := b.RegisterImage(context.Background(), "disk0", 0, false)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestWriteValidation(t *testing.T) {
	b := connected(t, remotetest.NewBackend())
	id, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      int
		offset  uint64
		length  int
		wantErr error
	}{
		{name: "unregistered id", id: 7, offset: 0, length: 4 * mib, wantErr: ErrInvalidState},
		{name: "negative id", id: -1, offset: 0, length: 1, wantErr: ErrInvalidState},
		{name: "exceeds size", id: id, offset: 60 * mib, length: 8 * mib, wantErr: ErrInvalidArgument},
		{name: "offset past end", id: id, offset: 65 * mib, length: 1, wantErr: ErrInvalidArgument},
		{name: "empty", id: id, offset: 0, length: 0, wantErr: ErrInvalidArgument},
		{name: "exact boundary", id: id, offset: 60 * mib, length: 4 * mib},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := b.Write(context.Background(), tt.id, tt.offset, make([]byte, tt.length))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.length, n)
		})
	}
}

func TestWriteZeros(t *testing.T) {
	backend := remotetest.NewBackend()
	b := connected(t, backend)
	id, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      int
		offset  uint64
		length  uint64
		wantErr error
	}{
		{name: "unregistered id", id: 7, offset: 0, length: mib, wantErr: ErrInvalidState},
		{name: "huge length", id: id, offset: 0, length: 1 << 62, wantErr: ErrInvalidArgument},
		{name: "larger than chunk", id: id, offset: 0, length: 8 * mib, wantErr: ErrInvalidArgument},
		{name: "offset past end", id: id, offset: 1 << 62, length: mib, wantErr: ErrInvalidArgument},
		{name: "empty", id: id, offset: 0, length: 0, wantErr: ErrInvalidArgument},
		{name: "one chunk", id: id, offset: 4 * mib, length: 4 * mib},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := b.WriteZeros(context.Background(), tt.id, tt.offset, tt.length)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int(tt.length), n)
		})
	}

	_, err = b.CloseImage(context.Background(), id)
	require.NoError(t, err)
	chunk, ok := backend.Chunk("disk0.img.fidx", 4*mib)
	require.True(t, ok)
	assert.Equal(t, make([]byte, 4*mib), chunk)
}

func TestRewritesDoNotInflateBytesWritten(t *testing.T) {
	b := connected(t, remotetest.NewBackend())
	id, err := b.RegisterImage(context.Background(), "disk0", 4*mib, false)
	require.NoError(t, err)

	for range 3 {
		_, err := b.Write(context.Background(), id, 0, make([]byte, 4*mib))
		require.NoError(t, err)
	}

	stats, err := b.CloseImage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Chunks)
	assert.Equal(t, uint64(4*mib), stats.BytesWritten)

	m, err := b.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Archives, 1)
	assert.Equal(t, uint64(4*mib), m.Archives[0].BytesWritten)
	assert.LessOrEqual(t, m.Archives[0].BytesWritten, m.Archives[0].Size)
}

func TestWriteToClosedImage(t *testing.T) {
	b := connected(t, remotetest.NewBackend())
	id, err := b.RegisterImage(context.Background(), "disk0", mib, false)
	require.NoError(t, err)
	_, err = b.CloseImage(context.Background(), id)
	require.NoError(t, err)

	_, err = b.Write(context.Background(), id, 0, []byte{1})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = b.CloseImage(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWriteCopiesCallerBuffer(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.Gate = make(chan struct{})
	b := connected(t, backend)
	id, err := b.RegisterImage(context.Background(), "disk0", mib, false)
	require.NoError(t, err)

	buf := []byte("payload")
	_, err = b.Write(context.Background(), id, 0, buf)
	require.NoError(t, err)
	copy(buf, "XXXXXXX")
	close(backend.Gate)

	_, err = b.CloseImage(context.Background(), id)
	require.NoError(t, err)

	chunk, ok := backend.Chunk("disk0.img.fidx", 0)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), chunk)
}

func TestCloseImageWaitsForPendingWrites(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.Gate = make(chan struct{})
	b := connected(t, backend)
	id, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		_, err := b.Write(context.Background(), id, i*mib, make([]byte, mib))
		require.NoError(t, err)
	}

	closed := make(chan ImageStats, 1)
	go func() {
		stats, err := b.CloseImage(context.Background(), id)
		assert.NoError(t, err)
		closed <- stats
	}()

	select {
	case <-closed:
		t.Fatal("close returned while writes were pending")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.Gate)

	select {
	case stats := <-closed:
		assert.Equal(t, uint64(4*mib), stats.BytesWritten)
		assert.Equal(t, 4, backend.Uploads())
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
}

func TestCloseImageReportsFirstFailure(t *testing.T) {
	backend := remotetest.NewBackend()
	boom := errors.New("disk full")
	backend.FailAt[mib] = boom
	b := connected(t, backend)
	id, err := b.RegisterImage(context.Background(), "disk0", 4*mib, false)
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		// Later writes may already see the failure.
		_, _ = b.Write(context.Background(), id, i*mib, make([]byte, mib))
	}

	_, err = b.CloseImage(context.Background(), id)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, boom)

	_, err = b.Finish(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState, "a failed image stays open")
}

func TestReusedBytesReported(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.Reuse[0] = true
	b := connected(t, backend)
	id, err := b.RegisterImage(context.Background(), "disk0", 8*mib, false)
	require.NoError(t, err)

	_, err = b.Write(context.Background(), id, 0, make([]byte, 4*mib))
	require.NoError(t, err)
	_, err = b.Write(context.Background(), id, 4*mib, make([]byte, 4*mib))
	require.NoError(t, err)

	stats, err := b.CloseImage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*mib), stats.BytesWritten)
	assert.Equal(t, uint64(4*mib), stats.BytesReused)
	assert.Equal(t, uint64(4*mib), stats.BytesTransferred)
}

func TestFinish(t *testing.T) {
	t.Run("fails with open image", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		_, err := b.RegisterImage(context.Background(), "disk0", mib, false)
		require.NoError(t, err)

		_, err = b.Finish(context.Background())
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("before connect", func(t *testing.T) {
		b := newBackup(t, remotetest.NewBackend(), pipeline.Options{})
		_, err := b.Finish(context.Background())
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("twice", func(t *testing.T) {
		backend := remotetest.NewBackend()
		b := connected(t, backend)
		_, err := b.Finish(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateFinished, b.State())

		_, err = b.Finish(context.Background())
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Len(t, backend.Manifests(), 1)
	})

	t.Run("commit failure is final", func(t *testing.T) {
		backend := remotetest.NewBackend()
		backend.CommitErr = errors.New("server gone")
		b := connected(t, backend)

		_, err := b.Finish(context.Background())
		assert.ErrorIs(t, err, ErrTransfer)

		backend.CommitErr = nil
		_, err = b.Finish(context.Background())
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("blobs are listed", func(t *testing.T) {
		backend := remotetest.NewBackend()
		b := connected(t, backend)
		require.NoError(t, b.UploadBlob(context.Background(), "qemu-server.conf", []byte("memory: 512")))

		m, err := b.Finish(context.Background())
		require.NoError(t, err)
		require.Len(t, m.Blobs, 1)
		assert.Equal(t, "qemu-server.conf.blob", m.Blobs[0].Name)
		assert.Equal(t, uint64(11), m.Blobs[0].Size)
	})
}

func TestUploadBlob(t *testing.T) {
	t.Run("before connect", func(t *testing.T) {
		b := newBackup(t, remotetest.NewBackend(), pipeline.Options{})
		err := b.UploadBlob(context.Background(), "fw.conf", []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("duplicate", func(t *testing.T) {
		b := connected(t, remotetest.NewBackend())
		require.NoError(t, b.UploadBlob(context.Background(), "fw.conf", []byte("x")))
		assert.ErrorIs(t, b.UploadBlob(context.Background(), "fw.conf", []byte("y")), ErrInvalidState)
	})

	t.Run("while images are open", func(t *testing.T) {
		backend := remotetest.NewBackend()
		b := connected(t, backend)
		_, err := b.RegisterImage(context.Background(), "disk0", mib, false)
		require.NoError(t, err)
		require.NoError(t, b.UploadBlob(context.Background(), "fw.conf", []byte("rules")))

		data, ok := backend.Blob("fw.conf")
		require.True(t, ok)
		assert.Equal(t, []byte("rules"), data)
	})
}

func TestAbort(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.Gate = make(chan struct{})
	b := connected(t, backend)
	id, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
	require.NoError(t, err)

	_, err = b.Write(context.Background(), id, 0, make([]byte, mib))
	require.NoError(t, err)

	b.Abort("first reason")
	b.Abort("user cancelled")
	assert.True(t, b.Aborted())

	_, err = b.Write(context.Background(), id, mib, make([]byte, mib))
	assert.ErrorIs(t, err, ErrAborted)
	assert.NotErrorIs(t, err, ErrTransfer)
	assert.Contains(t, err.Error(), "user cancelled")

	_, err = b.CloseImage(context.Background(), id)
	assert.ErrorIs(t, err, ErrAborted)

	_, err = b.Finish(context.Background())
	assert.ErrorIs(t, err, ErrAborted)

	assert.ErrorIs(t, b.UploadBlob(context.Background(), "x", []byte{1}), ErrAborted)
	_, err = b.RegisterImage(context.Background(), "disk1", mib, false)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestAbortWakesSuspendedWrite(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.Gate = make(chan struct{})
	b := newBackup(t, backend, pipeline.Options{MaxInFlight: 1})
	_, err := b.Connect(context.Background())
	require.NoError(t, err)
	id, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
	require.NoError(t, err)

	_, err = b.Write(context.Background(), id, 0, make([]byte, mib))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := b.Write(context.Background(), id, mib, make([]byte, mib))
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Abort("stop")

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not wake the suspended write")
	}
}

func TestAbortBeforeConnect(t *testing.T) {
	b := newBackup(t, remotetest.NewBackend(), pipeline.Options{})
	b.Abort("never mind")

	_, err := b.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAborted)
}

func TestConcurrentStreams(t *testing.T) {
	backend := remotetest.NewBackend()
	b := connected(t, backend)

	const images = 4
	ids := make([]int, images)
	for i := range ids {
		id, err := b.RegisterImage(context.Background(), fmt.Sprintf("disk%d", i), 16*mib, false)
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for off := uint64(0); off < 16*mib; off += mib {
				_, err := b.Write(context.Background(), id, off, make([]byte, mib))
				assert.NoError(t, err)
			}
			stats, err := b.CloseImage(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, uint64(16*mib), stats.BytesWritten)
		}(id)
	}
	wg.Wait()

	m, err := b.Finish(context.Background())
	require.NoError(t, err)
	assert.Len(t, m.Archives, images)
}

// Register disk0 (64 MiB), write two 4 MiB chunks, close and finish: the
// manifest lists the full size and the written bytes.
func TestSparseBackupScenario(t *testing.T) {
	backend := remotetest.NewBackend()
	b := connected(t, backend)

	id, err := b.RegisterImage(context.Background(), "disk0", 64*mib, false)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	n, err := b.Write(context.Background(), id, 0, make([]byte, 4*mib))
	require.NoError(t, err)
	assert.Equal(t, 4*mib, n)
	_, err = b.Write(context.Background(), id, 4*mib, make([]byte, 4*mib))
	require.NoError(t, err)

	stats, err := b.CloseImage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*mib), stats.BytesWritten)

	m, err := b.Finish(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Archives, 1)
	assert.Equal(t, "disk0.img.fidx", m.Archives[0].Name)
	assert.Equal(t, uint64(64*mib), m.Archives[0].Size)
	assert.Equal(t, uint64(8*mib), m.Archives[0].BytesWritten)
	assert.Equal(t, "vm", m.BackupType)
	assert.Equal(t, "100", m.BackupID)

	require.NoError(t, b.Close())
	assert.Equal(t, 1, backend.ClosedConnections())
}
