package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/api"
	"github.com/marmos91/dittobackup/pkg/config"
)

// sessionFlags are the credential flags shared by backup and restore. Empty
// values fall back to the client section of the configuration.
type sessionFlags struct {
	repo        string
	password    string
	keyfile     string
	keyPassword string
	fingerprint string
}

func (s *sessionFlags) resolve(c config.ClientConfig) {
	if s.repo == "" {
		s.repo = c.Repository
	}
	if s.password == "" {
		s.password = c.Password
	}
	if s.keyfile == "" {
		s.keyfile = c.Keyfile
	}
	if s.keyPassword == "" {
		s.keyPassword = c.KeyPassword
	}
	if s.fingerprint == "" {
		s.fingerprint = c.Fingerprint
	}
}

// statusErr converts a failed library status into an error and releases
// the message.
func statusErr(status int, msg *api.ErrorMessage, op string) error {
	if status >= 0 && msg == nil {
		return nil
	}
	defer api.FreeError(msg)
	return fmt.Errorf("%s: %s", op, msg)
}

// splitPair parses "name=path".
func splitPair(s string) (string, string, error) {
	name, path, ok := strings.Cut(s, "=")
	if !ok || name == "" || path == "" {
		return "", "", fmt.Errorf("expected name=path, got %q", s)
	}
	return name, path, nil
}

func runBackup(ctx context.Context, g *globals, args []string) error {
	var (
		sf          sessionFlags
		backupID    string
		backupTime  int64
		chunkSize   uint64
		incremental bool
		blobs       []string
	)

	fs := newFlagSet("backup", "--id <id> [flags] name=image-path...")
	fs.StringVarP(&sf.repo, "repository", "r", "", "repository [[user@]host:]store (default: client.repository)")
	fs.StringVar(&sf.password, "password", "", "datastore password (default: client.password)")
	fs.StringVar(&sf.keyfile, "keyfile", "", "encryption keyfile (default: client.keyfile)")
	fs.StringVar(&sf.keyPassword, "key-password", "", "keyfile password (default: client.key_password)")
	fs.StringVar(&sf.fingerprint, "fingerprint", "", "expected server fingerprint")
	fs.StringVar(&backupID, "id", "", "backup id of the VM")
	fs.Int64Var(&backupTime, "time", 0, "backup time in Unix seconds (default: now)")
	fs.Uint64Var(&chunkSize, "chunk-size", 0, "chunk size in bytes (default: pipeline.chunk_size)")
	fs.BoolVar(&incremental, "incremental", false, "reuse chunks of the previous snapshot for unchanged regions")
	fs.StringArrayVar(&blobs, "blob", nil, "configuration blob name=path (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if backupID == "" {
		return fmt.Errorf("backup: --id is required")
	}
	if fs.NArg() == 0 && len(blobs) == 0 {
		return fmt.Errorf("backup: nothing to back up")
	}
	if backupTime == 0 {
		backupTime = time.Now().Unix()
	}

	return g.withRuntime(ctx, func(rt *config.Runtime) error {
		sf.resolve(rt.Config.Client)
		if chunkSize == 0 {
			chunkSize = rt.Config.Pipeline.ChunkSize
		}

		lib := rt.Library
		var msg *api.ErrorMessage
		h := lib.BackupNew(sf.repo, backupID, backupTime, chunkSize,
			sf.password, sf.keyfile, sf.keyPassword, sf.fingerprint, &msg)
		if msg != nil {
			return statusErr(api.StatusError, msg, "backup")
		}
		defer lib.Disconnect(h)

		// Interrupts abort in-flight work; Disconnect still runs.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				lib.Abort(h, "interrupted")
			case <-done:
			}
		}()

		status := lib.Connect(h, &msg)
		if err := statusErr(status, msg, "connect"); err != nil {
			return err
		}
		if incremental && status != api.StatusHasPrevious {
			logger.Info("No previous snapshot of vm/%s, running a full backup", backupID)
		}

		for _, b := range blobs {
			name, path, err := splitPair(b)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading blob %s: %w", name, err)
			}
			if err := statusErr(lib.AddConfig(h, name, data, &msg), msg, "upload blob "+name); err != nil {
				return err
			}
		}

		for _, arg := range fs.Args() {
			name, path, err := splitPair(arg)
			if err != nil {
				return err
			}
			if err := backupImage(lib, h, name, path, chunkSize, incremental && status == api.StatusHasPrevious); err != nil {
				return err
			}
		}

		if err := statusErr(lib.Finish(h, &msg), msg, "finish"); err != nil {
			return err
		}
		fmt.Fprintf(g.stdout, "vm/%s/%s\n", backupID, time.Unix(backupTime, 0).UTC().Format(time.RFC3339))
		return nil
	})
}

// backupImage streams the file at path as image name, one chunk per write.
func backupImage(lib *api.Library, h api.BackupHandle, name, path string, chunkSize uint64, incremental bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening image %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image %s: %w", name, err)
	}
	size := uint64(info.Size())

	var msg *api.ErrorMessage
	dev := lib.RegisterImage(h, name, size, incremental, &msg)
	if err := statusErr(dev, msg, "register image "+name); err != nil {
		return err
	}

	start := time.Now()
	buf := make([]byte, chunkSize)
	for offset := uint64(0); offset < size; {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("reading image %s at %d: %w", name, offset, err)
		}
		if n == 0 {
			return fmt.Errorf("image %s shrank to %d bytes during backup", name, offset)
		}
		if err := statusErr(lib.WriteData(h, uint8(dev), buf[:n], offset, uint64(n), &msg), msg, "write "+name); err != nil {
			return err
		}
		offset += uint64(n)
	}

	if err := statusErr(lib.CloseImage(h, uint8(dev), &msg), msg, "close image "+name); err != nil {
		return err
	}
	logger.Info("Image %s: %d bytes in %s", name, size, time.Since(start).Round(time.Millisecond))
	return nil
}
