package main

import (
	"context"
	"fmt"
	"os"

	"github.com/marmos91/dittobackup/pkg/api"
	"github.com/marmos91/dittobackup/pkg/config"
)

// fileSink writes restored data into a regular file. Sparse regions are
// skipped and the file is truncated to the image end afterwards, leaving
// holes where the filesystem supports them.
type fileSink struct {
	f   *os.File
	end uint64
	err error
}

func (s *fileSink) write(offset uint64, data []byte, length uint64) int {
	if data != nil {
		if _, err := s.f.WriteAt(data, int64(offset)); err != nil {
			s.err = err
			return -1
		}
	}
	s.end = max(s.end, offset+length)
	return 0
}

func runRestore(ctx context.Context, g *globals, args []string) error {
	var (
		sf       sessionFlags
		snapshot string
		archive  string
		output   string
		verbose  bool
	)

	fs := newFlagSet("restore", "--snapshot vm/<id>/<time> --archive <name> --output <path>")
	fs.StringVarP(&sf.repo, "repository", "r", "", "repository [[user@]host:]store (default: client.repository)")
	fs.StringVar(&sf.password, "password", "", "datastore password (default: client.password)")
	fs.StringVar(&sf.keyfile, "keyfile", "", "encryption keyfile (default: client.keyfile)")
	fs.StringVar(&sf.keyPassword, "key-password", "", "keyfile password (default: client.key_password)")
	fs.StringVar(&sf.fingerprint, "fingerprint", "", "expected server fingerprint")
	fs.StringVarP(&snapshot, "snapshot", "s", "", "snapshot to restore from")
	fs.StringVarP(&archive, "archive", "a", "", "image name or archive name (disk0 or disk0.img.fidx)")
	fs.StringVarP(&output, "output", "o", "", "destination file")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if snapshot == "" || archive == "" || output == "" {
		return fmt.Errorf("restore: --snapshot, --archive and --output are required")
	}

	return g.withRuntime(ctx, func(rt *config.Runtime) error {
		sf.resolve(rt.Config.Client)
		lib := rt.Library

		var msg *api.ErrorMessage
		h := lib.RestoreConnect(sf.repo, snapshot, sf.password, sf.keyfile, sf.keyPassword, sf.fingerprint, &msg)
		if msg != nil {
			return statusErr(api.StatusError, msg, "restore connect")
		}
		defer lib.RestoreDisconnect(h)

		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", output, err)
		}
		defer func() { _ = f.Close() }()

		sink := &fileSink{f: f}
		cb := func(_ any, offset uint64, data []byte, length uint64) int {
			if ctx.Err() != nil {
				return -1
			}
			return sink.write(offset, data, length)
		}

		if err := statusErr(lib.RestoreImage(h, archive, cb, nil, &msg, verbose), msg, "restore"); err != nil {
			if sink.err != nil {
				return fmt.Errorf("%w (writing %s: %v)", err, output, sink.err)
			}
			return err
		}

		if err := f.Truncate(int64(sink.end)); err != nil {
			return fmt.Errorf("truncating %s: %w", output, err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", output, err)
		}
		fmt.Fprintf(g.stdout, "restored %d bytes to %s\n", sink.end, output)
		return nil
	})
}
