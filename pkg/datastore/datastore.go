// Package datastore is a reference chunk storage service implementing the
// pkg/remote capabilities on top of a chunkstore.Store and a catalog.
//
// Object layout:
//
//	chunks/<hex[0:4]>/<hex>                       chunk envelopes (see blob.go)
//	snapshots/<type>/<id>/<unix>/<name>.img.fidx  fixed indexes (CBOR)
//	snapshots/<type>/<id>/<unix>/<name>.blob      configuration blobs
//	snapshots/<type>/<id>/<unix>/index.cbor       committed manifest
//
// A snapshot becomes visible when its catalog record is added at commit.
// Objects of sessions that never commit are left for the garbage
// collector.
package datastore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittobackup/internal/codec"
	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/catalog"
	"github.com/marmos91/dittobackup/pkg/chunkstore"
	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/setup"
)

// SnapshotPrefix is the object prefix under which snapshot files live.
const SnapshotPrefix = "snapshots/"

// Config configures a Server.
type Config struct {
	// Name is the datastore name clients address as the repository store.
	// Empty accepts any store name.
	Name string

	// Store holds chunks and snapshot objects. Required.
	Store chunkstore.Store

	// Catalog records committed snapshots. Required.
	Catalog catalog.Catalog

	// Fingerprint identifies the server. A client that pins a different
	// fingerprint is refused.
	Fingerprint string

	// Users maps user names ("root@pam") to passwords. An empty map
	// disables authentication.
	Users map[string]string

	// Compression is applied to chunks and blobs before upload.
	Compression Compression

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Server is the reference storage service.
//
// Thread Safety:
// Safe for concurrent use; each connection keeps its own state.
type Server struct {
	cfg Config

	// activeBackups counts open backup connections.
	activeBackups atomic.Int64
}

var _ remote.Backend = (*Server)(nil)

// New validates cfg and creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("datastore: store is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("datastore: catalog is required")
	}
	if _, _, err := compress(cfg.Compression, nil); err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Fingerprint = normalizeFingerprint(cfg.Fingerprint)
	return &Server{cfg: cfg}, nil
}

// Store returns the object store backing the server.
func (s *Server) Store() chunkstore.Store {
	return s.cfg.Store
}

// Catalog returns the snapshot catalog.
func (s *Server) Catalog() catalog.Catalog {
	return s.cfg.Catalog
}

// Fingerprint returns the normalized server fingerprint.
func (s *Server) Fingerprint() string {
	return s.cfg.Fingerprint
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

// handshake performs the checks shared by backup and restore connects:
// datastore name, server fingerprint, user password and keyfile.
func (s *Server) handshake(ss *setup.SessionSetup) (*cryptKeys, error) {
	if s.cfg.Name != "" && ss.Store != s.cfg.Name {
		return nil, fmt.Errorf("%w: %q", remote.ErrDatastoreNotFound, ss.Store)
	}

	if pinned := normalizeFingerprint(ss.Fingerprint); pinned != "" && pinned != s.cfg.Fingerprint {
		return nil, fmt.Errorf("%w: expected %s", remote.ErrFingerprintMismatch, ss.Fingerprint)
	}

	if len(s.cfg.Users) > 0 {
		want, ok := s.cfg.Users[ss.User]
		if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(ss.Credentials.Password)) != 1 {
			return nil, fmt.Errorf("%w: user %s", remote.ErrAuthFailed, ss.User)
		}
	}

	if ss.Credentials.Keyfile == "" {
		return nil, nil
	}
	key, err := LoadKey(ss.Credentials.Keyfile, ss.Credentials.KeyPassword)
	if err != nil {
		return nil, err
	}
	keys := key.derive()
	keys.fingerprint = key.Fingerprint()
	return keys, nil
}

// snapshotPrefix is the object prefix of one snapshot's files.
func snapshotPrefix(snap setup.Snapshot) string {
	return fmt.Sprintf("%s%s/%s/%d/", SnapshotPrefix, snap.Type, snap.ID, snap.Time.Unix())
}

// Connect implements remote.BackupBackend.
func (s *Server) Connect(ctx context.Context, ss *setup.SessionSetup) (remote.BackupConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.handshake(ss)
	if err != nil {
		return nil, err
	}

	snap := ss.Snapshot()
	if _, err := s.cfg.Catalog.Get(ctx, snap); err == nil {
		return nil, fmt.Errorf("%w: %s", remote.ErrSnapshotExists, snap)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("checking snapshot %s: %w", snap, err)
	}

	conn := &backupConn{
		server:    s,
		setup:     ss,
		snap:      snap,
		prefix:    snapshotPrefix(snap),
		keys:      keys,
		digester:  newDigester(keys),
		chunkSize: ss.ChunkSize,
	}
	if conn.chunkSize == 0 {
		conn.chunkSize = setup.DefaultChunkSize
	}

	prev, err := s.previous(ctx, snap, keys)
	if err != nil {
		return nil, err
	}
	conn.previous = prev
	s.activeBackups.Add(1)

	logger.Info("datastore: backup connection %s by %s (previous=%t encrypted=%t)",
		snap, ss.User, prev != nil, keys != nil)
	return conn, nil
}

// previous finds the newest committed snapshot of the same group older than
// snap. It only serves as an incremental base when it was written with the
// same key (or both are unencrypted).
func (s *Server) previous(ctx context.Context, snap setup.Snapshot, keys *cryptKeys) (*catalog.Record, error) {
	recs, err := s.cfg.Catalog.List(ctx, snap.Group())
	if err != nil {
		return nil, fmt.Errorf("listing snapshots of %s: %w", snap.Group(), err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if !rec.Manifest.BackupTime.Before(snap.Time) {
			continue
		}
		if rec.Manifest.Encrypted != (keys != nil) {
			return nil, nil
		}
		if keys != nil && rec.Manifest.KeyFingerprint != keys.fingerprint {
			return nil, nil
		}
		return rec, nil
	}
	return nil, nil
}

// ConnectRestore implements remote.RestoreBackend.
func (s *Server) ConnectRestore(ctx context.Context, ss *setup.SessionSetup) (remote.RestoreConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.handshake(ss)
	if err != nil {
		return nil, err
	}

	snap := ss.Snapshot()
	rec, err := s.cfg.Catalog.Get(ctx, snap)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", remote.ErrSnapshotNotFound, snap)
		}
		return nil, fmt.Errorf("loading snapshot %s: %w", snap, err)
	}
	if rec.Manifest.Encrypted {
		if keys == nil {
			return nil, fmt.Errorf("%s: %w", snap, ErrKeyRequired)
		}
		if rec.Manifest.KeyFingerprint != "" && rec.Manifest.KeyFingerprint != keys.fingerprint {
			return nil, fmt.Errorf("%s: %w", snap, ErrKeyMismatch)
		}
	}

	logger.Info("datastore: restore connection %s by %s", snap, ss.User)
	return &restoreConn{
		server:   s,
		manifest: rec.Manifest,
		prefix:   snapshotPrefix(snap),
		keys:     keys,
		digester: newDigester(keys),
	}, nil
}

// ActiveBackups returns the number of backup connections not yet closed.
func (s *Server) ActiveBackups() int {
	return int(s.activeBackups.Load())
}

// Snapshots lists committed snapshots of a group, or all when group is
// empty.
func (s *Server) Snapshots(ctx context.Context, group string) ([]*catalog.Record, error) {
	return s.cfg.Catalog.List(ctx, group)
}

// Forget removes a snapshot's catalog record and its index, blob and
// manifest objects. Chunks are left for the garbage collector.
func (s *Server) Forget(ctx context.Context, snap setup.Snapshot) error {
	if err := s.cfg.Catalog.Delete(ctx, snap); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("%w: %s", remote.ErrSnapshotNotFound, snap)
		}
		return err
	}

	keys, err := s.cfg.Store.List(ctx, snapshotPrefix(snap))
	if err != nil {
		return fmt.Errorf("listing objects of %s: %w", snap, err)
	}
	failures, err := s.cfg.Store.DeleteBatch(ctx, keys)
	if err != nil {
		return fmt.Errorf("deleting objects of %s: %w", snap, err)
	}
	for key, ferr := range failures {
		logger.Warn("datastore: failed to delete %s: %v", key, ferr)
	}
	logger.Info("datastore: forgot snapshot %s (%d objects)", snap, len(keys))
	return nil
}

// loadIndex reads and verifies a fixed index object.
func (s *Server) loadIndex(ctx context.Context, key, csum string) (*FixedIndex, error) {
	data, err := s.cfg.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return DecodeFixedIndex(data, csum)
}

// ReferencedChunks returns every chunk digest referenced by any committed
// snapshot's indexes.
func (s *Server) ReferencedChunks(ctx context.Context) (map[Digest]struct{}, error) {
	recs, err := s.cfg.Catalog.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	refs := make(map[Digest]struct{})
	for _, rec := range recs {
		prefix := snapshotPrefix(rec.Snapshot())
		for _, a := range rec.Manifest.Archives {
			idx, err := s.loadIndex(ctx, prefix+a.Name, a.Checksum)
			if err != nil {
				return nil, fmt.Errorf("loading index %s%s: %w", prefix, a.Name, err)
			}
			for _, d := range idx.Digests {
				if !d.IsZero() {
					refs[d] = struct{}{}
				}
			}
		}
	}
	return refs, nil
}

// CommittedSnapshotPrefixes returns the object prefixes of every committed
// snapshot.
func (s *Server) CommittedSnapshotPrefixes(ctx context.Context) (map[string]struct{}, error) {
	recs, err := s.cfg.Catalog.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	out := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		out[snapshotPrefix(rec.Snapshot())] = struct{}{}
	}
	return out, nil
}

// SnapshotPrefixOf returns the snapshot prefix of an object key under
// "snapshots/", or false for other keys.
func SnapshotPrefixOf(key string) (string, bool) {
	if !strings.HasPrefix(key, SnapshotPrefix) {
		return "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(key, SnapshotPrefix), "/", 4)
	if len(parts) != 4 {
		return "", false
	}
	return SnapshotPrefix + parts[0] + "/" + parts[1] + "/" + parts[2] + "/", true
}

func encodeManifest(m *remote.Manifest) ([]byte, error) {
	data, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}
