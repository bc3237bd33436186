// Package catalog records the snapshots committed to a datastore.
//
// Each record carries the snapshot manifest. Records are grouped by backup
// target ("vm/100") and ordered by backup time within a group, which is how
// the datastore finds the previous snapshot of a target for incremental
// backups.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/marmos91/dittobackup/pkg/remote"
	"github.com/marmos91/dittobackup/pkg/setup"
)

var (
	// ErrNotFound indicates the requested snapshot or group has no record.
	ErrNotFound = errors.New("snapshot not found")

	// ErrExists indicates a record for the snapshot already exists.
	ErrExists = errors.New("snapshot already exists")

	// ErrClosed indicates an operation on a closed catalog.
	ErrClosed = errors.New("catalog closed")
)

// Record is one committed snapshot.
type Record struct {
	Manifest remote.Manifest `cbor:"manifest"`

	// Owner is the user that created the snapshot.
	Owner string `cbor:"owner"`

	// CreatedAt is the commit time on the server.
	CreatedAt time.Time `cbor:"created-at"`
}

// Snapshot returns the identity of the record.
func (r *Record) Snapshot() setup.Snapshot {
	return setup.Snapshot{
		Type: r.Manifest.BackupType,
		ID:   r.Manifest.BackupID,
		Time: r.Manifest.BackupTime.UTC(),
	}
}

// Size is the sum of all archive sizes in the snapshot.
func (r *Record) Size() uint64 {
	var total uint64
	for _, a := range r.Manifest.Archives {
		total += a.Size
	}
	return total
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Manifest.Archives = slices.Clone(r.Manifest.Archives)
	c.Manifest.Blobs = slices.Clone(r.Manifest.Blobs)
	return &c
}

// Catalog stores snapshot records.
//
// Implementations must be safe for concurrent use.
type Catalog interface {
	// Add stores a new record. Returns ErrExists if the snapshot is
	// already recorded.
	Add(ctx context.Context, rec *Record) error

	// Get returns the record for a snapshot, or ErrNotFound.
	Get(ctx context.Context, snap setup.Snapshot) (*Record, error)

	// Latest returns the newest record of a group ("vm/100"), or
	// ErrNotFound when the group is empty.
	Latest(ctx context.Context, group string) (*Record, error)

	// List returns the records of a group ordered by backup time. An
	// empty group lists every record ordered by group then time.
	List(ctx context.Context, group string) ([]*Record, error)

	// Delete removes a snapshot record. Returns ErrNotFound if missing.
	Delete(ctx context.Context, snap setup.Snapshot) error

	// Close releases resources held by the catalog.
	Close() error
}

// Key is the canonical sortable key of a snapshot: the group followed by a
// zero-padded Unix timestamp, so lexical order equals time order.
func Key(snap setup.Snapshot) string {
	return fmt.Sprintf("%s/%020d", snap.Group(), snap.Time.Unix())
}

// GroupPrefix is the key prefix shared by every snapshot of a group.
func GroupPrefix(group string) string {
	if group == "" {
		return ""
	}
	return group + "/"
}

// Validate checks that a record can be stored.
func Validate(rec *Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	if rec.Manifest.BackupType == "" || rec.Manifest.BackupID == "" {
		return fmt.Errorf("record is missing backup type or id")
	}
	if rec.Manifest.BackupTime.IsZero() {
		return fmt.Errorf("record %s is missing backup time", rec.Snapshot().Group())
	}
	return nil
}
