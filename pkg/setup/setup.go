// Package setup resolves repository locations, snapshot identifiers and
// credentials into the immutable SessionSetup shared by backup and restore
// sessions.
package setup

import (
	"errors"
	"fmt"
	"time"
)

// DefaultChunkSize is used when a caller asks for a chunk size of zero.
const DefaultChunkSize uint64 = 4 * 1024 * 1024

// BackupTypeVM is the only snapshot kind image sessions operate on.
const BackupTypeVM = "vm"

var (
	// ErrMissingField indicates a required input was empty.
	ErrMissingField = errors.New("required field missing")

	// ErrInvalidRepository indicates a repository location could not be parsed.
	ErrInvalidRepository = errors.New("invalid repository")

	// ErrInvalidSnapshot indicates a snapshot identifier could not be parsed.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrWrongBackupType indicates a snapshot of a kind other than "vm".
	ErrWrongBackupType = errors.New("wrong backup type")

	// ErrInvalidChunkSize indicates a chunk size that is not a power of two or
	// falls outside the supported range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

const (
	minChunkSize uint64 = 64 * 1024
	maxChunkSize uint64 = 16 * 1024 * 1024
)

// Credentials is the opaque bundle handed to the storage service.
// Any field may be empty.
type Credentials struct {
	Password    string
	Keyfile     string
	KeyPassword string
}

// Encrypted reports whether a keyfile was supplied.
func (c Credentials) Encrypted() bool {
	return c.Keyfile != ""
}

// SessionSetup is created once per session and never mutated afterwards.
type SessionSetup struct {
	Host  string
	Store string
	User  string

	// ChunkSize is the nominal chunk size. Restore setups carry the default
	// and ignore it; archive readers report their own chunk size.
	ChunkSize uint64

	BackupType string
	BackupID   string
	BackupTime time.Time

	Credentials Credentials

	// Fingerprint optionally pins the server certificate fingerprint.
	Fingerprint string
}

// Snapshot returns the snapshot this setup addresses.
func (s *SessionSetup) Snapshot() Snapshot {
	return Snapshot{Type: s.BackupType, ID: s.BackupID, Time: s.BackupTime}
}

// Repository returns the repository this setup addresses.
func (s *SessionSetup) Repository() Repository {
	return Repository{User: s.User, Host: s.Host, Store: s.Store}
}

// NewBackupSetup builds the setup for a backup session.
//
// backupTime is interpreted as Unix seconds. A zero chunkSize selects
// DefaultChunkSize.
func NewBackupSetup(repo, backupID string, backupTime int64, chunkSize uint64, creds Credentials, fingerprint string) (*SessionSetup, error) {
	if repo == "" {
		return nil, fmt.Errorf("repo must not be empty: %w", ErrMissingField)
	}
	if backupID == "" {
		return nil, fmt.Errorf("backup_id must not be empty: %w", ErrMissingField)
	}

	r, err := ParseRepository(repo)
	if err != nil {
		return nil, err
	}

	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	return &SessionSetup{
		Host:        r.Host,
		Store:       r.Store,
		User:        r.User,
		ChunkSize:   chunkSize,
		BackupType:  BackupTypeVM,
		BackupID:    backupID,
		BackupTime:  time.Unix(backupTime, 0).UTC(),
		Credentials: creds,
		Fingerprint: fingerprint,
	}, nil
}

// NewRestoreSetup builds the setup for a restore session. The snapshot must
// be of kind "vm".
func NewRestoreSetup(repo, snapshot string, creds Credentials, fingerprint string) (*SessionSetup, error) {
	if repo == "" {
		return nil, fmt.Errorf("repo must not be empty: %w", ErrMissingField)
	}
	if snapshot == "" {
		return nil, fmt.Errorf("snapshot must not be empty: %w", ErrMissingField)
	}

	r, err := ParseRepository(repo)
	if err != nil {
		return nil, err
	}

	snap, err := ParseSnapshot(snapshot)
	if err != nil {
		return nil, err
	}

	return &SessionSetup{
		Host:        r.Host,
		Store:       r.Store,
		User:        r.User,
		ChunkSize:   DefaultChunkSize,
		BackupType:  snap.Type,
		BackupID:    snap.ID,
		BackupTime:  snap.Time,
		Credentials: creds,
		Fingerprint: fingerprint,
	}, nil
}

// ValidateChunkSize accepts powers of two between 64 KiB and 16 MiB.
func ValidateChunkSize(size uint64) error {
	if size < minChunkSize || size > maxChunkSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: %d (must be a power of two between %d and %d)",
			ErrInvalidChunkSize, size, minChunkSize, maxChunkSize)
	}
	return nil
}
