package remote

import "errors"

var (
	// ErrAuthFailed indicates the service rejected the supplied credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrFingerprintMismatch indicates the server fingerprint did not match
	// the one pinned by the caller.
	ErrFingerprintMismatch = errors.New("server fingerprint mismatch")

	// ErrSnapshotNotFound indicates the requested snapshot does not exist or
	// was never committed.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrArchiveNotFound indicates the snapshot has no archive of that name.
	ErrArchiveNotFound = errors.New("archive not found")

	// ErrSnapshotExists indicates a committed snapshot already uses the
	// requested type/id/time.
	ErrSnapshotExists = errors.New("snapshot already exists")

	// ErrDatastoreNotFound indicates the service has no datastore of the
	// requested name.
	ErrDatastoreNotFound = errors.New("datastore not found")
)
