package session

import (
	"errors"
	"fmt"
)

// Session errors, grouped the way callers are expected to react to them.
// Errors returned by session methods wrap exactly one of these, so callers
// classify failures with errors.Is.
var (
	// ErrSetup indicates malformed inputs detected while building a session:
	// repository, snapshot, credentials or an unsupported backup type.
	ErrSetup = errors.New("setup error")

	// ErrConnection indicates the handshake with the storage service failed.
	// The underlying cause (remote.ErrAuthFailed,
	// remote.ErrFingerprintMismatch, network errors) is wrapped as well.
	ErrConnection = errors.New("connection error")

	// ErrInvalidState indicates an operation invoked in the wrong state:
	// writing to an unknown or closed image, finishing with open images,
	// finishing twice. These are never retried.
	ErrInvalidState = errors.New("invalid session state")

	// ErrInvalidArgument indicates arguments that can never succeed, such as a
	// write outside the declared image size. It is a kind of ErrInvalidState.
	ErrInvalidArgument = fmt.Errorf("%w: invalid argument", ErrInvalidState)

	// ErrTransfer indicates a chunk, blob or manifest transfer failed.
	// Within one image the first failure is reported.
	ErrTransfer = errors.New("transfer error")

	// ErrAborted indicates the caller aborted the session. It is distinct
	// from ErrTransfer even when in-flight transfers failed as a result.
	ErrAborted = errors.New("backup aborted")

	// ErrSinkAborted indicates a restore sink asked to stop.
	ErrSinkAborted = errors.New("restore aborted by sink")
)
