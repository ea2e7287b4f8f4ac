package errors

import (
	"fmt"
)

// ErrNotFound is returned by backends when a game has no remote snapshot.
var ErrNotFound = New("no remote snapshot")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// UnknownGame represents a game id that has no entry in the manifest.
type UnknownGame struct {
	GameID string
}

func (err UnknownGame) Error() string {
	return fmt.Sprintf("game %q is not in the manifest", err.GameID)
}

// UnresolvedVariable represents a path template placeholder that has no
// binding on the current platform. It is recoverable: the invocation
// degrades to "cannot sync this game here" rather than failing the launch.
type UnresolvedVariable struct {
	Name     string
	Template string
}

func (err UnresolvedVariable) Error() string {
	return fmt.Sprintf("no binding for <%s> in template %q", err.Name, err.Template)
}

// TransferError represents a network or backend I/O fault. Transfers are
// all-or-nothing, so a TransferError means no partial data was handed back.
// It is retryable.
type TransferError struct {
	Op  string
	Err error
}

func (err TransferError) Error() string {
	return fmt.Sprintf("transfer failed during %s: %s", err.Op, err.Err)
}

func (err TransferError) Unwrap() error {
	return err.Err
}

// IsTransfer reports whether any error in err's chain is a TransferError.
// Only transfer errors are worth retrying.
func IsTransfer(err error) bool {
	for err != nil {
		if _, ok := err.(TransferError); ok {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// ConflictDetected represents divergent local and remote save state with no
// recorded ancestor relation. It is surfaced to the operator, never
// auto-resolved.
type ConflictDetected struct {
	GameID            string
	LocalFingerprint  string
	RemoteFingerprint string
}

func (err ConflictDetected) Error() string {
	return fmt.Sprintf("local and remote saves for %q have diverged", err.GameID)
}

func (err ConflictDetected) FriendlyMessage() string {
	return fmt.Sprintf(
		"The local and remote saves for %q have diverged and neither is "+
			"clearly newer.\nNothing was overwritten. Resolve the conflict by "+
			"re-launching with an explicit --prefer-local or --prefer-remote.",
		err.GameID)
}

// CorruptSnapshot represents a snapshot whose contents don't match its
// fingerprint. Fatal to the sync attempt that encountered it.
type CorruptSnapshot struct {
	Expected string
	Actual   string
}

func (err CorruptSnapshot) Error() string {
	return fmt.Sprintf("snapshot is corrupt: fingerprint %s doesn't match expected %s",
		err.Actual, err.Expected)
}
