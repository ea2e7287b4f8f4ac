package backend

import (
	"context"

	"github.com/cinc-sync/cinc/pkg/snapshot"
)

// A Record is the backend-reported metadata for a game's latest snapshot.
// The reconciler never trusts wall-clock alone: decisions combine the
// logical version ordering with fingerprint equality.
type Record struct {
	// Version is the snapshot's logical version.
	Version snapshot.LogicalVersion `json:"version"`

	// Fingerprint is the content fingerprint of the snapshot.
	Fingerprint string `json:"fingerprint"`

	// Size is the payload size in bytes.
	Size int64 `json:"size"`

	// Location is an opaque storage location understood only by the backend
	// that produced the record.
	Location string `json:"location"`

	// Hostname is the machine that pushed the snapshot. Informational, shown
	// when surfacing conflicts.
	Hostname string `json:"hostname"`
}

// Compat is the result of the protocol-version gate.
type Compat int

const (
	// CompatOk means the backend's stored protocol version interoperates
	// with this binary.
	CompatOk Compat = iota

	// CompatUninitialized means no protocol marker exists yet. Syncing may
	// proceed; the marker is written by the first successful push.
	CompatUninitialized

	// CompatIncompatible means the stored protocol version can't be safely
	// used by this binary. Sync phases are skipped; the game still launches.
	CompatIncompatible
)

func (c Compat) String() string {
	switch c {
	case CompatOk:
		return "ok"
	case CompatUninitialized:
		return "uninitialized"
	case CompatIncompatible:
		return "incompatible"
	}
	return "unknown"
}

// Store is the remote object store contract. Concrete transports (WebDav,
// filesystem) are interchangeable implementers, which lets tests run against
// a filesystem double with no network dependency.
type Store interface {
	// GetLatest returns the record for the game's latest snapshot, or
	// errors.ErrNotFound if the game has never been pushed.
	GetLatest(ctx context.Context, gameID string) (Record, error)

	// Fetch downloads the payload for a record. It either returns the
	// complete payload or a TransferError, never partial data.
	Fetch(ctx context.Context, rec Record) ([]byte, error)

	// Push uploads a snapshot and publishes it as the game's latest. The
	// publish is atomic from the caller's view: a concurrent reader observes
	// either the previous record or the new one, never an in-between state.
	Push(ctx context.Context, gameID string, snap snapshot.Snapshot) (Record, error)

	// PushAside uploads a snapshot to a disambiguation slot without touching
	// the game's latest record. Used to preserve diverged local state before
	// a pull overwrites it.
	PushAside(ctx context.Context, gameID string, snap snapshot.Snapshot) error

	// CheckCompat reads the backend's protocol-version marker.
	CheckCompat(ctx context.Context) (Compat, error)
}
