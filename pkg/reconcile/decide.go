package reconcile

import (
	"time"

	"github.com/cinc-sync/cinc/pkg/backend"
)

// LocalState is a point-in-time observation of the save files on disk.
type LocalState struct {
	// Exists is whether any save files resolved on this machine.
	Exists bool

	// Fingerprint is the content fingerprint of the resolved save set.
	// Only meaningful when Exists.
	Fingerprint string

	// ModTime is the most recent modification time across the save set.
	// Only meaningful when Exists.
	ModTime time.Time
}

// RemoteState is a point-in-time observation of the backend's latest record.
type RemoteState struct {
	// Exists is whether the backend has any snapshot for the game.
	Exists bool

	// Record is the latest record. Only meaningful when Exists.
	Record backend.Record
}

// Action is what the pre-launch phase should do.
type Action int

const (
	// ActionNone means there is nothing to transfer: no state anywhere,
	// already in sync, or first run with nothing to pull.
	ActionNone Action = iota

	// ActionPull means download and restore the remote snapshot.
	ActionPull

	// ActionPullWithAside means the local state is diverged but clearly
	// stale: preserve it in a disambiguation slot, then pull.
	ActionPullWithAside

	// ActionConflict means local and remote have diverged with no provable
	// ancestor relation. Hold, report, touch nothing.
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPull:
		return "pull"
	case ActionPullWithAside:
		return "pull-with-aside"
	case ActionConflict:
		return "conflict"
	}
	return "unknown"
}

// Decide maps a pair of state observations to the pre-launch action. It is a
// pure function of its inputs so the whole decision table is testable
// without a backend or a filesystem.
//
// No ancestor lineage is recorded between snapshots, so divergence can't be
// resolved by version ordering alone. The only divergence resolved
// automatically is the unambiguous one: the local files are older than the
// remote snapshot by at least the safety margin, meaning this machine hasn't
// seen the save since before the remote was written. Everything else is a
// conflict for the operator, never a guess.
func Decide(local LocalState, remote RemoteState, margin time.Duration) Action {
	switch {
	case !local.Exists && !remote.Exists:
		return ActionNone

	case !local.Exists:
		return ActionPull

	case !remote.Exists:
		// First run for this game: nothing to pull, the push happens
		// post-launch.
		return ActionNone

	case local.Fingerprint == remote.Record.Fingerprint:
		return ActionNone
	}

	staleBy := remote.Record.Version.Timestamp.Sub(local.ModTime)
	if staleBy >= margin {
		return ActionPullWithAside
	}
	return ActionConflict
}
