package snapshot

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// LogicalVersion orders snapshots without trusting wall-clock alone. The
// sequence counter is authoritative; the timestamp only breaks ties between
// snapshots that were produced without seeing each other's sequence.
type LogicalVersion struct {
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// NewVersion returns the initial version for a game's first snapshot.
func NewVersion(clock clockwork.Clock) LogicalVersion {
	return LogicalVersion{Timestamp: clock.Now().UTC(), Sequence: 1}
}

// Next returns the version for a snapshot superseding v.
func (v LogicalVersion) Next(clock clockwork.Clock) LogicalVersion {
	return LogicalVersion{Timestamp: clock.Now().UTC(), Sequence: v.Sequence + 1}
}

// Newer returns whether v strictly supersedes other.
func (v LogicalVersion) Newer(other LogicalVersion) bool {
	if v.Sequence != other.Sequence {
		return v.Sequence > other.Sequence
	}
	return v.Timestamp.After(other.Timestamp)
}

// IsZero returns whether v is the zero version (no snapshot yet).
func (v LogicalVersion) IsZero() bool {
	return v.Sequence == 0 && v.Timestamp.IsZero()
}

func (v LogicalVersion) String() string {
	return fmt.Sprintf("%d@%s", v.Sequence, v.Timestamp.Format(time.RFC3339))
}
