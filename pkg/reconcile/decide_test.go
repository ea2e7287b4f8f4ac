package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cinc-sync/cinc/pkg/backend"
	"github.com/cinc-sync/cinc/pkg/snapshot"
)

func TestDecide(t *testing.T) {
	margin := 10 * time.Minute
	remoteTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := RemoteState{
		Exists: true,
		Record: backend.Record{
			Fingerprint: "fp-remote",
			Version: snapshot.LogicalVersion{
				Timestamp: remoteTime,
				Sequence:  4,
			},
		},
	}

	tests := []struct {
		name   string
		local  LocalState
		remote RemoteState
		exp    Action
	}{
		{
			name: "NothingAnywhere",
			exp:  ActionNone,
		},
		{
			name:   "NoLocalRemotePresent",
			remote: remote,
			exp:    ActionPull,
		},
		{
			name:  "FirstRunNoRemote",
			local: LocalState{Exists: true, Fingerprint: "fp-local"},
			exp:   ActionNone,
		},
		{
			name: "AlreadyInSync",
			local: LocalState{
				Exists:      true,
				Fingerprint: "fp-remote",
				// Even a fresh mtime doesn't matter when contents match.
				ModTime: remoteTime.Add(time.Hour),
			},
			remote: remote,
			exp:    ActionNone,
		},
		{
			name: "DivergedLocalClearlyStale",
			local: LocalState{
				Exists:      true,
				Fingerprint: "fp-local",
				ModTime:     remoteTime.Add(-time.Hour),
			},
			remote: remote,
			exp:    ActionPullWithAside,
		},
		{
			name: "DivergedWithinMargin",
			local: LocalState{
				Exists:      true,
				Fingerprint: "fp-local",
				ModTime:     remoteTime.Add(-margin / 2),
			},
			remote: remote,
			exp:    ActionConflict,
		},
		{
			name: "DivergedLocalNewer",
			local: LocalState{
				Exists:      true,
				Fingerprint: "fp-local",
				ModTime:     remoteTime.Add(time.Hour),
			},
			remote: remote,
			exp:    ActionConflict,
		},
		{
			name: "DivergedExactlyAtMargin",
			local: LocalState{
				Exists:      true,
				Fingerprint: "fp-local",
				ModTime:     remoteTime.Add(-margin),
			},
			remote: remote,
			exp:    ActionPullWithAside,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, Decide(test.local, test.remote, margin))
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	local := LocalState{Exists: true, Fingerprint: "fp-local"}
	remote := RemoteState{Exists: true,
		Record: backend.Record{Fingerprint: "fp-remote"}}

	first := Decide(local, remote, time.Minute)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(local, remote, time.Minute))
	}
}
