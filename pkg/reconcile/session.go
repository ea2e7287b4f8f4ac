package reconcile

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/cinc-sync/cinc/pkg/backend"
	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/manifest"
	"github.com/cinc-sync/cinc/pkg/resolve"
	"github.com/cinc-sync/cinc/pkg/snapshot"
)

// Mocked out for unit testing.
var (
	resolveSet     = resolve.Resolve
	latestModTime  = resolve.LatestModTime
	fingerprintSet = snapshot.FingerprintSet
	packSet        = snapshot.Pack
	fromPayload    = snapshot.FromPayload
	unpackSnapshot = snapshot.Unpack
)

// State is where the sync engine currently is within one invocation.
type State int

const (
	// Idle is the state before pre-launch sync and after everything is done.
	Idle State = iota

	// PreSyncing means the pre-launch phase is running.
	PreSyncing

	// Pulled means the pre-launch phase restored the remote snapshot.
	Pulled

	// Skipped means the last finished phase had nothing to transfer.
	Skipped

	// ConflictHeld means diverged state was detected and left untouched.
	// A held conflict suppresses the post-launch push.
	ConflictHeld

	// Running means the wrapped game process is executing.
	Running

	// PostSyncing means the post-launch phase is running.
	PostSyncing

	// Pushed means the post-launch phase published a new snapshot.
	Pushed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreSyncing:
		return "pre-syncing"
	case Pulled:
		return "pulled"
	case Skipped:
		return "skipped"
	case ConflictHeld:
		return "conflict-held"
	case Running:
		return "running"
	case PostSyncing:
		return "post-syncing"
	case Pushed:
		return "pushed"
	}
	return "unknown"
}

// Resolution is an operator-supplied override for a detected conflict.
// Without one, diverged saves are held and nothing is transferred.
type Resolution int

const (
	// ResolutionNone holds conflicts for the operator.
	ResolutionNone Resolution = iota

	// ResolutionPreferLocal keeps the local saves and overwrites the remote
	// after the launch, pushing the superseded remote snapshot aside first.
	ResolutionPreferLocal

	// ResolutionPreferRemote pushes the local saves aside and pulls the
	// remote snapshot before the launch.
	ResolutionPreferRemote
)

const (
	// defaultSafetyMargin is how much older than the remote snapshot the
	// local files must be before a divergence is auto-resolved as "local is
	// stale". Anything closer is a conflict.
	defaultSafetyMargin = 10 * time.Minute

	defaultRetryAttempts = 3
	defaultRetryDelay    = 2 * time.Second
)

// A Session drives the sync phases around one game launch. It holds all
// per-invocation state explicitly (manifest entry, bindings, backend) so the
// engine has no hidden shared mutability; create one per launch and discard
// it at process exit.
type Session struct {
	GameID   string
	Entry    manifest.GameEntry
	Platform manifest.Platform
	Bindings resolve.Bindings
	Store    backend.Store

	Clock         clockwork.Clock
	SafetyMargin  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Resolution    Resolution

	state State

	// syncDisabled is set when resolution or the compat gate failed. The
	// game still launches; both sync phases become no-ops.
	syncDisabled bool

	// preFingerprint is the local fingerprint observed when the pre-launch
	// phase finished, i.e. the content the game started from.
	preFingerprint string

	// remote is the latest record observed pre-launch, when remoteKnown.
	remote      backend.Record
	remoteKnown bool

	// preSyncErr records a pre-launch sync failure for post-launch
	// reporting. A failed pre-sync never blocks the launch.
	preSyncErr error
}

// NewSession creates the sync session for one launch of the given game.
func NewSession(gameID string, entry manifest.GameEntry,
	platform manifest.Platform, bindings resolve.Bindings,
	store backend.Store) *Session {

	return &Session{
		GameID:        gameID,
		Entry:         entry,
		Platform:      platform,
		Bindings:      bindings,
		Store:         store,
		Clock:         clockwork.NewRealClock(),
		SafetyMargin:  defaultSafetyMargin,
		RetryAttempts: defaultRetryAttempts,
		RetryDelay:    defaultRetryDelay,
	}
}

// State returns the engine's current state.
func (s *Session) State() State {
	return s.state
}

// PreSyncError returns the failure recorded during the pre-launch phase, if
// any. It is reported after the game exits.
func (s *Session) PreSyncError() error {
	return s.preSyncErr
}

// MarkRunning transitions the session while the wrapped process executes.
func (s *Session) MarkRunning() {
	s.state = Running
}

// PreSync runs the pre-launch phase: gate, observe, decide, transfer. An
// error aborts only the sync phases; the caller launches the game
// regardless.
func (s *Session) PreSync(ctx context.Context) error {
	s.state = PreSyncing
	err := s.preSync(ctx)
	if err != nil {
		s.preSyncErr = err
		if s.state == PreSyncing {
			s.state = Skipped
		}
	}
	return err
}

func (s *Session) preSync(ctx context.Context) error {
	compat, err := s.Store.CheckCompat(ctx)
	if err != nil {
		s.syncDisabled = true
		return errors.WithContext(err, "compatibility gate")
	}
	switch compat {
	case backend.CompatIncompatible:
		s.syncDisabled = true
		s.state = Skipped
		return errors.NewFriendlyError(
			"The backend stores saves in a format this version of cinc "+
				"doesn't understand.\nSyncing is disabled for this launch; "+
				"the game will start with local saves only.")
	case backend.CompatUninitialized:
		log.Debug("Backend is uninitialized; the first push will claim it")
	}

	local, set, err := s.observeLocal()
	if err != nil {
		if _, ok := err.(errors.UnresolvedVariable); ok {
			s.syncDisabled = true
		}
		return errors.WithContext(err, "observe local saves")
	}

	remote, err := s.observeRemote(ctx)
	if err != nil {
		return errors.WithContext(err, "observe remote saves")
	}
	if remote.Exists {
		s.remote = remote.Record
		s.remoteKnown = true
	}

	action := Decide(local, remote, s.SafetyMargin)
	log.WithFields(log.Fields{
		"game":   s.GameID,
		"action": action,
	}).Debug("Pre-launch sync decision")

	switch action {
	case ActionNone:
		s.preFingerprint = local.Fingerprint
		s.state = Skipped
		return nil

	case ActionConflict:
		switch s.Resolution {
		case ResolutionPreferLocal:
			log.WithField("game", s.GameID).Info(
				"Diverged saves: keeping local per --prefer-local")
			s.preFingerprint = local.Fingerprint
			s.state = Skipped
			return nil
		case ResolutionPreferRemote:
			log.WithField("game", s.GameID).Info(
				"Diverged saves: taking remote per --prefer-remote")
			if err := s.pushAside(ctx, set, remote); err != nil {
				s.state = ConflictHeld
				return errors.WithContext(err, "preserve local saves before pull")
			}
			if err := s.pull(ctx, remote.Record); err != nil {
				return err
			}
			s.preFingerprint = remote.Record.Fingerprint
			s.state = Pulled
			return nil
		}

		s.state = ConflictHeld
		return errors.ConflictDetected{
			GameID:            s.GameID,
			LocalFingerprint:  local.Fingerprint,
			RemoteFingerprint: remote.Record.Fingerprint,
		}

	case ActionPullWithAside:
		if err := s.pushAside(ctx, set, remote); err != nil {
			// Without the aside copy, pulling would overwrite the only
			// remaining copy of the local saves. Hold instead.
			s.state = ConflictHeld
			return errors.WithContext(err, "preserve local saves before pull")
		}
		fallthrough

	case ActionPull:
		if err := s.pull(ctx, remote.Record); err != nil {
			return err
		}
		s.preFingerprint = remote.Record.Fingerprint
		s.state = Pulled
		return nil
	}
	return nil
}

// PostSync runs the post-launch phase after the wrapped process has exited,
// whatever its exit code was.
func (s *Session) PostSync(ctx context.Context) error {
	if s.state == ConflictHeld {
		// Pushing now would silently resolve a conflict the operator was
		// never shown.
		log.WithField("game", s.GameID).Warn(
			"Not pushing saves: the pre-launch phase found a conflict")
		return nil
	}
	if s.syncDisabled {
		log.WithField("game", s.GameID).Debug(
			"Syncing is disabled for this invocation; not pushing")
		return nil
	}

	s.state = PostSyncing
	err := s.postSync(ctx)
	if err != nil && s.state == PostSyncing {
		s.state = Skipped
	}
	return err
}

func (s *Session) postSync(ctx context.Context) error {
	local, set, err := s.observeLocal()
	if err != nil {
		return errors.WithContext(err, "observe local saves")
	}
	if !local.Exists {
		s.state = Skipped
		return nil
	}
	// An operator forcing local saves still wants the push even if the game
	// didn't touch them.
	if local.Fingerprint == s.preFingerprint && s.Resolution != ResolutionPreferLocal {
		log.WithField("game", s.GameID).Debug(
			"Saves unchanged since launch; nothing to push")
		s.state = Skipped
		return nil
	}

	// Re-read the latest record so a remote that moved underneath us (a
	// race, or a pre-launch phase that never completed) is detected rather
	// than clobbered.
	remote, err := s.observeRemote(ctx)
	if err != nil {
		return errors.WithContext(err, "observe remote saves")
	}

	var nextVersion snapshot.LogicalVersion
	switch {
	case !remote.Exists:
		nextVersion = snapshot.NewVersion(s.Clock)

	case remote.Record.Fingerprint == local.Fingerprint:
		log.WithField("game", s.GameID).Debug(
			"Remote already matches local saves; nothing to push")
		s.state = Skipped
		return nil

	case s.preSyncErr == nil &&
		(s.remoteKnown && remote.Record.Fingerprint == s.remote.Fingerprint ||
			remote.Record.Fingerprint == s.preFingerprint):
		// The remote is still the snapshot this run started from. This only
		// holds if the pre-launch phase completed: after a failed pull, the
		// remote may match the pre-launch observation and still be newer than
		// the local saves the game just ran on.
		nextVersion = remote.Record.Version.Next(s.Clock)

	case s.Resolution == ResolutionPreferLocal:
		// The remote loses, but it is preserved first.
		if err := s.setAsideRemote(ctx, remote.Record); err != nil {
			return errors.WithContext(err, "preserve remote saves before push")
		}
		nextVersion = remote.Record.Version.Next(s.Clock)

	default:
		s.state = ConflictHeld
		return errors.ConflictDetected{
			GameID:            s.GameID,
			LocalFingerprint:  local.Fingerprint,
			RemoteFingerprint: remote.Record.Fingerprint,
		}
	}

	snap, err := packSet(set, nextVersion)
	if err != nil {
		return errors.WithContext(err, "pack saves")
	}

	var rec backend.Record
	err = s.withRetry(ctx, "push snapshot", func() error {
		var pushErr error
		rec, pushErr = s.Store.Push(ctx, s.GameID, snap)
		return pushErr
	})
	if err != nil {
		return errors.WithContext(err, "push snapshot")
	}

	log.WithFields(log.Fields{
		"game":    s.GameID,
		"version": rec.Version,
	}).Info("Pushed saves")
	s.state = Pushed
	return nil
}

func (s *Session) observeLocal() (LocalState, resolve.SaveSet, error) {
	set, err := resolveSet(s.Entry, s.Platform, s.Bindings)
	if err != nil {
		return LocalState{}, nil, err
	}
	if len(set) == 0 {
		return LocalState{}, nil, nil
	}

	fingerprint, err := fingerprintSet(set)
	if err != nil {
		return LocalState{}, nil, err
	}
	modTime, err := latestModTime(set)
	if err != nil {
		return LocalState{}, nil, err
	}
	return LocalState{
		Exists:      true,
		Fingerprint: fingerprint,
		ModTime:     modTime,
	}, set, nil
}

func (s *Session) observeRemote(ctx context.Context) (RemoteState, error) {
	var rec backend.Record
	err := s.withRetry(ctx, "get latest record", func() error {
		var getErr error
		rec, getErr = s.Store.GetLatest(ctx, s.GameID)
		return getErr
	})
	if err == errors.ErrNotFound {
		return RemoteState{}, nil
	}
	if err != nil {
		return RemoteState{}, err
	}
	return RemoteState{Exists: true, Record: rec}, nil
}

func (s *Session) pull(ctx context.Context, rec backend.Record) error {
	var payload []byte
	err := s.withRetry(ctx, "fetch snapshot", func() error {
		var fetchErr error
		payload, fetchErr = s.Store.Fetch(ctx, rec)
		return fetchErr
	})
	if err != nil {
		return errors.WithContext(err, "fetch snapshot")
	}

	snap, err := fromPayload(payload, rec.Fingerprint, rec.Version)
	if err != nil {
		return errors.WithContext(err, "open snapshot")
	}
	if err := unpackSnapshot(snap); err != nil {
		return errors.WithContext(err, "restore saves")
	}

	log.WithFields(log.Fields{
		"game":    s.GameID,
		"version": rec.Version,
	}).Info("Pulled saves")
	return nil
}

func (s *Session) pushAside(ctx context.Context, set resolve.SaveSet,
	remote RemoteState) error {

	// The local state has no provable lineage, so it gets the remote's
	// sequence with a fresh timestamp: a divergent sibling, not a successor.
	asideVersion := snapshot.LogicalVersion{
		Timestamp: s.Clock.Now().UTC(),
		Sequence:  remote.Record.Version.Sequence,
	}
	snap, err := packSet(set, asideVersion)
	if err != nil {
		return errors.WithContext(err, "pack local saves")
	}

	return s.withRetry(ctx, "push aside", func() error {
		return s.Store.PushAside(ctx, s.GameID, snap)
	})
}

// setAsideRemote copies the current remote snapshot to the aside area before
// an operator-forced push overwrites it.
func (s *Session) setAsideRemote(ctx context.Context, rec backend.Record) error {
	var payload []byte
	err := s.withRetry(ctx, "fetch snapshot", func() error {
		var fetchErr error
		payload, fetchErr = s.Store.Fetch(ctx, rec)
		return fetchErr
	})
	if err != nil {
		return errors.WithContext(err, "fetch snapshot")
	}

	snap, err := fromPayload(payload, rec.Fingerprint, rec.Version)
	if err != nil {
		return errors.WithContext(err, "open snapshot")
	}
	return s.withRetry(ctx, "push aside", func() error {
		return s.Store.PushAside(ctx, s.GameID, snap)
	})
}

// withRetry runs fn, retrying transient transfer faults a bounded number of
// times with doubling delays.
func (s *Session) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.RetryDelay
	var err error
	for attempt := 1; attempt <= s.RetryAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.IsTransfer(err) {
			return err
		}
		if attempt == s.RetryAttempts {
			break
		}

		log.WithError(err).WithFields(log.Fields{
			"operation": op,
			"attempt":   attempt,
		}).Warn("Transfer failed; retrying")
		select {
		case <-ctx.Done():
			return errors.TransferError{Op: op, Err: ctx.Err()}
		case <-s.Clock.After(delay):
		}
		delay *= 2
	}
	return err
}
