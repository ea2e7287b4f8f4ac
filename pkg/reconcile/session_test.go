package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinc-sync/cinc/pkg/backend"
	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/manifest"
	"github.com/cinc-sync/cinc/pkg/resolve"
	"github.com/cinc-sync/cinc/pkg/snapshot"
)

// world fakes the local filesystem seen through the resolve and snapshot
// packages, so session tests exercise the engine without touching disk.
type world struct {
	disk    map[string]string
	modTime time.Time
}

func fingerprintOf(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var parts []string
	for _, path := range paths {
		parts = append(parts, path+"="+files[path])
	}
	return "fp(" + strings.Join(parts, ";") + ")"
}

func snapshotOf(files map[string]string, ver snapshot.LogicalVersion) snapshot.Snapshot {
	payload, err := json.Marshal(files)
	if err != nil {
		panic(err)
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return snapshot.Snapshot{
		Fingerprint: fingerprintOf(files),
		Version:     ver,
		Files:       paths,
		Payload:     payload,
	}
}

func installWorld(t *testing.T, w *world) {
	origResolve := resolveSet
	origMod := latestModTime
	origFingerprint := fingerprintSet
	origPack := packSet
	origFromPayload := fromPayload
	origUnpack := unpackSnapshot
	t.Cleanup(func() {
		resolveSet = origResolve
		latestModTime = origMod
		fingerprintSet = origFingerprint
		packSet = origPack
		fromPayload = origFromPayload
		unpackSnapshot = origUnpack
	})

	resolveSet = func(manifest.GameEntry, manifest.Platform,
		resolve.Bindings) (resolve.SaveSet, error) {
		var set resolve.SaveSet
		for path := range w.disk {
			set = append(set, path)
		}
		sort.Strings(set)
		return set, nil
	}
	latestModTime = func(resolve.SaveSet) (time.Time, error) {
		return w.modTime, nil
	}
	fingerprintSet = func(set resolve.SaveSet) (string, error) {
		return fingerprintOf(w.disk), nil
	}
	packSet = func(set resolve.SaveSet, ver snapshot.LogicalVersion) (snapshot.Snapshot, error) {
		return snapshotOf(w.disk, ver), nil
	}
	fromPayload = func(payload []byte, fingerprint string,
		ver snapshot.LogicalVersion) (snapshot.Snapshot, error) {
		var files map[string]string
		if err := json.Unmarshal(payload, &files); err != nil {
			return snapshot.Snapshot{}, err
		}
		snap := snapshotOf(files, ver)
		snap.Fingerprint = fingerprint
		return snap, nil
	}
	unpackSnapshot = func(snap snapshot.Snapshot) error {
		var files map[string]string
		if err := json.Unmarshal(snap.Payload, &files); err != nil {
			return err
		}
		for path, contents := range files {
			w.disk[path] = contents
		}
		return nil
	}
}

// fakeStore is an in-memory backend with scriptable transfer faults.
type fakeStore struct {
	compat  backend.Compat
	latest  map[string]backend.Record
	objects map[string][]byte
	asides  []snapshot.Snapshot
	pushes  []snapshot.Snapshot

	failGets    int
	failFetches int
	failPushes  int

	getCalls   int
	fetchCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		compat:  backend.CompatOk,
		latest:  map[string]backend.Record{},
		objects: map[string][]byte{},
	}
}

func (store *fakeStore) setLatest(gameID string, files map[string]string,
	ver snapshot.LogicalVersion) backend.Record {

	snap := snapshotOf(files, ver)
	location := fmt.Sprintf("%s/v%d", gameID, ver.Sequence)
	rec := backend.Record{
		Version:     ver,
		Fingerprint: snap.Fingerprint,
		Size:        int64(len(snap.Payload)),
		Location:    location,
		Hostname:    "other-host",
	}
	store.latest[gameID] = rec
	store.objects[location] = snap.Payload
	return rec
}

func (store *fakeStore) GetLatest(_ context.Context, gameID string) (backend.Record, error) {
	store.getCalls++
	if store.failGets > 0 {
		store.failGets--
		return backend.Record{}, errors.TransferError{Op: "get", Err: errors.New("boom")}
	}
	rec, ok := store.latest[gameID]
	if !ok {
		return backend.Record{}, errors.ErrNotFound
	}
	return rec, nil
}

func (store *fakeStore) Fetch(_ context.Context, rec backend.Record) ([]byte, error) {
	store.fetchCalls++
	if store.failFetches > 0 {
		store.failFetches--
		return nil, errors.TransferError{Op: "fetch", Err: errors.New("boom")}
	}
	payload, ok := store.objects[rec.Location]
	if !ok {
		return nil, errors.TransferError{Op: "fetch", Err: errors.New("missing object")}
	}
	return payload, nil
}

func (store *fakeStore) Push(_ context.Context, gameID string,
	snap snapshot.Snapshot) (backend.Record, error) {

	if store.failPushes > 0 {
		store.failPushes--
		return backend.Record{}, errors.TransferError{Op: "push", Err: errors.New("boom")}
	}

	store.pushes = append(store.pushes, snap)
	location := fmt.Sprintf("%s/v%d", gameID, snap.Version.Sequence)
	rec := backend.Record{
		Version:     snap.Version,
		Fingerprint: snap.Fingerprint,
		Size:        int64(len(snap.Payload)),
		Location:    location,
		Hostname:    "test-host",
	}
	store.latest[gameID] = rec
	store.objects[location] = snap.Payload
	return rec, nil
}

func (store *fakeStore) PushAside(_ context.Context, _ string,
	snap snapshot.Snapshot) error {
	store.asides = append(store.asides, snap)
	return nil
}

func (store *fakeStore) CheckCompat(_ context.Context) (backend.Compat, error) {
	return store.compat, nil
}

func newTestSession(store backend.Store) *Session {
	session := NewSession("celeste", manifest.GameEntry{},
		manifest.PlatformNative, resolve.Bindings{}, store)
	session.Clock = clockwork.NewRealClock()
	session.RetryDelay = time.Millisecond
	return session
}

func TestPreSyncPullsWhenLocalEmpty(t *testing.T) {
	w := &world{disk: map[string]string{}}
	installWorld(t, w)
	store := newFakeStore()

	remoteFiles := map[string]string{"/h/saves/slot1.dat": "remote save"}
	store.setLatest("celeste", remoteFiles,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 3})

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))

	assert.Equal(t, Pulled, session.State())
	assert.Equal(t, "remote save", w.disk["/h/saves/slot1.dat"])
	assert.Equal(t, fingerprintOf(remoteFiles), fingerprintOf(w.disk))
}

func TestPreSyncSkipsWhenInSync(t *testing.T) {
	files := map[string]string{"/h/saves/slot1.dat": "save"}
	w := &world{disk: files, modTime: time.Now()}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", files,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 1})

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))

	assert.Equal(t, Skipped, session.State())
	// No fetch happens when fingerprints already match.
	assert.Zero(t, store.fetchCalls)
}

func TestPreSyncSkipsFirstRun(t *testing.T) {
	w := &world{disk: map[string]string{"/h/saves/slot1.dat": "save"},
		modTime: time.Now()}
	installWorld(t, w)

	session := newTestSession(newFakeStore())
	require.NoError(t, session.PreSync(context.Background()))
	assert.Equal(t, Skipped, session.State())
}

func TestPreSyncConflictHeld(t *testing.T) {
	w := &world{
		disk:    map[string]string{"/h/saves/slot1.dat": "local version"},
		modTime: time.Now(),
	}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", map[string]string{"/h/saves/slot1.dat": "remote version"},
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 2})

	session := newTestSession(store)
	err := session.PreSync(context.Background())
	require.Error(t, err)
	_, ok := errors.RootCause(err).(errors.ConflictDetected)
	assert.True(t, ok)
	assert.Equal(t, ConflictHeld, session.State())

	// Neither side was touched.
	assert.Equal(t, "local version", w.disk["/h/saves/slot1.dat"])
	assert.Empty(t, store.pushes)
	assert.Empty(t, store.asides)

	// A held conflict suppresses the post-launch push entirely.
	require.NoError(t, session.PostSync(context.Background()))
	assert.Empty(t, store.pushes)
	assert.Equal(t, ConflictHeld, session.State())
}

func TestPreSyncStaleLocalPullsWithAside(t *testing.T) {
	localFiles := map[string]string{"/h/saves/slot1.dat": "old local"}
	w := &world{
		disk: map[string]string{"/h/saves/slot1.dat": "old local"},
		// Local files predate the remote by more than the safety margin.
		modTime: time.Now().Add(-24 * time.Hour),
	}
	installWorld(t, w)
	store := newFakeStore()
	remoteFiles := map[string]string{"/h/saves/slot1.dat": "newer remote"}
	store.setLatest("celeste", remoteFiles,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 5})

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))

	assert.Equal(t, Pulled, session.State())
	assert.Equal(t, "newer remote", w.disk["/h/saves/slot1.dat"])

	// The stale local state was preserved in a disambiguation slot first.
	require.Len(t, store.asides, 1)
	assert.Equal(t, fingerprintOf(localFiles), store.asides[0].Fingerprint)
	assert.Equal(t, uint64(5), store.asides[0].Version.Sequence)
}

func TestPreSyncRetriesThenDegrades(t *testing.T) {
	w := &world{disk: map[string]string{"/h/saves/slot1.dat": "save"},
		modTime: time.Now()}
	installWorld(t, w)
	store := newFakeStore()
	store.failGets = 100 // every attempt fails

	session := newTestSession(store)
	err := session.PreSync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransfer(err))

	// Bounded retries, then the launch proceeds with local state.
	assert.Equal(t, session.RetryAttempts, store.getCalls)
	assert.Equal(t, Skipped, session.State())
	assert.Error(t, session.PreSyncError())
}

func TestPreSyncTransientFaultRecovers(t *testing.T) {
	w := &world{disk: map[string]string{}}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", map[string]string{"/h/saves/slot1.dat": "remote"},
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 1})
	store.failGets = 1
	store.failFetches = 1

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))
	assert.Equal(t, Pulled, session.State())
}

func TestPreSyncIncompatibleBackend(t *testing.T) {
	w := &world{disk: map[string]string{"/h/saves/slot1.dat": "save"},
		modTime: time.Now()}
	installWorld(t, w)
	store := newFakeStore()
	store.compat = backend.CompatIncompatible

	session := newTestSession(store)
	err := session.PreSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, Skipped, session.State())
	assert.Zero(t, store.getCalls)

	// Post-launch push is disabled too.
	w.disk["/h/saves/slot1.dat"] = "changed by game"
	require.NoError(t, session.PostSync(context.Background()))
	assert.Empty(t, store.pushes)
}

func TestPostSyncPushesChanges(t *testing.T) {
	files := map[string]string{"/h/saves/slot1.dat": "before"}
	w := &world{disk: files, modTime: time.Now()}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", files,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 7})

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))
	session.MarkRunning()

	w.disk["/h/saves/slot1.dat"] = "after"
	require.NoError(t, session.PostSync(context.Background()))

	assert.Equal(t, Pushed, session.State())
	require.Len(t, store.pushes, 1)
	assert.Equal(t, uint64(8), store.pushes[0].Version.Sequence)
	assert.Equal(t, fingerprintOf(w.disk), store.pushes[0].Fingerprint)
}

func TestPostSyncSkipsWhenUnchanged(t *testing.T) {
	files := map[string]string{"/h/saves/slot1.dat": "save"}
	w := &world{disk: files, modTime: time.Now()}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", files,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 2})

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))
	require.NoError(t, session.PostSync(context.Background()))

	assert.Equal(t, Skipped, session.State())
	assert.Empty(t, store.pushes)
}

func TestPostSyncFirstPushStartsVersioning(t *testing.T) {
	w := &world{disk: map[string]string{}, modTime: time.Now()}
	installWorld(t, w)
	store := newFakeStore()

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))

	w.disk["/h/saves/slot1.dat"] = "first ever save"
	w.modTime = time.Now()
	require.NoError(t, session.PostSync(context.Background()))

	assert.Equal(t, Pushed, session.State())
	require.Len(t, store.pushes, 1)
	assert.Equal(t, uint64(1), store.pushes[0].Version.Sequence)
}

func TestPostSyncHoldsAfterFailedPull(t *testing.T) {
	w := &world{
		disk: map[string]string{"/h/saves/slot1.dat": "stale local"},
		// Stale enough that the pre-launch phase decides to pull.
		modTime: time.Now().Add(-24 * time.Hour),
	}
	installWorld(t, w)
	store := newFakeStore()
	remoteFiles := map[string]string{"/h/saves/slot1.dat": "newer remote"}
	remoteRec := store.setLatest("celeste", remoteFiles,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 5})
	store.failFetches = 100 // the pull never succeeds

	session := newTestSession(store)
	err := session.PreSync(context.Background())
	require.Error(t, err)
	require.Error(t, session.PreSyncError())
	assert.Equal(t, "stale local", w.disk["/h/saves/slot1.dat"])

	// The decided pull never happened, so the game ran on saves the engine
	// already knows are stale. Publishing them would demote the newer remote
	// snapshot; hold instead.
	err = session.PostSync(context.Background())
	require.Error(t, err)
	_, ok := errors.RootCause(err).(errors.ConflictDetected)
	assert.True(t, ok)
	assert.Equal(t, ConflictHeld, session.State())
	assert.Empty(t, store.pushes)

	latest, err := store.GetLatest(context.Background(), "celeste")
	require.NoError(t, err)
	assert.Equal(t, remoteRec.Fingerprint, latest.Fingerprint)
}

func TestPreferRemoteResolvesConflict(t *testing.T) {
	localFiles := map[string]string{"/h/saves/slot1.dat": "local version"}
	w := &world{
		disk:    map[string]string{"/h/saves/slot1.dat": "local version"},
		modTime: time.Now(),
	}
	installWorld(t, w)
	store := newFakeStore()
	remoteFiles := map[string]string{"/h/saves/slot1.dat": "remote version"}
	store.setLatest("celeste", remoteFiles,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 4})

	session := newTestSession(store)
	session.Resolution = ResolutionPreferRemote
	require.NoError(t, session.PreSync(context.Background()))

	assert.Equal(t, Pulled, session.State())
	assert.Equal(t, "remote version", w.disk["/h/saves/slot1.dat"])

	// The losing local saves went to the aside area first.
	require.Len(t, store.asides, 1)
	assert.Equal(t, fingerprintOf(localFiles), store.asides[0].Fingerprint)
}

func TestPreferLocalResolvesConflict(t *testing.T) {
	w := &world{
		disk:    map[string]string{"/h/saves/slot1.dat": "local version"},
		modTime: time.Now(),
	}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", map[string]string{"/h/saves/slot1.dat": "remote version"},
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 4})

	session := newTestSession(store)
	session.Resolution = ResolutionPreferLocal
	require.NoError(t, session.PreSync(context.Background()))

	// The game runs on the untouched local saves.
	assert.Equal(t, Skipped, session.State())
	assert.Equal(t, "local version", w.disk["/h/saves/slot1.dat"])

	// The push happens even though the game didn't change anything.
	require.NoError(t, session.PostSync(context.Background()))
	assert.Equal(t, Pushed, session.State())
	require.Len(t, store.pushes, 1)
	assert.Equal(t, uint64(5), store.pushes[0].Version.Sequence)
	assert.Equal(t, fingerprintOf(w.disk), store.pushes[0].Fingerprint)
}

func TestPreferLocalPreservesUnseenRemote(t *testing.T) {
	w := &world{
		disk:    map[string]string{"/h/saves/slot1.dat": "local version"},
		modTime: time.Now(),
	}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", map[string]string{"/h/saves/slot1.dat": "remote version"},
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 4})

	session := newTestSession(store)
	session.Resolution = ResolutionPreferLocal
	require.NoError(t, session.PreSync(context.Background()))

	// A third host pushes while the game is running.
	racedFiles := map[string]string{"/h/saves/slot1.dat": "raced version"}
	store.setLatest("celeste", racedFiles,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 5})

	require.NoError(t, session.PostSync(context.Background()))
	assert.Equal(t, Pushed, session.State())

	// The raced snapshot this run never saw is preserved before the forced
	// push supersedes it.
	require.Len(t, store.asides, 1)
	assert.Equal(t, fingerprintOf(racedFiles), store.asides[0].Fingerprint)
	require.Len(t, store.pushes, 1)
	assert.Equal(t, uint64(6), store.pushes[0].Version.Sequence)
}

func TestPostSyncDetectsRemoteMovedUnderneath(t *testing.T) {
	files := map[string]string{"/h/saves/slot1.dat": "base"}
	w := &world{disk: files, modTime: time.Now()}
	installWorld(t, w)
	store := newFakeStore()
	store.setLatest("celeste", files,
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 1})

	session := newTestSession(store)
	require.NoError(t, session.PreSync(context.Background()))

	// Another invocation pushes while the game is running.
	store.setLatest("celeste", map[string]string{"/h/saves/slot1.dat": "other host"},
		snapshot.LogicalVersion{Timestamp: time.Now(), Sequence: 2})

	w.disk["/h/saves/slot1.dat"] = "this host"
	err := session.PostSync(context.Background())
	require.Error(t, err)
	_, ok := errors.RootCause(err).(errors.ConflictDetected)
	assert.True(t, ok)
	assert.Equal(t, ConflictHeld, session.State())
	assert.Empty(t, store.pushes)
}
