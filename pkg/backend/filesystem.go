package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/snapshot"
	"github.com/cinc-sync/cinc/pkg/version"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

var hostname = func() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// Filesystem stores snapshots under a directory. It's the development and
// test transport, and doubles as a "cloud" for users who point it at a
// mounted network share.
//
// Layout under the root:
//
//	protocol                      version marker
//	<game>/latest.json            record for the latest snapshot
//	<game>/objects/v<seq>.snap    payloads, one per pushed version
//	<game>/aside/...              disambiguation slots
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem store rooted at the given directory.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, errors.WithContext(err, "create backend root")
	}
	return &Filesystem{root: root}, nil
}

func (store *Filesystem) GetLatest(_ context.Context, gameID string) (Record, error) {
	data, err := afero.ReadFile(fs, filepath.Join(store.root, gameID, "latest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errors.ErrNotFound
		}
		return Record{}, errors.TransferError{Op: "get latest", Err: err}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.TransferError{Op: "parse latest record", Err: err}
	}
	return rec, nil
}

func (store *Filesystem) Fetch(_ context.Context, rec Record) ([]byte, error) {
	payload, err := afero.ReadFile(fs, filepath.Join(store.root, rec.Location))
	if err != nil {
		return nil, errors.TransferError{Op: "fetch snapshot", Err: err}
	}
	if int64(len(payload)) != rec.Size {
		return nil, errors.TransferError{
			Op:  "fetch snapshot",
			Err: fmt.Errorf("expected %d bytes, got %d", rec.Size, len(payload)),
		}
	}
	return payload, nil
}

func (store *Filesystem) Push(_ context.Context, gameID string,
	snap snapshot.Snapshot) (Record, error) {

	location := filepath.Join(gameID, "objects",
		fmt.Sprintf("v%06d.snap", snap.Version.Sequence))
	if err := store.writeAtomic(location, snap.Payload); err != nil {
		return Record{}, errors.TransferError{Op: "upload snapshot", Err: err}
	}

	rec := Record{
		Version:     snap.Version,
		Fingerprint: snap.Fingerprint,
		Size:        int64(len(snap.Payload)),
		Location:    location,
		Hostname:    hostname(),
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return Record{}, errors.WithContext(err, "marshal record")
	}

	// The record rename is the publish point. A concurrent reader sees
	// either the old record (pointing at the old object) or the new one,
	// never a half-written state.
	if err := store.writeAtomic(filepath.Join(gameID, "latest.json"), recData); err != nil {
		return Record{}, errors.TransferError{Op: "publish record", Err: err}
	}

	if err := store.ensureMarker(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (store *Filesystem) PushAside(_ context.Context, gameID string,
	snap snapshot.Snapshot) error {

	name := fmt.Sprintf("v%06d-%s", snap.Version.Sequence, hostname())
	asideDir := filepath.Join(gameID, "aside")
	if err := store.writeAtomic(filepath.Join(asideDir, name+".snap"),
		snap.Payload); err != nil {
		return errors.TransferError{Op: "upload aside snapshot", Err: err}
	}

	rec := Record{
		Version:     snap.Version,
		Fingerprint: snap.Fingerprint,
		Size:        int64(len(snap.Payload)),
		Location:    filepath.Join(asideDir, name+".snap"),
		Hostname:    hostname(),
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return errors.WithContext(err, "marshal aside record")
	}
	if err := store.writeAtomic(filepath.Join(asideDir, name+".json"),
		recData); err != nil {
		return errors.TransferError{Op: "publish aside record", Err: err}
	}

	log.WithField("slot", name).Info(
		"Preserved diverged local saves in a disambiguation slot")
	return nil
}

func (store *Filesystem) CheckCompat(_ context.Context) (Compat, error) {
	data, err := afero.ReadFile(fs, filepath.Join(store.root, protocolMarker))
	if err != nil {
		if os.IsNotExist(err) {
			return CompatUninitialized, nil
		}
		return CompatIncompatible, errors.TransferError{Op: "read protocol marker", Err: err}
	}
	return compareProtocol(string(data))
}

func (store *Filesystem) ensureMarker() error {
	markerPath := filepath.Join(store.root, protocolMarker)
	exists, err := afero.Exists(fs, markerPath)
	if err != nil {
		return errors.TransferError{Op: "check protocol marker", Err: err}
	}
	if exists {
		return nil
	}
	if err := store.writeAtomic(protocolMarker, []byte(version.Protocol)); err != nil {
		return errors.TransferError{Op: "write protocol marker", Err: err}
	}
	return nil
}

// writeAtomic writes to a temp name in the destination directory and renames
// into place.
func (store *Filesystem) writeAtomic(relative string, data []byte) error {
	path := filepath.Join(store.root, relative)
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmpPath := path + ".tmp"
	if err := afero.WriteFile(fs, tmpPath, data, 0644); err != nil {
		return errors.WithContext(err, "write staging file")
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		fs.Remove(tmpPath)
		return errors.WithContext(err, "rename into place")
	}
	return nil
}
