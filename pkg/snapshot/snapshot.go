package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/resolve"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// archiveEpoch is the fixed modification time stamped on archive entries so
// that packing the same contents twice yields identical payload bytes.
var archiveEpoch = time.Unix(0, 0)

// A Snapshot is a packaged save set at one instant. Two snapshots with equal
// fingerprints are content-equal regardless of when they were produced,
// which is what allows "skip, nothing changed" decisions without a transfer.
type Snapshot struct {
	// Fingerprint is a content-addressed hash over the sorted
	// (path, contents) tuples of the save set.
	Fingerprint string

	// Version is the snapshot's logical version.
	Version LogicalVersion

	// Files are the absolute paths packed into the payload, sorted. Save
	// files for one game can live in unrelated directories, so paths are
	// recorded absolute rather than relative to a single root.
	Files []string

	// Payload is the compressed archive.
	Payload []byte
}

// Pack reads every file in the save set, in sorted path order, and packages
// it into a Snapshot. An empty save set yields an empty but valid Snapshot.
func Pack(set resolve.SaveSet, version LogicalVersion) (Snapshot, error) {
	fingerprint, err := FingerprintSet(set)
	if err != nil {
		return Snapshot{}, err
	}

	var payload bytes.Buffer
	gzipWriter := gzip.NewWriter(&payload)
	tarWriter := tar.NewWriter(gzipWriter)

	files := make([]string, 0, len(set))
	for _, path := range set {
		contents, err := afero.ReadFile(fs, path)
		if err != nil {
			return Snapshot{}, errors.WithContext(err,
				fmt.Sprintf("read %q", path))
		}

		header := &tar.Header{
			Name:    path,
			Size:    int64(len(contents)),
			Mode:    0644,
			ModTime: archiveEpoch,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return Snapshot{}, errors.WithContext(err, "write archive header")
		}
		if _, err := tarWriter.Write(contents); err != nil {
			return Snapshot{}, errors.WithContext(err, "write archive entry")
		}
		files = append(files, path)
	}

	if err := tarWriter.Close(); err != nil {
		return Snapshot{}, errors.WithContext(err, "finish archive")
	}
	if err := gzipWriter.Close(); err != nil {
		return Snapshot{}, errors.WithContext(err, "finish compression")
	}

	return Snapshot{
		Fingerprint: fingerprint,
		Version:     version,
		Files:       files,
		Payload:     payload.Bytes(),
	}, nil
}

// FingerprintSet computes the content fingerprint of a save set without
// archiving it. Used for skip decisions that shouldn't cost a transfer.
func FingerprintSet(set resolve.SaveSet) (string, error) {
	hasher := sha512.New()
	for _, path := range set {
		contents, err := afero.ReadFile(fs, path)
		if err != nil {
			return "", errors.WithContext(err, fmt.Sprintf("read %q", path))
		}
		fmt.Fprintf(hasher, "Path: %s\n", path)
		fmt.Fprintf(hasher, "Size: %d\n", len(contents))
		hasher.Write(contents)
	}
	// URL-safe encoding so fingerprints can appear in object names.
	return base64.URLEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// FromPayload reconstructs a Snapshot from fetched archive bytes and the
// metadata the backend reported for it.
func FromPayload(payload []byte, fingerprint string, version LogicalVersion) (Snapshot, error) {
	files, err := listPayload(payload)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Fingerprint: fingerprint,
		Version:     version,
		Files:       files,
		Payload:     payload,
	}, nil
}

func listPayload(payload []byte) ([]string, error) {
	gzipReader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.WithContext(err, "open compressed payload")
	}

	var files []string
	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithContext(err, "read archive")
		}
		files = append(files, header.Name)
	}
	return files, nil
}

// Unpack restores every file in the snapshot to the absolute path it was
// packed from. Each file is written to a temporary location and renamed into
// place, so a crash mid-restore can never leave a save file half-written.
// After restoring, the on-disk fingerprint must match the snapshot's; a
// mismatch fails the sync attempt with CorruptSnapshot.
func Unpack(snap Snapshot) error {
	gzipReader, err := gzip.NewReader(bytes.NewReader(snap.Payload))
	if err != nil {
		return errors.WithContext(err, "open compressed payload")
	}

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithContext(err, "read archive")
		}

		if err := restoreFile(header.Name, tarReader); err != nil {
			return errors.WithContext(err,
				fmt.Sprintf("restore %q", header.Name))
		}
		log.WithField("path", header.Name).Debug("Restored save file")
	}

	restored, err := FingerprintSet(resolve.SaveSet(snap.Files))
	if err != nil {
		return errors.WithContext(err, "fingerprint restored files")
	}
	if restored != snap.Fingerprint {
		return errors.CorruptSnapshot{
			Expected: snap.Fingerprint,
			Actual:   restored,
		}
	}
	return nil
}

func restoreFile(path string, contents io.Reader) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	// Write next to the destination so the rename stays on one filesystem.
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+".cinc-tmp")
	tmpFile, err := fs.Create(tmpPath)
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	if _, err := io.Copy(tmpFile, contents); err != nil {
		tmpFile.Close()
		fs.Remove(tmpPath)
		return errors.WithContext(err, "write temp file")
	}
	if err := tmpFile.Close(); err != nil {
		fs.Remove(tmpPath)
		return errors.WithContext(err, "close temp file")
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		fs.Remove(tmpPath)
		return errors.WithContext(err, "rename into place")
	}
	return nil
}
