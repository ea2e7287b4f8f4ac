package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/secrets"
	"github.com/cinc-sync/cinc/pkg/snapshot"
	"github.com/cinc-sync/cinc/pkg/version"
)

// webdavTimeout bounds each individual WebDav call. A timeout surfaces as a
// TransferError, which the reconciler treats as retryable.
const webdavTimeout = 30 * time.Second

// WebDav stores snapshots on a WebDav share (Nextcloud, ownCloud, plain
// Apache mod_dav). Objects are uploaded to a staging resource and then
// MOVE'd into their canonical path, which WebDav servers perform atomically.
type WebDav struct {
	client *http.Client

	// base is the collection URL all resource paths are composed under.
	// Always slash-terminated, so composing child resources on deeper roots
	// can't produce invalid URLs.
	base string

	cred secrets.Credential
}

// NewWebDav creates a WebDav store under root on the given endpoint.
func NewWebDav(endpoint, root string, cred secrets.Credential) *WebDav {
	base := strings.TrimRight(endpoint, "/") + "/"
	if trimmed := strings.Trim(root, "/"); trimmed != "" {
		base += trimmed + "/"
	}
	return &WebDav{
		client: &http.Client{Timeout: webdavTimeout},
		base:   base,
		cred:   cred,
	}
}

// resourceURL composes the URL for a resource path relative to the root.
func (store *WebDav) resourceURL(relative string) string {
	segments := strings.Split(strings.Trim(relative, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return store.base + strings.Join(segments, "/")
}

func (store *WebDav) GetLatest(ctx context.Context, gameID string) (Record, error) {
	resp, err := store.do(ctx, "GET", path.Join(gameID, "latest.json"), nil, nil)
	if err != nil {
		return Record{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Record{}, errors.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Record{}, statusError("get latest", resp)
	}

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return Record{}, errors.TransferError{Op: "get latest", Err: err}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.TransferError{Op: "parse latest record", Err: err}
	}
	return rec, nil
}

func (store *WebDav) Fetch(ctx context.Context, rec Record) ([]byte, error) {
	resp, err := store.do(ctx, "GET", rec.Location, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch snapshot", resp)
	}

	payload, err := ioutil.ReadAll(resp.Body)
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

func (store *WebDav) Push(ctx context.Context, gameID string,
	snap snapshot.Snapshot) (Record, error) {

	if err := store.ensureCollections(ctx, gameID,
		path.Join(gameID, "objects"), path.Join(gameID, "staging")); err != nil {
		return Record{}, err
	}

	objectName := fmt.Sprintf("v%06d.snap", snap.Version.Sequence)
	location := path.Join(gameID, "objects", objectName)
	if err := store.putThenMove(ctx, path.Join(gameID, "staging", objectName),
		location, snap.Payload); err != nil {
		return Record{}, err
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

	// The MOVE over latest.json is the publish point.
	if err := store.putThenMove(ctx, path.Join(gameID, "staging", "latest.json"),
		path.Join(gameID, "latest.json"), recData); err != nil {
		return Record{}, err
	}

	if err := store.ensureMarker(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (store *WebDav) PushAside(ctx context.Context, gameID string,
	snap snapshot.Snapshot) error {

	if err := store.ensureCollections(ctx, gameID,
		path.Join(gameID, "aside"), path.Join(gameID, "staging")); err != nil {
		return err
	}

	name := fmt.Sprintf("v%06d-%s", snap.Version.Sequence, hostname())
	if err := store.putThenMove(ctx, path.Join(gameID, "staging", name+".snap"),
		path.Join(gameID, "aside", name+".snap"), snap.Payload); err != nil {
		return err
	}

	rec := Record{
		Version:     snap.Version,
		Fingerprint: snap.Fingerprint,
		Size:        int64(len(snap.Payload)),
		Location:    path.Join(gameID, "aside", name+".snap"),
		Hostname:    hostname(),
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return errors.WithContext(err, "marshal aside record")
	}
	if err := store.putThenMove(ctx, path.Join(gameID, "staging", name+".json"),
		path.Join(gameID, "aside", name+".json"), recData); err != nil {
		return err
	}

	log.WithField("slot", name).Info(
		"Preserved diverged local saves in a disambiguation slot")
	return nil
}

func (store *WebDav) CheckCompat(ctx context.Context) (Compat, error) {
	resp, err := store.do(ctx, "GET", protocolMarker, nil, nil)
	if err != nil {
		return CompatIncompatible, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return CompatUninitialized, nil
	}
	if resp.StatusCode != http.StatusOK {
		return CompatIncompatible, statusError("read protocol marker", resp)
	}

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return CompatIncompatible, errors.TransferError{Op: "read protocol marker", Err: err}
	}
	return compareProtocol(strings.TrimSpace(string(data)))
}

func (store *WebDav) ensureMarker(ctx context.Context) error {
	compat, err := store.CheckCompat(ctx)
	if err != nil {
		return err
	}
	if compat != CompatUninitialized {
		return nil
	}
	return store.put(ctx, protocolMarker, []byte(version.Protocol))
}

// putThenMove uploads to a staging resource and atomically moves it into the
// canonical path.
func (store *WebDav) putThenMove(ctx context.Context, staging, final string,
	data []byte) error {

	if err := store.put(ctx, staging, data); err != nil {
		return err
	}

	headers := map[string]string{
		"Destination": store.resourceURL(final),
		"Overwrite":   "T",
	}
	resp, err := store.do(ctx, "MOVE", staging, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return statusError("move into place", resp)
	}
	return nil
}

func (store *WebDav) put(ctx context.Context, resource string, data []byte) error {
	resp, err := store.do(ctx, "PUT", resource, bytes.NewReader(data), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError("upload", resp)
	}
	return nil
}

// ensureCollections creates the given collections (and their ancestors)
// if they don't exist. Servers answer MKCOL on an existing collection with
// 405, which is fine.
func (store *WebDav) ensureCollections(ctx context.Context, collections ...string) error {
	created := map[string]bool{}
	for _, collection := range collections {
		segments := strings.Split(strings.Trim(collection, "/"), "/")
		for i := range segments {
			prefix := strings.Join(segments[:i+1], "/")
			if created[prefix] {
				continue
			}

			resp, err := store.do(ctx, "MKCOL", prefix+"/", nil, nil)
			if err != nil {
				return err
			}
			resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated, http.StatusMethodNotAllowed:
				created[prefix] = true
			default:
				return statusError("create collection", resp)
			}
		}
	}
	return nil
}

func (store *WebDav) do(ctx context.Context, method, resource string,
	body io.Reader, headers map[string]string) (*http.Response, error) {

	req, err := http.NewRequestWithContext(ctx, method, store.resourceURL(resource), body)
	if err != nil {
		return nil, errors.WithContext(err, "build request")
	}
	req.SetBasicAuth(store.cred.Username, store.cred.Secret)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := store.client.Do(req)
	if err != nil {
		return nil, errors.TransferError{Op: method + " " + resource, Err: err}
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	return errors.TransferError{
		Op:  op,
		Err: fmt.Errorf("server returned %s", resp.Status),
	}
}
