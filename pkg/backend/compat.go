package backend

import (
	goversion "github.com/hashicorp/go-version"

	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/version"
)

// protocolMarker is the name of the object holding the protocol version of
// the data stored on a backend.
const protocolMarker = "protocol"

// compareProtocol decides whether this binary can safely operate on data
// written under the stored protocol version. Versions interoperate within a
// major version; anything else is incompatible.
func compareProtocol(stored string) (Compat, error) {
	storedVersion, err := goversion.NewVersion(stored)
	if err != nil {
		return CompatIncompatible, errors.WithContext(err, "parse stored protocol version")
	}
	clientVersion, err := goversion.NewVersion(version.Protocol)
	if err != nil {
		return CompatIncompatible, errors.WithContext(err, "parse client protocol version")
	}

	if storedVersion.Segments()[0] != clientVersion.Segments()[0] {
		return CompatIncompatible, nil
	}
	return CompatOk, nil
}
