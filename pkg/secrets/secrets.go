package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/cinc-sync/cinc/pkg/errors"
)

// Credential is an opaque credential blob handed to a backend at session
// start. It is never persisted by the sync core, and it redacts itself when
// formatted so that credential material can't leak into logs.
type Credential struct {
	Username string
	Secret   string
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username: %s, Secret: <redacted>}", c.Username)
}

// GoString keeps %#v output redacted too.
func (c Credential) GoString() string {
	return c.String()
}

// Store resolves credential references from backend config entries into
// credential material. The system keychain implementation lives outside the
// sync core; the core only consumes this interface.
type Store interface {
	Get(ref string) (Credential, error)
}

// EnvStore reads credentials from the environment. A reference "nextcloud"
// resolves to CINC_SECRET_NEXTCLOUD, formatted as "username:secret".
type EnvStore struct{}

func (EnvStore) Get(ref string) (Credential, error) {
	key := "CINC_SECRET_" + strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	raw, ok := os.LookupEnv(key)
	if !ok {
		return Credential{}, errors.NewFriendlyError(
			"No credential found for backend reference %q.\n"+
				"Set the %s environment variable to \"username:secret\".",
			ref, key)
	}

	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return Credential{}, errors.New("malformed credential: expected username:secret")
	}
	return Credential{Username: parts[0], Secret: parts[1]}, nil
}
