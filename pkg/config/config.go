package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/cinc-sync/cinc/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

const (
	// Path is the default path to the cinc config.
	Path = "~/.cinc/config.yaml"

	// InitialConfigVersion is the version assumed for config files that
	// don't specify one.
	InitialConfigVersion = "v1"

	// SupportedConfigVersion is the config version understood by the
	// current binary.
	SupportedConfigVersion = "v1"
)

// parseConfigErrTemplate is shown when the config file fails to parse. The
// yaml library constructs errors in a way that loses context, so we can only
// pass the error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// BackendType identifies a storage transport.
type BackendType string

const (
	// BackendFilesystem stores snapshots under a local directory, typically
	// a mounted network share. Also the test transport.
	BackendFilesystem BackendType = "filesystem"

	// BackendWebDav stores snapshots on a WebDav server.
	BackendWebDav BackendType = "webdav"
)

// BackendEntry is one configured storage backend. Credentials are never
// stored here; CredentialRef points into the external secret store.
type BackendEntry struct {
	Name string      `json:"name"`
	Type BackendType `json:"type"`

	// Root is the directory (filesystem) or collection path (webdav) that
	// snapshots are stored under.
	Root string `json:"root,omitempty"`

	// URL is the WebDav endpoint. Unused for filesystem backends.
	URL string `json:"url,omitempty"`

	// CredentialRef names the externally stored credential for this
	// backend. Unused for filesystem backends.
	CredentialRef string `json:"credentialRef,omitempty"`
}

// Config is the persisted cinc configuration. It is read-only to the sync
// core; the CLI creates and edits it.
type Config struct {
	Version string `json:"version,omitempty"`

	// DefaultBackend names the entry used when a launch doesn't pick one.
	DefaultBackend string `json:"defaultBackend,omitempty"`

	// Manifest is the path to the save-rule manifest.
	Manifest string `json:"manifest,omitempty"`

	Backends []BackendEntry `json:"backends,omitempty"`
}

func (c Config) getVersion() string {
	return c.Version
}

// Backend returns the named backend entry, or the default entry when name is
// empty.
func (c Config) Backend(name string) (BackendEntry, error) {
	if name == "" {
		name = c.DefaultBackend
	}
	if name == "" {
		return BackendEntry{}, errors.NewFriendlyError(
			"No backend was selected and the config doesn't set a default.\n" +
				"Add `defaultBackend: <name>` to the config, or pass --backend.")
	}

	for _, entry := range c.Backends {
		if entry.Name == name {
			return entry, nil
		}
	}
	return BackendEntry{}, errors.NewFriendlyError(
		"No backend named %q is configured.", name)
}

// GetPath returns the expanded path to the config file.
func GetPath() (string, error) {
	return homedirExpand(Path)
}

// Parse reads the config from the default path. A missing file yields an
// empty config rather than an error: a fresh install with no backends is
// valid, it just can't sync yet.
func Parse() (Config, error) {
	path, err := GetPath()
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{Version: SupportedConfigVersion}, nil
		}
		return Config{}, errors.WithContext(err, "read config")
	}

	config := Config{Version: InitialConfigVersion}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return Config{}, errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.getVersion() != SupportedConfigVersion {
		return Config{}, errors.NewFriendlyError(
			"The configuration file %q is incompatible with this version of "+
				"cinc.\nExpected version %q, but got %q.",
			path, SupportedConfigVersion, config.getVersion())
	}

	// Do a strict unmarshal to check for any extra fields. We do a
	// non-strict unmarshal first so that we can catch version errors before
	// erroring on extra fields.
	if err := yaml.UnmarshalStrict(configBytes, &config, yaml.DisallowUnknownFields); err != nil {
		return Config{}, errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if err := validate(config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Write persists the config to the default path.
func Write(config Config) error {
	config.Version = SupportedConfigVersion
	if err := validate(config); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.WithContext(err, "marshal config")
	}

	path, err := GetPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "create config directory")
	}
	if err := afero.WriteFile(fs, path, data, 0600); err != nil {
		return errors.WithContext(err, "write config")
	}
	return nil
}

func validate(config Config) error {
	names := map[string]bool{}
	for _, entry := range config.Backends {
		if entry.Name == "" {
			return errors.MissingFieldError{Field: "name"}
		}
		if names[entry.Name] {
			return errors.New(fmt.Sprintf("duplicate backend %q", entry.Name))
		}
		names[entry.Name] = true

		switch entry.Type {
		case BackendFilesystem:
			if entry.Root == "" {
				return errors.MissingFieldError{Field: "root"}
			}
		case BackendWebDav:
			if entry.URL == "" {
				return errors.MissingFieldError{Field: "url"}
			}
			if entry.CredentialRef == "" {
				return errors.MissingFieldError{Field: "credentialRef"}
			}
		default:
			return errors.New(fmt.Sprintf("unknown backend type %q", entry.Type))
		}
	}

	if config.DefaultBackend != "" && !names[config.DefaultBackend] {
		return errors.New(fmt.Sprintf(
			"default backend %q is not configured", config.DefaultBackend))
	}
	return nil
}
