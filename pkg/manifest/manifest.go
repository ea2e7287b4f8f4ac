package manifest

import (
	"fmt"
	"os"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/cinc-sync/cinc/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

const (
	// InitialManifestVersion is the version assumed for manifest files that
	// don't specify one.
	InitialManifestVersion = "v1"

	// SupportedManifestVersion is the manifest version understood by the
	// current binary.
	SupportedManifestVersion = "v1"
)

// parseManifestErrTemplate is shown when a manifest file fails to parse. The
// yaml library constructs errors in a way that loses context, so we can only
// pass the error message on.
const parseManifestErrTemplate = "The manifest could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the manifest\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// Platform identifies a launch environment that a save rule can be
// restricted to.
type Platform string

const (
	// PlatformNative is a game running directly on the host OS.
	PlatformNative Platform = "native"

	// PlatformProton is a game running under Steam's Proton/Wine prefix.
	PlatformProton Platform = "proton"

	// PlatformHeroic is a game launched through the Heroic launcher.
	PlatformHeroic Platform = "heroic"

	// PlatformUmu is a game launched through the umu launcher.
	PlatformUmu Platform = "umu"
)

var knownPlatforms = map[Platform]bool{
	PlatformNative: true,
	PlatformProton: true,
	PlatformHeroic: true,
	PlatformUmu:    true,
}

// SaveRule describes one location that holds part of a game's save data.
type SaveRule struct {
	// Template is the path template. Placeholders are spelled <name>, e.g.
	// <home>/saves or <winPrefix>/drive_c/users/<winUser>/Documents.
	Template string `json:"template"`

	// Platforms restricts the rule to the listed platforms. An empty list
	// means the rule applies everywhere.
	Platforms []Platform `json:"platforms,omitempty"`

	// Pattern is the inclusion glob matched under the resolved template.
	// Defaults to every file under the template path.
	Pattern string `json:"pattern,omitempty"`

	// Except lists glob patterns for files under the template that should
	// never be synced (caches, logs, lock files).
	Except []string `json:"except,omitempty"`
}

// AppliesTo returns whether the rule is active on the given platform.
func (rule SaveRule) AppliesTo(platform Platform) bool {
	if len(rule.Platforms) == 0 {
		return true
	}
	for _, p := range rule.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// GameEntry is the manifest entry for a single game.
type GameEntry struct {
	// SteamID is the Steam app id, when the game is distributed on Steam.
	// Used to match a wrapped Steam launch back to its manifest entry.
	SteamID uint32 `json:"steamID,omitempty"`

	// Files are the save rules, in manifest order.
	Files []SaveRule `json:"files"`
}

// Manifest maps game ids to their save rules. It is immutable once parsed.
type Manifest struct {
	Version string               `json:"version,omitempty"`
	Games   map[string]GameEntry `json:"games"`
}

func (m Manifest) getVersion() string {
	return m.Version
}

// Entry returns the manifest entry for the given game id.
func (m Manifest) Entry(gameID string) (GameEntry, error) {
	entry, ok := m.Games[gameID]
	if !ok {
		return GameEntry{}, errors.UnknownGame{GameID: gameID}
	}
	return entry, nil
}

// FindBySteamID returns the game id and entry matching a Steam app id.
func (m Manifest) FindBySteamID(id uint32) (string, GameEntry, bool) {
	// Iterate in sorted order so that a (misconfigured) manifest with
	// duplicate Steam ids still resolves deterministically.
	ids := make([]string, 0, len(m.Games))
	for gameID := range m.Games {
		ids = append(ids, gameID)
	}
	sort.Strings(ids)

	for _, gameID := range ids {
		entry := m.Games[gameID]
		if entry.SteamID != 0 && entry.SteamID == id {
			return gameID, entry, true
		}
	}
	return "", GameEntry{}, false
}

// GameIDs returns the ids of all games in the manifest, sorted.
func (m Manifest) GameIDs() []string {
	ids := make([]string, 0, len(m.Games))
	for gameID := range m.Games {
		ids = append(ids, gameID)
	}
	sort.Strings(ids)
	return ids
}

// Parse parses and validates a manifest.
func Parse(data []byte) (Manifest, error) {
	manifest := Manifest{Version: InitialManifestVersion}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, errors.WithContext(err, "unmarshal manifest")
	}

	if manifest.getVersion() != SupportedManifestVersion {
		return Manifest{}, errors.NewFriendlyError(
			"The manifest version %q is incompatible with this version of "+
				"cinc.\nExpected version %q.",
			manifest.getVersion(), SupportedManifestVersion)
	}

	// Do a strict unmarshal to check for any extra fields. We do a
	// non-strict unmarshal first so that we can catch version errors before
	// erroring on extra fields.
	if err := yaml.UnmarshalStrict(data, &manifest, yaml.DisallowUnknownFields); err != nil {
		return Manifest{}, errors.WithContext(err, "unmarshal manifest")
	}

	for gameID, entry := range manifest.Games {
		if err := validateEntry(entry); err != nil {
			return Manifest{}, errors.WithContext(err,
				fmt.Sprintf("invalid entry for game %q", gameID))
		}
	}
	return manifest, nil
}

// ParseFile parses the manifest at the given path.
func ParseFile(path string) (Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, errors.FileNotFound{Path: path}
		}
		return Manifest{}, errors.WithContext(err, "read manifest")
	}

	manifest, err := Parse(data)
	if err != nil {
		if _, ok := err.(errors.FriendlyError); ok {
			return Manifest{}, err
		}
		return Manifest{}, errors.NewFriendlyError(parseManifestErrTemplate,
			path, errors.RootCause(err))
	}
	return manifest, nil
}

func validateEntry(entry GameEntry) error {
	if len(entry.Files) == 0 {
		return errors.MissingFieldError{Field: "files"}
	}
	for _, rule := range entry.Files {
		if rule.Template == "" {
			return errors.MissingFieldError{Field: "template"}
		}
		for _, platform := range rule.Platforms {
			if !knownPlatforms[platform] {
				return errors.New(fmt.Sprintf("unknown platform %q", platform))
			}
		}
	}
	return nil
}
