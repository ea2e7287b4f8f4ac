package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/gobwas/glob"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/manifest"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Bindings maps placeholder names to their resolved values for one
// invocation. Bindings are supplied by the platform detectors and are
// immutable once built.
type Bindings map[string]string

// NewBindings builds the base binding set for the current user, then applies
// the detector-supplied overrides. Overrides win over the defaults, so a
// Wine-prefix detector can rebind <home> to a path inside the prefix.
func NewBindings(overrides map[string]string) (Bindings, error) {
	bindings := Bindings{}

	home, err := homedir.Dir()
	if err != nil {
		return nil, errors.WithContext(err, "locate home directory")
	}
	bindings["home"] = home

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		bindings["xdgConfig"] = xdgConfig
	} else {
		bindings["xdgConfig"] = filepath.Join(home, ".config")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		bindings["xdgData"] = xdgData
	} else {
		bindings["xdgData"] = filepath.Join(home, ".local", "share")
	}

	for name, value := range overrides {
		bindings[name] = value
	}
	return bindings, nil
}

var placeholderRegex = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)>`)

// Substitute replaces every <placeholder> in the template with its binding.
func Substitute(template string, bindings Bindings) (string, error) {
	var missing string
	substituted := placeholderRegex.ReplaceAllStringFunc(template,
		func(match string) string {
			name := match[1 : len(match)-1]
			value, ok := bindings[name]
			if !ok && missing == "" {
				missing = name
			}
			return value
		})
	if missing != "" {
		return "", errors.UnresolvedVariable{Name: missing, Template: template}
	}
	return substituted, nil
}

// SaveSet is the ordered set of absolute paths making up a game's save data
// at resolution time. It is recomputed every invocation because the platform
// context can change between runs.
type SaveSet []string

// Resolve expands the applicable save rules for the entry into a SaveSet.
// Paths that don't exist are dropped silently: a save file that hasn't been
// created yet is not an error. The result is deterministic for identical
// manifest, bindings, and filesystem state.
func Resolve(entry manifest.GameEntry, platform manifest.Platform,
	bindings Bindings) (SaveSet, error) {

	seen := map[string]bool{}
	for _, rule := range entry.Files {
		if !rule.AppliesTo(platform) {
			continue
		}

		paths, err := resolveRule(rule, bindings)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			seen[path] = true
		}
	}

	set := make(SaveSet, 0, len(seen))
	for path := range seen {
		set = append(set, path)
	}
	sort.Strings(set)
	return set, nil
}

// LatestModTime returns the most recent modification time across the set.
// Used as a staleness signal when local and remote saves have diverged.
func LatestModTime(set SaveSet) (time.Time, error) {
	var latest time.Time
	for _, path := range set {
		fi, err := fs.Stat(path)
		if err != nil {
			return time.Time{}, errors.WithContext(err,
				fmt.Sprintf("stat %q", path))
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
	}
	return latest, nil
}

func resolveRule(rule manifest.SaveRule, bindings Bindings) ([]string, error) {
	substituted, err := Substitute(rule.Template, bindings)
	if err != nil {
		return nil, err
	}

	include, except, err := compileMatchers(rule)
	if err != nil {
		return nil, err
	}

	// The template itself may contain glob characters (e.g.
	// <home>/saves/*.sav), so expand it against the filesystem first.
	roots, err := afero.Glob(fs, substituted)
	if err != nil {
		return nil, errors.WithContext(err,
			fmt.Sprintf("expand template %q", rule.Template))
	}

	var paths []string
	for _, root := range roots {
		fi, err := fs.Stat(root)
		if err != nil {
			// The path disappeared between globbing and stat'ing. Treat it
			// like any other nonexistent save location.
			log.WithError(err).WithField("path", root).Debug(
				"Skipping save path that couldn't be stat'd")
			continue
		}

		if !fi.IsDir() {
			if matches(filepath.Base(root), include, except) {
				paths = append(paths, root)
			}
			continue
		}

		err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}

			relative, err := filepath.Rel(root, path)
			if err != nil {
				return errors.WithContext(err, "relativize path")
			}
			if matches(relative, include, except) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.WithContext(err,
				fmt.Sprintf("walk %q", root))
		}
	}
	return paths, nil
}

func compileMatchers(rule manifest.SaveRule) (include glob.Glob,
	except []glob.Glob, err error) {

	if rule.Pattern != "" {
		include, err = glob.Compile(rule.Pattern, '/')
		if err != nil {
			return nil, nil, errors.WithContext(err,
				fmt.Sprintf("compile pattern %q", rule.Pattern))
		}
	}
	for _, pattern := range rule.Except {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, nil, errors.WithContext(err,
				fmt.Sprintf("compile except pattern %q", pattern))
		}
		except = append(except, compiled)
	}
	return include, except, nil
}

func matches(relative string, include glob.Glob, except []glob.Glob) bool {
	relative = filepath.ToSlash(relative)
	if include != nil && !include.Match(relative) {
		return false
	}
	for _, pattern := range except {
		if pattern.Match(relative) {
			return false
		}
	}
	return true
}
