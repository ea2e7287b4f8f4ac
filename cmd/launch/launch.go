package launch

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cinc-sync/cinc/cmd/util"
	"github.com/cinc-sync/cinc/pkg/backend"
	"github.com/cinc-sync/cinc/pkg/config"
	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/launch"
	"github.com/cinc-sync/cinc/pkg/manifest"
	"github.com/cinc-sync/cinc/pkg/reconcile"
	"github.com/cinc-sync/cinc/pkg/resolve"
	"github.com/cinc-sync/cinc/pkg/secrets"
)

// Mocked out for unit testing.
var (
	parseConfig   = config.Parse
	parseManifest = manifest.ParseFile
	exit          = os.Exit
	runLaunch     = launch.Launch
)

type options struct {
	game         string
	platform     string
	backendName  string
	manifestPath string
	binds        []string
	preferLocal  bool
	preferRemote bool
}

// New creates a new `launch` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "launch [flags] -- <command> [args...]",
		Short: "Run a game with its saves synced before and after",
		Long: "Run the given command, pulling the game's cloud saves first\n" +
			"and pushing any changes after the game exits. A sync failure\n" +
			"never stops the game from starting.",
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			exitCode, err := run(opts, args)
			if err != nil {
				util.HandleFatalError(err)
			}
			exit(exitCode)
		},
	}

	cmd.Flags().StringVar(&opts.game, "game", "",
		"Manifest id of the game being launched. "+
			"Optional for Steam launches: the id is read from the command line.")
	cmd.Flags().StringVar(&opts.platform, "platform", string(manifest.PlatformNative),
		"Platform the game runs on (native, proton, heroic, umu).")
	cmd.Flags().StringVar(&opts.backendName, "backend", "",
		"Name of the configured backend to sync against. "+
			"Defaults to the config's defaultBackend.")
	cmd.Flags().StringVar(&opts.manifestPath, "manifest", "",
		"Path to the save manifest. Defaults to the path in the config.")
	cmd.Flags().StringArrayVar(&opts.binds, "bind", nil,
		"Extra placeholder binding as name=value, e.g. "+
			"--bind winPrefix=/path/to/pfx. May be repeated.")
	cmd.Flags().BoolVar(&opts.preferLocal, "prefer-local", false,
		"Resolve a save conflict by keeping the local saves.")
	cmd.Flags().BoolVar(&opts.preferRemote, "prefer-remote", false,
		"Resolve a save conflict by taking the remote saves. "+
			"The local saves are preserved in the backend's aside area.")
	return cmd
}

func run(opts options, argv []string) (int, error) {
	cfg, err := parseConfig()
	if err != nil {
		return 0, errors.WithContext(err, "parse config")
	}

	manifestPath := opts.manifestPath
	if manifestPath == "" {
		manifestPath = cfg.Manifest
	}
	if manifestPath == "" {
		return 0, errors.NewFriendlyError(
			"No manifest is configured. Pass --manifest or set `manifest:` " +
				"in the config.")
	}
	games, err := parseManifest(manifestPath)
	if err != nil {
		return 0, errors.WithContext(err, "parse manifest")
	}

	platform := manifest.Platform(opts.platform)
	gameID, entry, err := pickGame(games, opts.game, argv)
	if err != nil {
		return 0, err
	}

	overrides, err := parseBinds(opts.binds)
	if err != nil {
		return 0, err
	}
	bindings, err := resolve.NewBindings(overrides)
	if err != nil {
		return 0, errors.WithContext(err, "build bindings")
	}

	store, err := newStore(cfg, opts.backendName)
	if err != nil {
		return 0, err
	}

	session := reconcile.NewSession(gameID, entry, platform, bindings, store)
	session.Resolution, err = pickResolution(opts)
	if err != nil {
		return 0, err
	}
	return runLaunch(context.Background(), session, launch.ExecRunner{}, argv)
}

func pickResolution(opts options) (reconcile.Resolution, error) {
	switch {
	case opts.preferLocal && opts.preferRemote:
		return reconcile.ResolutionNone, errors.New(
			"--prefer-local and --prefer-remote are mutually exclusive")
	case opts.preferLocal:
		return reconcile.ResolutionPreferLocal, nil
	case opts.preferRemote:
		return reconcile.ResolutionPreferRemote, nil
	}
	return reconcile.ResolutionNone, nil
}

// pickGame resolves which manifest entry is being launched, either from the
// explicit --game flag or by sniffing the Steam app id out of the wrapped
// command line (Steam passes AppId=<n> when a launch wrapper is configured).
func pickGame(games manifest.Manifest, explicit string,
	argv []string) (string, manifest.GameEntry, error) {

	if explicit != "" {
		entry, err := games.Entry(explicit)
		if err != nil {
			return "", manifest.GameEntry{}, err
		}
		return explicit, entry, nil
	}

	appID, ok := sniffSteamAppID(argv)
	if !ok {
		return "", manifest.GameEntry{}, errors.NewFriendlyError(
			"Couldn't tell which game is being launched.\n" +
				"Pass --game <id>, or launch through Steam so the app id " +
				"appears on the command line.")
	}

	gameID, entry, ok := games.FindBySteamID(appID)
	if !ok {
		return "", manifest.GameEntry{}, errors.NewFriendlyError(
			"Steam app %d has no entry in the manifest.", appID)
	}
	log.WithFields(log.Fields{
		"game":  gameID,
		"appID": appID,
	}).Debug("Matched Steam app id to manifest entry")
	return gameID, entry, nil
}

func sniffSteamAppID(argv []string) (uint32, bool) {
	for _, arg := range argv {
		if !strings.HasPrefix(arg, "AppId=") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(arg, "AppId="), 10, 32)
		if err != nil {
			log.WithField("arg", arg).Warn(
				"Found an AppId argument that doesn't parse; ignoring it")
			continue
		}
		return uint32(id), true
	}
	return 0, false
}

func parseBinds(binds []string) (map[string]string, error) {
	overrides := map[string]string{}
	for _, bind := range binds {
		parts := strings.SplitN(bind, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, errors.New(fmt.Sprintf(
				"malformed --bind %q: expected name=value", bind))
		}
		overrides[parts[0]] = parts[1]
	}
	return overrides, nil
}

func newStore(cfg config.Config, name string) (backend.Store, error) {
	entry, err := cfg.Backend(name)
	if err != nil {
		return nil, err
	}

	switch entry.Type {
	case config.BackendFilesystem:
		store, err := backend.NewFilesystem(entry.Root)
		if err != nil {
			return nil, errors.WithContext(err, "open filesystem backend")
		}
		return store, nil

	case config.BackendWebDav:
		cred, err := secrets.EnvStore{}.Get(entry.CredentialRef)
		if err != nil {
			return nil, errors.WithContext(err, "resolve backend credential")
		}
		return backend.NewWebDav(entry.URL, entry.Root, cred), nil
	}
	return nil, errors.New(fmt.Sprintf("unknown backend type %q", entry.Type))
}
