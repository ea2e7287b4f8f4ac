package backends

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cinc-sync/cinc/cmd/util"
	"github.com/cinc-sync/cinc/pkg/backend"
	"github.com/cinc-sync/cinc/pkg/config"
	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/secrets"
)

// Mocked out for unit testing.
var (
	stdout      io.Writer = os.Stdout
	parseConfig           = config.Parse
)

// New creates a new `backends` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect the configured storage backends",
	}
	cmd.AddCommand(newList(), newCheck())
	return cmd
}

func newList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured backends",
		Run: func(_ *cobra.Command, _ []string) {
			if err := list(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func list() error {
	cfg, err := parseConfig()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	if len(cfg.Backends) == 0 {
		fmt.Fprintln(stdout, "No backends are configured.")
		return nil
	}

	for _, entry := range cfg.Backends {
		marker := " "
		if entry.Name == cfg.DefaultBackend {
			marker = "*"
		}
		switch entry.Type {
		case config.BackendWebDav:
			fmt.Fprintf(stdout, "%s %s\t%s\t%s\n",
				marker, entry.Name, entry.Type, entry.URL)
		default:
			fmt.Fprintf(stdout, "%s %s\t%s\t%s\n",
				marker, entry.Name, entry.Type, entry.Root)
		}
	}
	return nil
}

func newCheck() *cobra.Command {
	return &cobra.Command{
		Use:   "check [name]",
		Short: "Check that a backend is reachable and compatible",
		Args:  cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if err := check(name); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func check(name string) error {
	cfg, err := parseConfig()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}
	entry, err := cfg.Backend(name)
	if err != nil {
		return err
	}

	store, err := newStore(entry)
	if err != nil {
		return err
	}

	compat, err := store.CheckCompat(context.Background())
	if err != nil {
		return errors.WithContext(err, "check compatibility")
	}
	fmt.Fprintf(stdout, "%s: %s\n", entry.Name, compat)
	return nil
}

func newStore(entry config.BackendEntry) (backend.Store, error) {
	switch entry.Type {
	case config.BackendFilesystem:
		return backend.NewFilesystem(entry.Root)
	case config.BackendWebDav:
		cred, err := secrets.EnvStore{}.Get(entry.CredentialRef)
		if err != nil {
			return nil, errors.WithContext(err, "resolve backend credential")
		}
		return backend.NewWebDav(entry.URL, entry.Root, cred), nil
	}
	return nil, errors.New(fmt.Sprintf("unknown backend type %q", entry.Type))
}
