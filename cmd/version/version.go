package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cinc-sync/cinc/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cinc version and sync protocol version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version:  %s\n", version.Version)
			fmt.Printf("protocol: %s\n", version.Protocol)
		},
	}
}
