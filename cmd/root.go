package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	backendsCmd "github.com/cinc-sync/cinc/cmd/backends"
	launchCmd "github.com/cinc-sync/cinc/cmd/launch"
	"github.com/cinc-sync/cinc/cmd/util"
	versionCmd "github.com/cinc-sync/cinc/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info
// and above.
const verboseLogKey = "CINC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "cinc",
		Short:        "Cloud save sync for games that don't have it",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		launchCmd.New(),
		backendsCmd.New(),
		versionCmd.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
