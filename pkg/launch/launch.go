package launch

import (
	"context"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/cinc-sync/cinc/pkg/errors"
	"github.com/cinc-sync/cinc/pkg/reconcile"
)

// Runner spawns the wrapped game process and waits for it to exit. The sync
// engine doesn't interpret the exit status beyond "has exited".
type Runner interface {
	Run(ctx context.Context, argv []string) (exitCode int, err error)
}

// ExecRunner runs the command directly, inheriting the launcher's stdio and
// environment so the game behaves exactly as if cinc weren't in the middle.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, errors.WithContext(err, "run command")
	}
	return 0, nil
}

// Launch wraps one game invocation with the sync phases: pre-launch pull,
// run, post-launch push. Sync failures never block the game from starting;
// that's the whole point of the tool wrapping the launch rather than
// gatekeeping it.
func Launch(ctx context.Context, session *reconcile.Session, runner Runner,
	argv []string) (int, error) {

	if err := session.PreSync(ctx); err != nil {
		log.WithError(err).Warn("Pre-launch sync failed; starting the game " +
			"with the local saves")
	}

	session.MarkRunning()
	exitCode, runErr := runner.Run(ctx, argv)
	if runErr == nil {
		log.WithField("exitCode", exitCode).Debug("Wrapped command exited")
	}
	// On a runner failure the game never ran (or we couldn't observe it),
	// but local saves may still have changed; fall through to the post phase
	// and leave reporting the failure to the caller.

	if err := session.PostSync(ctx); err != nil {
		log.WithError(err).Warn("Post-launch sync failed; the local saves " +
			"are untouched and will sync on the next launch")
	}

	if preErr := session.PreSyncError(); preErr != nil {
		log.WithError(preErr).Warn("Reminder: the pre-launch sync had failed " +
			"for this invocation")
	}
	return exitCode, runErr
}
