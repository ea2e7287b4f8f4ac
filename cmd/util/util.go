package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/cinc-sync/cinc/pkg/errors"
)

// HandleFatalError prints the error in the friendliest form available and
// exits.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic converts a panic into an error report rather than a bare
// stack, so a crash in the wrapper is distinguishable from a crash in the
// wrapped game.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("panic", r).Error("cinc crashed. This is a bug.\n" +
		string(debug.Stack()))
	os.Exit(1)
}
