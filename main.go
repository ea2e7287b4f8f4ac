package main

import (
	"github.com/cinc-sync/cinc/cmd"
	"github.com/cinc-sync/cinc/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
