package main

import (
	"os"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitMosaicFailed = 3
	ExitWriteError   = 5
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}
