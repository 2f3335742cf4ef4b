package main

import (
	"os"

	"github.com/upmem/dpudbg/cmd/dpudbg/cmds"
)

func main() {
	os.Exit(cmds.Execute(cmds.New(), os.Args[1:]))
}
