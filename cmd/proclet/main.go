// Command proclet is the agent binary: a logical process's controller
// runs as one instance started with the server subcommand, while every
// worker node and app-side initiator runs an instance started with the
// client subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/proclet/nu/internal/ctrl"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cli.NewCLI("proclet", ctrl.BuildVersion)
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) { return &ServerCommand{}, nil },
		"client": func() (cli.Command, error) { return &ClientCommand{}, nil },
	}

	exitStatus, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitStatus
}
