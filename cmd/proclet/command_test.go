package main

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"
)

func TestServerCommand_ImplementsCLICommand(t *testing.T) {
	var _ cli.Command = &ServerCommand{}
}

func TestClientCommand_ImplementsCLICommand(t *testing.T) {
	var _ cli.Command = &ClientCommand{}
}

func TestClientCommand_RequiresBindAndController(t *testing.T) {
	c := &ClientCommand{}
	code := c.Run(nil)
	must.Eq(t, 1, code)
}

func TestServerCommand_SynopsisAndHelpAreNonEmpty(t *testing.T) {
	c := &ServerCommand{}
	must.NotEq(t, "", c.Synopsis())
	must.NotEq(t, "", c.Help())
}

func TestClientCommand_SynopsisAndHelpAreNonEmpty(t *testing.T) {
	c := &ClientCommand{}
	must.NotEq(t, "", c.Synopsis())
	must.NotEq(t, "", c.Help())
}
