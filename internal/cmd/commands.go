package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/jrepp/pfindex/internal/cmd/base"
	"github.com/jrepp/pfindex/internal/cmd/commands/parse"
	"github.com/jrepp/pfindex/internal/cmd/commands/run"
	"github.com/jrepp/pfindex/internal/cmd/commands/version"
)

// Commands is the mapping of all available pfindex commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := &base.Command{
		Log: log,
		UI:  ui,
	}

	Commands = map[string]cli.CommandFactory{
		"run": func() (cli.Command, error) {
			return &run.Command{Command: b}, nil
		},
		"parse": func() (cli.Command, error) {
			return &parse.Command{Command: b}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{Command: b}, nil
		},
	}
}
