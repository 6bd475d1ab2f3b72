// Package base holds what every pfindex subcommand shares.
package base

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// Command is embedded by every subcommand.
type Command struct {
	UI  cli.Ui
	Log hclog.Logger
}

// FlagSet wraps a flag.FlagSet so help output can be generated from it.
type FlagSet struct {
	*flag.FlagSet
}

// NewFlagSet wraps f. Parse errors are returned, not printed.
func NewFlagSet(f *flag.FlagSet) *FlagSet {
	f.Usage = func() {}
	f.SetOutput(io.Discard)
	return &FlagSet{FlagSet: f}
}

// Help renders the flags for a command's help text.
func (f *FlagSet) Help() string {
	var b strings.Builder
	b.WriteString("\n\nOptions:\n")
	f.VisitAll(func(fl *flag.Flag) {
		if fl.DefValue != "" {
			fmt.Fprintf(&b, "\n  -%s=%s\n", fl.Name, fl.DefValue)
		} else {
			fmt.Fprintf(&b, "\n  -%s\n", fl.Name)
		}
		fmt.Fprintf(&b, "      %s\n", fl.Usage)
	})
	return b.String()
}

// IsSet reports whether the named flag was given on the command line.
func (f *FlagSet) IsSet(name string) bool {
	set := false
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}
