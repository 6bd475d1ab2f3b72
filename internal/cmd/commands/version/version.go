package version

import (
	"github.com/jrepp/pfindex/internal/cmd/base"
	"github.com/jrepp/pfindex/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the version"
}

func (c *Command) Help() string {
	return `Usage: pfindex version

  Print the pfindex version.`
}

func (c *Command) Run(args []string) int {
	c.UI.Output("pfindex v" + version.Version)
	return 0
}
