package version

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"

	"github.com/jrepp/pfindex/internal/cmd/base"
	"github.com/jrepp/pfindex/internal/version"
)

func TestVersion(t *testing.T) {
	ui := cli.NewMockUi()
	c := &Command{Command: &base.Command{UI: ui, Log: hclog.NewNullLogger()}}

	assert.Equal(t, 0, c.Run(nil))
	assert.Equal(t, "pfindex v"+version.Version+"\n", ui.OutputWriter.String())
}
