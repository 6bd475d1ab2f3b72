package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/pfindex/internal/cmd/base"
	"github.com/jrepp/pfindex/pkg/docid"
	"github.com/jrepp/pfindex/pkg/indexer"
	"github.com/jrepp/pfindex/pkg/search"
)

func newCommand(t *testing.T, fs afero.Fs) (*Command, *cli.MockUi, *bytes.Buffer) {
	t.Helper()
	ui := cli.NewMockUi()
	var logs bytes.Buffer
	c := &Command{
		Command: &base.Command{UI: ui, Log: hclog.New(&hclog.LoggerOptions{Output: &logs})},
		Fs:      fs,
	}
	return c, ui, &logs
}

func TestParse(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/evidence/CMD.EXE-4A81B364.pf", []byte("cmd"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/evidence/notes.txt", []byte("ignored"), 0o644))

	c, ui, _ := newCommand(t, fs)
	c.Parser = indexer.RecordParserFunc(func(ctx context.Context, path string) (search.Record, error) {
		return search.Record{"header": map[string]any{"executable_name": "CMD.EXE"}}, nil
	})

	code := c.Run([]string{"-source=/evidence"})
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	lines := strings.Split(strings.TrimSpace(ui.OutputWriter.String()), "\n")
	require.Len(t, lines, 1)

	var out output
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &out))
	assert.Equal(t, "/evidence/CMD.EXE-4A81B364.pf", out.Path)
	assert.Equal(t, "prefetch", out.Kind)

	want, err := docid.FromRecord(search.Record{"header": map[string]any{"executable_name": "CMD.EXE"}})
	require.NoError(t, err)
	assert.Equal(t, want.String(), out.ID)
}

func TestParse_InvalidArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/evidence/BAD.EXE-00000000.pf", []byte("not a prefetch file"), 0o644))

	c, ui, logs := newCommand(t, fs)
	code := c.Run([]string{"-source=/evidence"})

	assert.Equal(t, 0, code)
	assert.Empty(t, ui.OutputWriter.String())
	assert.Contains(t, logs.String(), "failed to parse artifact")
	assert.Contains(t, logs.String(), "BAD.EXE-00000000.pf")
}

func TestParse_MissingSource(t *testing.T) {
	c, ui, _ := newCommand(t, afero.NewMemMapFs())
	assert.Equal(t, 1, c.Run(nil))
	assert.Contains(t, ui.ErrorWriter.String(), "source is required")

	c, ui, logs := newCommand(t, afero.NewMemMapFs())
	assert.Equal(t, 0, c.Run([]string{"-source=/nowhere"}))
	assert.Empty(t, ui.OutputWriter.String())
	assert.Equal(t, 1, strings.Count(logs.String(), "nothing to parse"))
	assert.Equal(t, 1, strings.Count(logs.String(), "neither a file nor a directory"))
}
