package parse

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/afero"

	"github.com/jrepp/pfindex/internal/cmd/base"
	"github.com/jrepp/pfindex/pkg/artifact"
	"github.com/jrepp/pfindex/pkg/indexer"
	"github.com/jrepp/pfindex/pkg/prefetch"
	"github.com/jrepp/pfindex/pkg/search"
)

type Command struct {
	*base.Command

	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	// Parser overrides the prefetch parser.
	Parser indexer.RecordParser

	flagSource    string
	flagExtension string
	flagKind      string
	flagIndent    bool
}

// output is one printed artifact.
type output struct {
	Path   string        `json:"path"`
	ID     string        `json:"id"`
	Kind   string        `json:"kind"`
	Record search.Record `json:"record"`
}

func (c *Command) Synopsis() string {
	return "Parse prefetch artifacts and print them as JSON"
}

func (c *Command) Help() string {
	return `Usage: pfindex parse -source=<path>

  Parse every prefetch file under the source path and print one JSON
  object per artifact, including the document id it would be indexed
  under. No search engine is contacted.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("parse", flag.ContinueOnError))

	f.StringVar(
		&c.flagSource, "source", "",
		"[PFINDEX_SOURCE] Prefetch file or directory to parse",
	)
	f.StringVar(
		&c.flagExtension, "extension", artifact.DefaultExtension,
		"Extension of files picked up from a source directory",
	)
	f.StringVar(
		&c.flagKind, "kind", indexer.DefaultKind,
		"Document type label",
	)
	f.BoolVar(
		&c.flagIndent, "indent", false,
		"Indent the JSON output",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	if val, ok := os.LookupEnv("PFINDEX_SOURCE"); ok && c.flagSource == "" {
		c.flagSource = val
	}
	if c.flagSource == "" {
		c.UI.Error("source is required (-source or PFINDEX_SOURCE)")
		return 1
	}

	fs := c.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	discoverer := artifact.NewDiscoverer(fs, c.flagExtension, c.Log)
	kind, paths := discoverer.Scan(c.flagSource)
	if kind == artifact.SourceMissing {
		c.Log.Warn("nothing to parse", "error", &indexer.DiscoveryError{Source: c.flagSource})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	parser := c.Parser
	if parser == nil {
		parser = prefetch.NewParser(fs)
	}

	pipeline := &indexer.Pipeline{
		Commands: []indexer.Command{
			&indexer.ParseCommand{Parser: parser},
			&indexer.IdentifyCommand{Kind: c.flagKind},
		},
		Logger: c.Log.Named("pipeline"),
	}

	err := pipeline.Run(ctx, paths, func(ac *indexer.ArtifactContext) error {
		if ac.Failed() {
			c.Log.Error("failed to parse artifact", "path", ac.Path, "error", ac.Err)
			return nil
		}
		out := output{Path: ac.Path, ID: ac.Action.ID, Kind: ac.Action.Kind, Record: ac.Record}

		var data []byte
		var err error
		if c.flagIndent {
			data, err = json.MarshalIndent(out, "", "  ")
		} else {
			data, err = json.Marshal(out)
		}
		if err != nil {
			return fmt.Errorf("encode %s: %w", ac.Path, err)
		}
		c.UI.Output(string(data))
		return nil
	})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	return 0
}
