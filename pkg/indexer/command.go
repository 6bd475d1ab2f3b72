package indexer

import (
	"context"
	"fmt"

	"github.com/jrepp/pfindex/pkg/docid"
	"github.com/jrepp/pfindex/pkg/search"
)

// Command is one step applied to each discovered file.
type Command interface {
	// Execute performs the step, updating ac in place.
	Execute(ctx context.Context, ac *ArtifactContext) error

	// Name returns the command name for logging.
	Name() string
}

// RecordParser converts one artifact file into a structured record.
type RecordParser interface {
	Parse(ctx context.Context, path string) (search.Record, error)
}

// RecordParserFunc adapts a function to RecordParser.
type RecordParserFunc func(ctx context.Context, path string) (search.Record, error)

// Parse calls f.
func (f RecordParserFunc) Parse(ctx context.Context, path string) (search.Record, error) {
	return f(ctx, path)
}

// ParseCommand runs the record parser over the file.
type ParseCommand struct {
	Parser RecordParser
}

func (c *ParseCommand) Name() string { return "parse" }

func (c *ParseCommand) Execute(ctx context.Context, ac *ArtifactContext) error {
	rec, err := c.Parser.Parse(ctx, ac.Path)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("parser returned no record")
	}
	ac.Record = rec
	return nil
}

// IdentifyCommand derives the content identifier and builds the index
// action for the parsed record.
type IdentifyCommand struct {
	Index string
	Kind  string
}

func (c *IdentifyCommand) Name() string { return "identify" }

func (c *IdentifyCommand) Execute(ctx context.Context, ac *ArtifactContext) error {
	id, err := docid.FromRecord(ac.Record)
	if err != nil {
		return fmt.Errorf("failed to derive identifier: %w", err)
	}
	ac.ID = id
	ac.Action = &search.Action{
		Index:  c.Index,
		Kind:   c.Kind,
		ID:     id.String(),
		Source: ac.Record,
	}
	return nil
}
