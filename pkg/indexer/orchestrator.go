package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/jrepp/pfindex/pkg/artifact"
	"github.com/jrepp/pfindex/pkg/search"
)

// Orchestrator runs one indexing pass: discover artifact files, parse and
// identify each one, buffer the resulting actions and commit them in
// batches.
type Orchestrator struct {
	logger     hclog.Logger
	provider   search.Provider
	parser     RecordParser
	discoverer *artifact.Discoverer
	mapping    *search.Mapping
	spool      *Spool
	cfg        Config
}

// Option is a functional option for creating an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSearchProvider sets the search engine client.
func WithSearchProvider(provider search.Provider) Option {
	return func(o *Orchestrator) {
		o.provider = provider
	}
}

// WithParser sets the record parser.
func WithParser(parser RecordParser) Option {
	return func(o *Orchestrator) {
		o.parser = parser
	}
}

// WithDiscoverer sets how source paths are expanded into files.
func WithDiscoverer(d *artifact.Discoverer) Option {
	return func(o *Orchestrator) {
		o.discoverer = d
	}
}

// WithMapping enables destructive bootstrap: the target index is deleted,
// recreated and given this mapping before anything is indexed.
func WithMapping(mapping *search.Mapping) Option {
	return func(o *Orchestrator) {
		o.mapping = mapping
	}
}

// WithSpool keeps batches lost to transport failures.
func WithSpool(spool *Spool) Option {
	return func(o *Orchestrator) {
		o.spool = spool
	}
}

// WithConfig sets the run tunables.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// RunStats summarizes a run.
type RunStats struct {
	Discovered  int
	Parsed      int
	ParseErrors int
	Committed   int
	ItemErrors  int
	Commits     int
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg: DefaultConfig(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = hclog.NewNullLogger()
	}
	o.logger = o.logger.Named("indexer")

	if o.discoverer == nil {
		o.discoverer = artifact.NewDiscoverer(nil, artifact.DefaultExtension, o.logger)
	}

	if err := validation.ValidateStruct(o,
		validation.Field(&o.provider, validation.Required.Error("search provider is required")),
		validation.Field(&o.parser, validation.Required.Error("record parser is required")),
		validation.Field(&o.cfg),
	); err != nil {
		return nil, fmt.Errorf("invalid orchestrator configuration: %w", err)
	}

	return o, nil
}

// Run indexes everything under source into index. Per-file failures and
// rejected items are logged and counted; client, bootstrap and commit
// transport failures abort the run and are returned. When ctx is
// cancelled no further files are taken, the buffered batch is still
// committed, and ctx's error is returned.
func (o *Orchestrator) Run(ctx context.Context, source, index string) (*RunStats, error) {
	stats := &RunStats{}
	start := time.Now()
	logger := o.logger.With("index", index)

	if err := validation.Validate(index, validation.Required); err != nil {
		return stats, fmt.Errorf("index name: %w", err)
	}

	// INIT
	if err := o.provider.Healthy(ctx); err != nil {
		return stats, fmt.Errorf("%w: %s: %w", ErrClientConstruction, o.provider.Name(), err)
	}

	// BOOTSTRAP
	if o.mapping != nil {
		if err := NewBootstrapper(o.provider, o.logger).Recreate(ctx, index, o.cfg.Kind, o.mapping); err != nil {
			return stats, err
		}
	}

	// SCAN
	kind, paths := o.discoverer.Scan(source)
	if kind == artifact.SourceMissing {
		logger.Warn("nothing to index", "error", &DiscoveryError{Source: source})
	}

	// PROCESS
	batch := NewBatch(o.cfg.BatchSize)
	committer := NewCommitter(o.provider, o.cfg, o.spool, o.logger)

	// Commits never observe cancellation; an in-flight bulk request always
	// completes or times out on its own.
	commitCtx := context.WithoutCancel(ctx)
	flush := func() error {
		actions := batch.Drain()
		if len(actions) == 0 {
			return nil
		}
		stats.Commits++
		res, err := committer.Commit(commitCtx, actions)
		if err != nil {
			return err
		}
		stats.Committed += res.Succeeded
		stats.ItemErrors += len(res.Failed)
		return nil
	}

	pipeline := &Pipeline{
		Commands: []Command{
			&ParseCommand{Parser: o.parser},
			&IdentifyCommand{Index: index, Kind: o.cfg.Kind},
		},
		Logger:      o.logger.Named("pipeline"),
		MaxParallel: o.cfg.Workers,
	}

	err := pipeline.Run(ctx, paths, func(ac *ArtifactContext) error {
		if ac.Failed() && ctx.Err() != nil && errors.Is(ac.Err, ctx.Err()) {
			return nil
		}
		stats.Discovered++
		if ac.Failed() {
			stats.ParseErrors++
			logger.Error("failed to parse artifact", "path", ac.Path, "error", ac.Err)
			return nil
		}
		stats.Parsed++
		logger.Trace("buffered artifact", "path", ac.Path, "id", ac.Action.ID)

		batch.Add(*ac.Action)
		if batch.Len() >= o.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		logger.Error("indexing aborted", "error", err, "processed", stats.Discovered)
		return stats, err
	}

	// FINAL_FLUSH
	if err := flush(); err != nil {
		logger.Error("indexing aborted", "error", err, "processed", stats.Discovered)
		return stats, err
	}

	logger.Info("indexing completed",
		"discovered", stats.Discovered,
		"parsed", stats.Parsed,
		"parse_errors", stats.ParseErrors,
		"committed", stats.Committed,
		"item_errors", stats.ItemErrors,
		"commits", stats.Commits,
		"duration", time.Since(start),
	)

	if err := ctx.Err(); err != nil {
		logger.Warn("indexing interrupted", "error", err)
		return stats, err
	}
	return stats, nil
}
