package run

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/jrepp/pfindex/internal/cmd/base"
	"github.com/jrepp/pfindex/internal/config"
	"github.com/jrepp/pfindex/pkg/artifact"
	"github.com/jrepp/pfindex/pkg/indexer"
	"github.com/jrepp/pfindex/pkg/prefetch"
	"github.com/jrepp/pfindex/pkg/search"
)

type Command struct {
	*base.Command

	// Fs is the filesystem artifacts and configuration are read from.
	// Defaults to the OS filesystem.
	Fs afero.Fs

	// Parser overrides the prefetch parser.
	Parser indexer.RecordParser

	// NewProvider overrides provider construction from the engine config.
	NewProvider func(*config.EngineConfig, hclog.Logger) (search.Provider, error)

	flagSource        string
	flagIndex         string
	flagEngineConfig  string
	flagSchema        string
	flagConfig        string
	flagBatchSize     int
	flagCommitTimeout time.Duration
	flagWorkers       int
	flagKind          string
	flagExtension     string
	flagMaxRetries    int
	flagSpoolDir      string
	flagLogLevel      string
}

func (c *Command) Synopsis() string {
	return "Index prefetch artifacts into a search engine"
}

func (c *Command) Help() string {
	return `Usage: pfindex run -source=<path> -index=<name> -engine-config=<file> [-schema=<file>]

  Parse every prefetch file under the source path and bulk index the
  records into the target index. When a schema is given the index is
  deleted and recreated with that mapping before anything is indexed.

  Files that fail to parse and documents the engine rejects are logged
  and skipped. A failed bulk request aborts the run.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("run", flag.ContinueOnError))

	f.StringVar(
		&c.flagSource, "source", "",
		"[PFINDEX_SOURCE] Prefetch file or directory to index",
	)
	f.StringVar(
		&c.flagIndex, "index", "",
		"[PFINDEX_INDEX] Target index name",
	)
	f.StringVar(
		&c.flagEngineConfig, "engine-config", "",
		"[PFINDEX_ENGINE_CONFIG] Search engine connection file (YAML or JSON)",
	)
	f.StringVar(
		&c.flagSchema, "schema", "",
		"[PFINDEX_SCHEMA] Index mapping file; recreates the index when set",
	)
	f.StringVar(
		&c.flagConfig, "config", "",
		"[PFINDEX_CONFIG] Run settings file (HCL)",
	)
	f.IntVar(
		&c.flagBatchSize, "batch-size", indexer.DefaultBatchSize,
		"Number of documents per bulk request",
	)
	f.DurationVar(
		&c.flagCommitTimeout, "commit-timeout", indexer.DefaultCommitTimeout,
		"Timeout for each bulk request",
	)
	f.IntVar(
		&c.flagWorkers, "workers", indexer.DefaultWorkers,
		"Number of files parsed concurrently",
	)
	f.StringVar(
		&c.flagKind, "kind", indexer.DefaultKind,
		"Document type label",
	)
	f.StringVar(
		&c.flagExtension, "extension", artifact.DefaultExtension,
		"Extension of files picked up from a source directory",
	)
	f.IntVar(
		&c.flagMaxRetries, "max-retries", 0,
		"Retries of a failed bulk request before aborting",
	)
	f.StringVar(
		&c.flagSpoolDir, "spool-dir", "",
		"Directory where batches from failed bulk requests are saved",
	)
	f.StringVar(
		&c.flagLogLevel, "log-level", "info",
		"[PFINDEX_LOG_LEVEL] Log level (trace, debug, info, warn, error)",
	)

	return f
}

func (c *Command) Run(args []string) int {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	fromEnv(&c.flagSource, "PFINDEX_SOURCE")
	fromEnv(&c.flagIndex, "PFINDEX_INDEX")
	fromEnv(&c.flagEngineConfig, "PFINDEX_ENGINE_CONFIG")
	fromEnv(&c.flagSchema, "PFINDEX_SCHEMA")
	fromEnv(&c.flagConfig, "PFINDEX_CONFIG")
	if !f.IsSet("log-level") {
		fromEnv(&c.flagLogLevel, "PFINDEX_LOG_LEVEL")
	}

	if c.flagSource == "" {
		c.UI.Error("source is required (-source or PFINDEX_SOURCE)")
		return 1
	}
	if c.flagIndex == "" {
		c.UI.Error("index is required (-index or PFINDEX_INDEX)")
		return 1
	}
	if c.flagEngineConfig == "" {
		c.UI.Error("engine config is required (-engine-config or PFINDEX_ENGINE_CONFIG)")
		return 1
	}

	level := hclog.LevelFromString(c.flagLogLevel)
	if level == hclog.NoLevel {
		c.UI.Error(fmt.Sprintf("invalid log level %q", c.flagLogLevel))
		return 1
	}
	c.Log.SetLevel(level)

	fs := c.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	runCfg, err := c.runConfig(fs, f)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	engineCfg, err := config.LoadEngineConfig(fs, c.flagEngineConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("%v: %v", indexer.ErrClientConstruction, err))
		return 1
	}

	newProvider := c.NewProvider
	if newProvider == nil {
		newProvider = func(cfg *config.EngineConfig, logger hclog.Logger) (search.Provider, error) {
			return cfg.NewProvider(logger)
		}
	}
	provider, err := newProvider(engineCfg, c.Log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("%v: %v", indexer.ErrClientConstruction, err))
		return 1
	}
	defer func() {
		if err := provider.Close(); err != nil {
			c.Log.Warn("error closing search provider", "error", err)
		}
	}()

	opts := []indexer.Option{
		indexer.WithLogger(c.Log),
		indexer.WithSearchProvider(provider),
		indexer.WithDiscoverer(artifact.NewDiscoverer(fs, runCfg.Extension, c.Log)),
		indexer.WithConfig(runCfg.Indexer),
	}

	parser := c.Parser
	if parser == nil {
		parser = prefetch.NewParser(fs)
	}
	opts = append(opts, indexer.WithParser(parser))

	if c.flagSchema != "" {
		mapping, err := search.LoadMapping(fs, c.flagSchema, runCfg.Indexer.Kind)
		if err != nil {
			c.UI.Error(fmt.Sprintf("%v: %v", indexer.ErrBootstrap, err))
			return 1
		}
		opts = append(opts, indexer.WithMapping(mapping))
	}

	if runCfg.SpoolDir != "" {
		opts = append(opts, indexer.WithSpool(indexer.NewSpool(fs, runCfg.SpoolDir)))
	}

	orchestrator, err := indexer.NewOrchestrator(opts...)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := orchestrator.Run(ctx, c.flagSource, c.flagIndex)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.UI.Error("interrupted")
		} else {
			c.UI.Error(fmt.Sprintf("indexing failed: %v", err))
		}
		return 1
	}

	c.UI.Output(fmt.Sprintf(
		"Indexed %d of %d artifacts into %q (%d commits, %d parse errors, %d rejected)",
		stats.Committed, stats.Discovered, c.flagIndex, stats.Commits, stats.ParseErrors, stats.ItemErrors,
	))
	return 0
}

// runConfig layers defaults, the settings file, and explicitly set flags.
func (c *Command) runConfig(fs afero.Fs, f *base.FlagSet) (config.Run, error) {
	run := config.DefaultRun()

	if c.flagConfig != "" {
		settings, err := config.LoadSettings(fs, c.flagConfig)
		if err != nil {
			return run, err
		}
		if err := settings.Apply(&run); err != nil {
			return run, fmt.Errorf("invalid run settings: %w", err)
		}
	}

	if f.IsSet("batch-size") {
		run.Indexer.BatchSize = c.flagBatchSize
	}
	if f.IsSet("commit-timeout") {
		run.Indexer.CommitTimeout = c.flagCommitTimeout
	}
	if f.IsSet("workers") {
		run.Indexer.Workers = c.flagWorkers
	}
	if f.IsSet("kind") {
		run.Indexer.Kind = c.flagKind
	}
	if f.IsSet("extension") {
		run.Extension = c.flagExtension
	}
	if f.IsSet("max-retries") {
		run.Indexer.Retry.MaxRetries = c.flagMaxRetries
	}
	if f.IsSet("spool-dir") {
		run.SpoolDir = c.flagSpoolDir
	}

	if err := run.Validate(); err != nil {
		return run, fmt.Errorf("invalid run settings: %w", err)
	}
	return run, nil
}

func fromEnv(dst *string, key string) {
	if val, ok := os.LookupEnv(key); ok && *dst == "" {
		*dst = val
	}
}
