package indexer

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/jrepp/pfindex/pkg/search"
)

// Bootstrapper prepares the target index before any records are written.
type Bootstrapper struct {
	provider search.Provider
	logger   hclog.Logger
}

// NewBootstrapper creates a bootstrapper.
func NewBootstrapper(provider search.Provider, logger hclog.Logger) *Bootstrapper {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bootstrapper{
		provider: provider,
		logger:   logger.Named("bootstrap"),
	}
}

// Recreate deletes index if it exists, creates it empty, and applies
// mapping for documents of kind. Every document previously stored in the
// index is lost. Errors wrap ErrBootstrap.
func (b *Bootstrapper) Recreate(ctx context.Context, index, kind string, mapping *search.Mapping) error {
	if mapping == nil {
		return fmt.Errorf("%w: no mapping for index %q", ErrBootstrap, index)
	}

	exists, err := b.provider.IndexExists(ctx, index)
	if err != nil {
		return fmt.Errorf("%w: check index %q: %w", ErrBootstrap, index, err)
	}
	if exists {
		b.logger.Warn("deleting existing index", "index", index)
		if err := b.provider.DeleteIndex(ctx, index); err != nil {
			return fmt.Errorf("%w: delete index %q: %w", ErrBootstrap, index, err)
		}
	}

	if err := b.provider.CreateIndex(ctx, index); err != nil {
		return fmt.Errorf("%w: create index %q: %w", ErrBootstrap, index, err)
	}
	if err := b.provider.PutMapping(ctx, index, kind, mapping); err != nil {
		return fmt.Errorf("%w: put mapping on %q: %w", ErrBootstrap, index, err)
	}

	b.logger.Info("index recreated",
		"index", index,
		"kind", kind,
		"fields", len(mapping.Paths()),
		"replaced", exists,
	)
	return nil
}
