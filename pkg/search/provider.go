package search

import "context"

// ProviderType names a search backend implementation.
type ProviderType string

const (
	ProviderTypeElasticsearch ProviderType = "elasticsearch"
	ProviderTypeMeilisearch   ProviderType = "meilisearch"
	ProviderTypeBleve         ProviderType = "bleve"
	ProviderTypeMock          ProviderType = "mock"
)

// Record is a structured document produced by parsing one artifact file.
// It is opaque to the indexing pipeline apart from identity derivation and
// serialization.
type Record map[string]any

// Action is a single pending write into a search index. Actions are built
// once per parsed artifact and never modified afterwards.
type Action struct {
	Index  string // Target index name.
	Kind   string // Document type label, e.g. "prefetch".
	ID     string // Content-derived identifier.
	Source Record // Document payload.
}

// ItemFailure describes one action rejected by the engine during a bulk
// commit.
type ItemFailure struct {
	Index  string
	ID     string
	Status int    // Engine status code when one is reported.
	Reason string // Engine-reported error.
}

// BulkResult partitions a bulk commit into accepted and rejected actions.
type BulkResult struct {
	Succeeded int
	Failed    []ItemFailure
}

// Provider is the boundary between the indexing pipeline and a search
// engine. Implementations must distinguish item-level rejections, which are
// reported in BulkResult.Failed, from transport failures, which are returned
// as errors wrapping ErrTransport or ErrBackendUnavailable.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Healthy checks that the backend is reachable.
	Healthy(ctx context.Context) error

	// IndexExists reports whether the named index exists.
	IndexExists(ctx context.Context, index string) (bool, error)

	// DeleteIndex removes the named index and all of its documents.
	DeleteIndex(ctx context.Context, index string) error

	// CreateIndex creates an empty index.
	CreateIndex(ctx context.Context, index string) error

	// PutMapping applies a schema for documents of the given kind.
	PutMapping(ctx context.Context, index, kind string, mapping *Mapping) error

	// Bulk submits all actions as one bulk operation.
	Bulk(ctx context.Context, actions []Action) (*BulkResult, error)

	// Close releases client resources.
	Close() error
}
