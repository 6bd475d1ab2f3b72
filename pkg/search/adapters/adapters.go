// Package adapters constructs search providers from opaque connection
// parameters.
package adapters

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/jrepp/pfindex/pkg/search"
	bleveadapter "github.com/jrepp/pfindex/pkg/search/adapters/bleve"
	elasticadapter "github.com/jrepp/pfindex/pkg/search/adapters/elasticsearch"
	meilisearchadapter "github.com/jrepp/pfindex/pkg/search/adapters/meilisearch"
)

// DefaultProvider is used when the engine config names no provider.
const DefaultProvider = search.ProviderTypeElasticsearch

// New creates the named provider, decoding params into that provider's
// client config. Unknown keys are rejected.
func New(provider search.ProviderType, params map[string]any, logger hclog.Logger) (search.Provider, error) {
	if provider == "" {
		provider = DefaultProvider
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	switch provider {
	case search.ProviderTypeElasticsearch:
		var cfg elasticadapter.Config
		if err := decode(params, &cfg); err != nil {
			return nil, fmt.Errorf("invalid elasticsearch configuration: %w", err)
		}
		p, err := elasticadapter.NewAdapter(&cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize elasticsearch adapter: %w", err)
		}
		logger.Debug("initialized search provider", "provider", provider)
		return p, nil

	case search.ProviderTypeMeilisearch:
		var cfg meilisearchadapter.Config
		if err := decode(params, &cfg); err != nil {
			return nil, fmt.Errorf("invalid meilisearch configuration: %w", err)
		}
		p, err := meilisearchadapter.NewAdapter(&cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize meilisearch adapter: %w", err)
		}
		logger.Debug("initialized search provider", "provider", provider)
		return p, nil

	case search.ProviderTypeBleve:
		var cfg bleveadapter.Config
		if err := decode(params, &cfg); err != nil {
			return nil, fmt.Errorf("invalid bleve configuration: %w", err)
		}
		if cfg.IndexPath == "" {
			logger.Warn("bleve index_path not set; indexes are kept in memory and lost on exit")
		}
		p, err := bleveadapter.NewAdapter(&cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bleve adapter: %w", err)
		}
		logger.Debug("initialized search provider", "provider", provider)
		return p, nil

	default:
		return nil, fmt.Errorf("unsupported search provider: %s (supported: elasticsearch, meilisearch, bleve)", provider)
	}
}

// decode maps loosely typed params onto a config struct. Durations may be
// given as strings ("30s") and lists as comma-separated strings.
func decode(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}
