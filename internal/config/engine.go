// Package config loads the engine connection file and the optional HCL run
// settings file.
package config

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jrepp/pfindex/pkg/search"
	"github.com/jrepp/pfindex/pkg/search/adapters"
)

// providerKey selects the search adapter. Every other key is passed
// through to the adapter's client configuration.
const providerKey = "provider"

// EngineConfig is the connection configuration for a search engine.
//
// Example (YAML; JSON is accepted too):
//
//	provider: elasticsearch
//	addresses:
//	  - https://es.example.internal:9200
//	username: indexer
//	password: secret
//	request_timeout: 30s
type EngineConfig struct {
	Provider search.ProviderType
	Params   map[string]any
}

// LoadEngineConfig reads an engine configuration file.
func LoadEngineConfig(fs afero.Fs, path string) (*EngineConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("engine configuration file path is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine configuration: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse engine configuration: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	cfg := &EngineConfig{
		Provider: adapters.DefaultProvider,
		Params:   make(map[string]any, len(doc)),
	}
	for k, v := range doc {
		if k == providerKey {
			name, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("engine configuration: %q must be a string", providerKey)
			}
			cfg.Provider = search.ProviderType(name)
			continue
		}
		cfg.Params[k] = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the provider name.
func (c *EngineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(
			search.ProviderTypeElasticsearch,
			search.ProviderTypeMeilisearch,
			search.ProviderTypeBleve,
		).Error("must be one of elasticsearch, meilisearch, bleve")),
	)
}

// NewProvider constructs the configured search provider.
func (c *EngineConfig) NewProvider(logger hclog.Logger) (search.Provider, error) {
	return adapters.New(c.Provider, c.Params, logger)
}
