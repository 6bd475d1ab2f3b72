package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/pfindex/pkg/search"
	"github.com/jrepp/pfindex/pkg/search/adapters/mock"
)

func testMapping(t *testing.T) *search.Mapping {
	t.Helper()
	m, err := search.ParseMapping(map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"header": map[string]any{
					"properties": map[string]any{
						"executable_name": map[string]any{"type": "keyword"},
					},
				},
			},
		},
	}, "prefetch")
	require.NoError(t, err)
	return m
}

func TestBootstrapper_RecreateExisting(t *testing.T) {
	provider := mock.NewAdapter()
	provider.Seed("evidence", map[string]search.Record{
		"old-1": {"stale": true},
		"old-2": {"stale": true},
	})
	mapping := testMapping(t)

	err := NewBootstrapper(provider, nil).Recreate(context.Background(), "evidence", "prefetch", mapping)
	require.NoError(t, err)

	idx, ok := provider.Index("evidence")
	require.True(t, ok)
	assert.Empty(t, idx.Docs)
	assert.Same(t, mapping, idx.Mapping)
	assert.Equal(t, "prefetch", idx.Kind)
	assert.Equal(t, []string{"IndexExists", "DeleteIndex", "CreateIndex", "PutMapping"}, provider.Calls())
}

func TestBootstrapper_CreateMissing(t *testing.T) {
	provider := mock.NewAdapter()

	err := NewBootstrapper(provider, nil).Recreate(context.Background(), "evidence", "prefetch", testMapping(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"IndexExists", "CreateIndex", "PutMapping"}, provider.Calls())
}

func TestBootstrapper_Failures(t *testing.T) {
	for _, op := range []string{"IndexExists", "DeleteIndex", "CreateIndex", "PutMapping"} {
		t.Run(op, func(t *testing.T) {
			provider := mock.NewAdapter()
			provider.Seed("evidence", nil)
			provider.Errors[op] = &search.Error{Op: op, Err: search.ErrInvalidMapping}

			err := NewBootstrapper(provider, nil).Recreate(context.Background(), "evidence", "prefetch", testMapping(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBootstrap))
			assert.True(t, errors.Is(err, search.ErrInvalidMapping))
			assert.True(t, IsFatal(err))
		})
	}
}

func TestBootstrapper_NilMapping(t *testing.T) {
	provider := mock.NewAdapter()
	err := NewBootstrapper(provider, nil).Recreate(context.Background(), "evidence", "prefetch", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBootstrap))
	assert.Empty(t, provider.Calls())
}
