package bleve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/jrepp/pfindex/pkg/search"
)

// kindField carries the document kind so bleve picks the matching type
// mapping. It is bleve's default type field.
const kindField = "_type"

// Adapter implements search.Provider for Bleve (embedded full-text search).
// Each index lives in its own directory under IndexPath, or in memory when
// no path is configured.
type Adapter struct {
	mu       sync.Mutex
	basePath string
	indexes  map[string]bleve.Index
	logger   hclog.Logger
}

// Config contains Bleve configuration.
type Config struct {
	// IndexPath is the directory holding one <name>.bleve directory per
	// index. Empty keeps every index in memory.
	IndexPath string `mapstructure:"index_path"`
}

// NewAdapter creates a new Bleve search adapter.
func NewAdapter(cfg *Config, logger hclog.Logger) (*Adapter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if cfg.IndexPath != "" {
		if err := os.MkdirAll(cfg.IndexPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	return &Adapter{
		basePath: cfg.IndexPath,
		indexes:  make(map[string]bleve.Index),
		logger:   logger.Named("bleve"),
	}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return string(search.ProviderTypeBleve)
}

// Healthy checks that every open index answers and the base directory is
// reachable.
func (a *Adapter) Healthy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.basePath != "" {
		if _, err := os.Stat(a.basePath); err != nil {
			return &search.Error{Op: "Healthy", Err: search.ErrBackendUnavailable, Msg: err.Error()}
		}
	}
	for name, idx := range a.indexes {
		if _, err := idx.DocCount(); err != nil {
			return &search.Error{Op: "Healthy", Err: search.ErrBackendUnavailable, Msg: fmt.Sprintf("%s: %v", name, err)}
		}
	}
	return nil
}

// IndexExists reports whether the index is open or present on disk.
func (a *Adapter) IndexExists(ctx context.Context, index string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.open(index)
	if err != nil {
		return false, &search.Error{Op: "IndexExists", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	return idx != nil, nil
}

// DeleteIndex closes the index and removes its files.
func (a *Adapter) DeleteIndex(ctx context.Context, index string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.open(index)
	if err != nil {
		return &search.Error{Op: "DeleteIndex", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if idx == nil {
		return &search.Error{Op: "DeleteIndex", Err: search.ErrNotFound, Msg: index}
	}

	return a.drop(index, idx)
}

// CreateIndex creates an empty index with a dynamic default mapping.
func (a *Adapter) CreateIndex(ctx context.Context, index string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.open(index)
	if err != nil {
		return &search.Error{Op: "CreateIndex", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if existing != nil {
		return &search.Error{Op: "CreateIndex", Err: search.ErrIndexingFailed, Msg: fmt.Sprintf("index %s already exists", index)}
	}

	if _, err := a.create(index, bleve.NewIndexMapping()); err != nil {
		return &search.Error{Op: "CreateIndex", Err: search.ErrIndexingFailed, Msg: err.Error()}
	}
	return nil
}

// PutMapping applies mapping to documents of kind. Bleve fixes the mapping
// when an index is created, so the index must still be empty; it is
// recreated with the converted mapping.
func (a *Adapter) PutMapping(ctx context.Context, index, kind string, m *search.Mapping) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.open(index)
	if err != nil {
		return &search.Error{Op: "PutMapping", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if idx == nil {
		return &search.Error{Op: "PutMapping", Err: search.ErrNotFound, Msg: index}
	}

	count, err := idx.DocCount()
	if err != nil {
		return &search.Error{Op: "PutMapping", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if count > 0 {
		return &search.Error{Op: "PutMapping", Err: search.ErrInvalidMapping, Msg: fmt.Sprintf("index %s already holds %d documents", index, count)}
	}

	im, err := buildIndexMapping(kind, m)
	if err != nil {
		return &search.Error{Op: "PutMapping", Err: search.ErrInvalidMapping, Msg: err.Error()}
	}

	if err := a.drop(index, idx); err != nil {
		return err
	}
	if _, err := a.create(index, im); err != nil {
		return &search.Error{Op: "PutMapping", Err: search.ErrInvalidMapping, Msg: err.Error()}
	}

	a.logger.Debug("applied mapping", "index", index, "kind", kind, "fields", len(m.Paths()))
	return nil
}

// Bulk writes all actions, one bleve batch per target index. Documents the
// mapping rejects are reported as item failures; a failing batch write is
// a transport error.
func (a *Adapter) Bulk(ctx context.Context, actions []search.Action) (*search.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	result := &search.BulkResult{}

	byIndex := make(map[string][]search.Action)
	var order []string
	for _, act := range actions {
		if _, ok := byIndex[act.Index]; !ok {
			order = append(order, act.Index)
		}
		byIndex[act.Index] = append(byIndex[act.Index], act)
	}

	for _, name := range order {
		idx, err := a.open(name)
		if err != nil {
			return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
		}
		if idx == nil {
			a.logger.Debug("creating missing index", "index", name)
			if idx, err = a.create(name, bleve.NewIndexMapping()); err != nil {
				return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
			}
		}

		batch := idx.NewBatch()
		pending := 0
		for _, act := range byIndex[name] {
			doc := normalize(map[string]any(act.Source)).(map[string]any)
			if act.Kind != "" {
				doc[kindField] = act.Kind
			}
			if err := batch.Index(act.ID, doc); err != nil {
				result.Failed = append(result.Failed, search.ItemFailure{
					Index:  name,
					ID:     act.ID,
					Status: 400,
					Reason: err.Error(),
				})
				continue
			}
			pending++
		}

		if pending == 0 {
			continue
		}
		if err := idx.Batch(batch); err != nil {
			return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
		}
		result.Succeeded += pending
	}

	return result, nil
}

// Count returns the number of documents in index.
func (a *Adapter) Count(ctx context.Context, index string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.open(index)
	if err != nil {
		return 0, err
	}
	if idx == nil {
		return 0, &search.Error{Op: "Count", Err: search.ErrNotFound, Msg: index}
	}
	return idx.DocCount()
}

// Index returns the open bleve index, for querying.
func (a *Adapter) Index(name string) (bleve.Index, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, err := a.open(name)
	if err != nil || idx == nil {
		return nil, false
	}
	return idx, true
}

// Close closes all Bleve indexes.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.indexes))
	for name := range a.indexes {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	for _, name := range names {
		if err := a.indexes[name].Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close %s index: %w", name, err))
		}
		delete(a.indexes, name)
	}
	return result.ErrorOrNil()
}

func (a *Adapter) path(index string) string {
	return filepath.Join(a.basePath, index+".bleve")
}

// open returns the named index, opening it from disk if needed. A nil
// index with a nil error means it does not exist.
func (a *Adapter) open(index string) (bleve.Index, error) {
	if idx, ok := a.indexes[index]; ok {
		return idx, nil
	}
	if a.basePath == "" {
		return nil, nil
	}

	idx, err := bleve.Open(a.path(index))
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", index, err)
	}
	a.indexes[index] = idx
	return idx, nil
}

func (a *Adapter) create(index string, im mapping.IndexMapping) (bleve.Index, error) {
	var (
		idx bleve.Index
		err error
	)
	if a.basePath == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		idx, err = bleve.New(a.path(index), im)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create index %s: %w", index, err)
	}
	a.indexes[index] = idx
	return idx, nil
}

func (a *Adapter) drop(index string, idx bleve.Index) error {
	delete(a.indexes, index)
	if err := idx.Close(); err != nil {
		return &search.Error{Op: "DeleteIndex", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if a.basePath != "" {
		if err := os.RemoveAll(a.path(index)); err != nil {
			return &search.Error{Op: "DeleteIndex", Err: search.ErrBackendUnavailable, Msg: err.Error()}
		}
	}
	return nil
}

// buildIndexMapping converts an engine-neutral mapping into a bleve index
// mapping with one document mapping for kind.
func buildIndexMapping(kind string, m *search.Mapping) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	im.TypeField = kindField

	dm, err := documentMapping(m.Properties)
	if err != nil {
		return nil, err
	}
	if m.Dynamic != nil {
		dm.Dynamic = *m.Dynamic
	}
	im.AddDocumentMapping(kind, dm)

	if err := im.Validate(); err != nil {
		return nil, err
	}
	return im, nil
}

func documentMapping(props map[string]*search.Field) (*mapping.DocumentMapping, error) {
	dm := bleve.NewDocumentMapping()
	for name, f := range props {
		if f.IsObject() {
			sub, err := documentMapping(f.Properties)
			if err != nil {
				return nil, err
			}
			dm.AddSubDocumentMapping(name, sub)
			continue
		}

		fm, err := fieldMapping(f)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		dm.AddFieldMappingsAt(name, fm)
	}
	return dm, nil
}

func fieldMapping(f *search.Field) (*mapping.FieldMapping, error) {
	var fm *mapping.FieldMapping
	switch {
	case f.Type == search.FieldText:
		fm = bleve.NewTextFieldMapping()
		if f.Analyzer != "" {
			fm.Analyzer = f.Analyzer
		}
	case f.Type == search.FieldKeyword, f.Type == search.FieldIP:
		fm = bleve.NewKeywordFieldMapping()
	case f.Type == search.FieldDate:
		fm = bleve.NewDateTimeFieldMapping()
	case f.IsNumeric():
		fm = bleve.NewNumericFieldMapping()
	case f.Type == search.FieldBoolean:
		fm = bleve.NewBooleanFieldMapping()
	case f.Type == search.FieldGeoPoint:
		fm = bleve.NewGeoPointFieldMapping()
	default:
		return nil, fmt.Errorf("unsupported field type %q", f.Type)
	}
	fm.Index = f.Index
	return fm, nil
}

// normalize copies v, converting json.Number into float64 so bleve indexes
// parser output numerically.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case search.Record:
		return normalize(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}
