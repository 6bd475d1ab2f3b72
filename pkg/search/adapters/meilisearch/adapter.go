package meilisearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/meilisearch/meilisearch-go"

	"github.com/jrepp/pfindex/pkg/search"
)

const (
	// primaryKey holds the content identifier in every document.
	primaryKey = "id"

	// kindField labels every document with its kind.
	kindField = "kind"

	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// Meilisearch document IDs are limited to this alphabet and length.
var validDocumentID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,511}$`)

// Config contains Meilisearch configuration.
type Config struct {
	Host   string `mapstructure:"host"`
	APIKey string `mapstructure:"api_key"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `mapstructure:"timeout"`

	// PollInterval is how often asynchronous tasks are checked.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Adapter implements search.Provider for Meilisearch. Every write is an
// asynchronous task; the adapter waits for each task so callers see the
// final outcome.
type Adapter struct {
	client   meilisearch.ServiceManager
	interval time.Duration
	logger   hclog.Logger
}

// NewAdapter creates a new Meilisearch adapter and checks that the server
// is reachable.
func NewAdapter(cfg *Config, logger hclog.Logger) (*Adapter, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, fmt.Errorf("meilisearch host required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	client := meilisearch.New(cfg.Host,
		meilisearch.WithAPIKey(cfg.APIKey),
		meilisearch.WithCustomClient(&http.Client{Timeout: timeout}),
	)

	a := &Adapter{
		client:   client,
		interval: interval,
		logger:   logger.Named("meilisearch"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to meilisearch: %w", err)
	}

	return a, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return string(search.ProviderTypeMeilisearch)
}

// Healthy checks the server health endpoint.
func (a *Adapter) Healthy(ctx context.Context) error {
	h, err := a.client.HealthWithContext(ctx)
	if err != nil {
		return &search.Error{Op: "Healthy", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if h.Status != "available" {
		return &search.Error{Op: "Healthy", Err: search.ErrBackendUnavailable, Msg: "status " + h.Status}
	}
	return nil
}

// IndexExists looks the index up by UID.
func (a *Adapter) IndexExists(ctx context.Context, index string) (bool, error) {
	_, err := a.client.GetIndexWithContext(ctx, index)
	if err == nil {
		return true, nil
	}
	if statusCode(err) == http.StatusNotFound {
		return false, nil
	}
	return false, wrapError("IndexExists", err)
}

// DeleteIndex deletes the index and waits for the task.
func (a *Adapter) DeleteIndex(ctx context.Context, index string) error {
	info, err := a.client.DeleteIndexWithContext(ctx, index)
	if err != nil {
		return wrapError("DeleteIndex", err)
	}
	return a.wait(ctx, "DeleteIndex", info)
}

// CreateIndex creates the index with "id" as its primary key.
func (a *Adapter) CreateIndex(ctx context.Context, index string) error {
	info, err := a.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{
		Uid:        index,
		PrimaryKey: primaryKey,
	})
	if err != nil {
		return wrapError("CreateIndex", err)
	}
	return a.wait(ctx, "CreateIndex", info)
}

// PutMapping turns the mapping into index settings: text and keyword
// fields become searchable, numeric and date fields sortable. Meilisearch
// has no per-field types, so everything else in the mapping is ignored.
func (a *Adapter) PutMapping(ctx context.Context, index, kind string, mapping *search.Mapping) error {
	searchable, sortable := attributes(mapping)
	idx := a.client.Index(index)

	if len(searchable) > 0 {
		info, err := idx.UpdateSearchableAttributesWithContext(ctx, &searchable)
		if err != nil {
			return wrapError("PutMapping", err)
		}
		if err := a.wait(ctx, "PutMapping", info); err != nil {
			return err
		}
	}

	if len(sortable) > 0 {
		info, err := idx.UpdateSortableAttributesWithContext(ctx, &sortable)
		if err != nil {
			return wrapError("PutMapping", err)
		}
		if err := a.wait(ctx, "PutMapping", info); err != nil {
			return err
		}
	}

	a.logger.Debug("applied mapping", "index", index, "kind", kind,
		"searchable", len(searchable), "sortable", len(sortable))
	return nil
}

// Bulk adds documents, one task per target index. Documents with IDs
// Meilisearch would refuse are failed before sending. A failed task fails
// every document it carried, since Meilisearch rejects document batches as
// a whole.
func (a *Adapter) Bulk(ctx context.Context, actions []search.Action) (*search.BulkResult, error) {
	result := &search.BulkResult{}

	byIndex := make(map[string][]search.Action)
	var order []string
	for _, act := range actions {
		if !validDocumentID.MatchString(act.ID) {
			result.Failed = append(result.Failed, search.ItemFailure{
				Index:  act.Index,
				ID:     act.ID,
				Status: http.StatusBadRequest,
				Reason: "invalid_document_id",
			})
			continue
		}
		if _, ok := byIndex[act.Index]; !ok {
			order = append(order, act.Index)
		}
		byIndex[act.Index] = append(byIndex[act.Index], act)
	}

	pk := primaryKey
	for _, name := range order {
		group := byIndex[name]
		docs := make([]map[string]any, 0, len(group))
		for _, act := range group {
			docs = append(docs, document(act))
		}

		info, err := a.client.Index(name).AddDocumentsWithContext(ctx, docs, &pk)
		if err != nil {
			code := statusCode(err)
			if code >= 400 && code < 500 {
				result.Failed = append(result.Failed, failAll(group, code, err.Error())...)
				continue
			}
			return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
		}

		task, err := a.client.WaitForTaskWithContext(ctx, info.TaskUID, a.interval)
		if err != nil {
			return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
		}
		if task.Status == meilisearch.TaskStatusFailed {
			reason := fmt.Sprintf("%s: %s", task.Error.Code, task.Error.Message)
			result.Failed = append(result.Failed, failAll(group, http.StatusBadRequest, reason)...)
			continue
		}
		result.Succeeded += len(group)
	}

	return result, nil
}

// Close releases client resources.
func (a *Adapter) Close() error {
	return nil
}

func (a *Adapter) wait(ctx context.Context, op string, info *meilisearch.TaskInfo) error {
	task, err := a.client.WaitForTaskWithContext(ctx, info.TaskUID, a.interval)
	if err != nil {
		return &search.Error{Op: op, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if task.Status == meilisearch.TaskStatusFailed {
		sentinel := search.ErrIndexingFailed
		switch task.Error.Code {
		case "index_not_found":
			sentinel = search.ErrNotFound
		case "invalid_settings_searchable_attributes", "invalid_settings_sortable_attributes":
			sentinel = search.ErrInvalidMapping
		}
		return &search.Error{Op: op, Err: sentinel, Msg: fmt.Sprintf("%s: %s", task.Error.Code, task.Error.Message)}
	}
	return nil
}

// document copies the record and adds the identifier and kind.
func document(act search.Action) map[string]any {
	doc := make(map[string]any, len(act.Source)+2)
	for k, v := range act.Source {
		doc[k] = v
	}
	doc[primaryKey] = act.ID
	if act.Kind != "" {
		doc[kindField] = act.Kind
	}
	return doc
}

func failAll(group []search.Action, status int, reason string) []search.ItemFailure {
	out := make([]search.ItemFailure, len(group))
	for i, act := range group {
		out[i] = search.ItemFailure{Index: act.Index, ID: act.ID, Status: status, Reason: reason}
	}
	return out
}

// attributes splits mapping leaves into searchable and sortable attribute
// lists, sorted.
func attributes(m *search.Mapping) (searchable, sortable []string) {
	for _, path := range m.Paths() {
		f, _ := m.Lookup(path)
		switch {
		case f.Type == search.FieldText || f.Type == search.FieldKeyword:
			if f.Index {
				searchable = append(searchable, path)
			}
		case f.IsNumeric() || f.Type == search.FieldDate:
			sortable = append(sortable, path)
		}
	}
	sort.Strings(searchable)
	sort.Strings(sortable)
	return searchable, sortable
}

func statusCode(err error) int {
	var me *meilisearch.Error
	if errors.As(err, &me) {
		return me.StatusCode
	}
	return 0
}

func wrapError(op string, err error) error {
	sentinel := search.ErrBackendUnavailable
	switch code := statusCode(err); {
	case code == http.StatusNotFound:
		sentinel = search.ErrNotFound
	case code >= 400 && code < 500:
		sentinel = search.ErrIndexingFailed
	}
	return &search.Error{Op: op, Err: sentinel, Msg: err.Error()}
}
