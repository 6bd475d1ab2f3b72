// Package elasticsearch implements search.Provider on the official
// Elasticsearch client. Bulk commits go out as a single _bulk request and
// per-item results are read back from the response.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/jrepp/pfindex/pkg/search"
)

// Config holds connection parameters. Hosts is accepted as an alias for
// Addresses.
type Config struct {
	Addresses []string `mapstructure:"addresses"`
	Hosts     []string `mapstructure:"hosts"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	APIKey    string   `mapstructure:"api_key"`
	CloudID   string   `mapstructure:"cloud_id"`

	// CACert is a PEM file used to verify the cluster certificate.
	CACert string `mapstructure:"ca_cert"`

	MaxRetries   int  `mapstructure:"max_retries"`
	DisableRetry bool `mapstructure:"disable_retry"`

	// RequestTimeout bounds every non-bulk request. Bulk requests are
	// bounded by the caller's context.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Refresh is passed to _bulk ("true", "false" or "wait_for").
	Refresh string `mapstructure:"refresh"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Addresses, validation.When(c.CloudID == "" && len(c.Hosts) == 0,
			validation.Required.Error("addresses or cloud_id required"))),
		validation.Field(&c.Refresh, validation.In("", "true", "false", "wait_for")),
		validation.Field(&c.MaxRetries, validation.Min(0)),
	)
}

// Adapter implements search.Provider for Elasticsearch.
type Adapter struct {
	client  *elasticsearch.Client
	cfg     *Config
	timeout time.Duration
	logger  hclog.Logger
}

// NewAdapter creates a new Elasticsearch adapter. It does not contact the
// cluster; use Healthy for that.
func NewAdapter(cfg *Config, logger hclog.Logger) (*Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("elasticsearch config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid elasticsearch config: %w", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("elasticsearch")

	esCfg := elasticsearch.Config{
		Addresses:    append(append([]string{}, cfg.Addresses...), cfg.Hosts...),
		Username:     cfg.Username,
		Password:     cfg.Password,
		APIKey:       cfg.APIKey,
		CloudID:      cfg.CloudID,
		MaxRetries:   cfg.MaxRetries,
		DisableRetry: cfg.DisableRetry,
		Transport: &loggingTransport{
			transport: http.DefaultTransport,
			logger:    logger.Named("transport"),
		},
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		esCfg.CACert = pem
		// The client only applies CACert to its own default transport.
		esCfg.Transport = nil
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		client:  client,
		cfg:     cfg,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return string(search.ProviderTypeElasticsearch)
}

// Healthy pings the cluster.
func (a *Adapter) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.client.Ping(a.client.Ping.WithContext(ctx))
	if err != nil {
		return &search.Error{Op: "Healthy", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return &search.Error{Op: "Healthy", Err: search.ErrBackendUnavailable, Msg: res.Status()}
	}
	return nil
}

// IndexExists checks for the index.
func (a *Adapter) IndexExists(ctx context.Context, index string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.client.Indices.Exists([]string{index}, a.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, &search.Error{Op: "IndexExists", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, responseError("IndexExists", res)
}

// DeleteIndex deletes the index and its documents.
func (a *Adapter) DeleteIndex(ctx context.Context, index string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.client.Indices.Delete([]string{index}, a.client.Indices.Delete.WithContext(ctx))
	if err != nil {
		return &search.Error{Op: "DeleteIndex", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("DeleteIndex", res)
	}
	a.logger.Debug("deleted index", "index", index)
	return nil
}

// CreateIndex creates an empty index.
func (a *Adapter) CreateIndex(ctx context.Context, index string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.client.Indices.Create(index, a.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return &search.Error{Op: "CreateIndex", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("CreateIndex", res)
	}
	a.logger.Debug("created index", "index", index)
	return nil
}

// PutMapping sends the mapping body as-is. Elasticsearch no longer has
// document types, so kind is not part of the request.
func (a *Adapter) PutMapping(ctx context.Context, index, kind string, mapping *search.Mapping) error {
	body, err := json.Marshal(mapping.Body())
	if err != nil {
		return &search.Error{Op: "PutMapping", Err: search.ErrInvalidMapping, Msg: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	res, err := a.client.Indices.PutMapping(
		[]string{index},
		bytes.NewReader(body),
		a.client.Indices.PutMapping.WithContext(ctx),
	)
	if err != nil {
		return &search.Error{Op: "PutMapping", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("PutMapping", res)
	}
	return nil
}

type bulkMeta struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Index  string `json:"_index"`
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Bulk submits every action in one _bulk request. Documents that cannot be
// encoded are reported as item failures without being sent.
func (a *Adapter) Bulk(ctx context.Context, actions []search.Action) (*search.BulkResult, error) {
	result := &search.BulkResult{}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	sent := 0
	for _, act := range actions {
		src, err := json.Marshal(act.Source)
		if err != nil {
			result.Failed = append(result.Failed, search.ItemFailure{
				Index:  act.Index,
				ID:     act.ID,
				Reason: fmt.Sprintf("failed to encode document: %v", err),
			})
			continue
		}
		var meta bulkMeta
		meta.Index.Index = act.Index
		meta.Index.ID = act.ID
		if err := enc.Encode(meta); err != nil {
			return nil, &search.Error{Op: "Bulk", Err: search.ErrIndexingFailed, Msg: err.Error()}
		}
		buf.Write(src)
		buf.WriteByte('\n')
		sent++
	}
	if sent == 0 {
		return result, nil
	}

	opts := []func(*esapi.BulkRequest){a.client.Bulk.WithContext(ctx)}
	if a.cfg.Refresh != "" {
		opts = append(opts, a.client.Bulk.WithRefresh(a.cfg.Refresh))
	}

	res, err := a.client.Bulk(&buf, opts...)
	if err != nil {
		return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		e := responseError("Bulk", res)
		return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: e.Error()}
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: fmt.Sprintf("failed to decode bulk response: %v", err)}
	}

	for _, item := range br.Items {
		for _, r := range item {
			if r.Error == nil && r.Status < 300 {
				result.Succeeded++
				continue
			}
			reason := http.StatusText(r.Status)
			if r.Error != nil {
				reason = fmt.Sprintf("%s: %s", r.Error.Type, r.Error.Reason)
			}
			result.Failed = append(result.Failed, search.ItemFailure{
				Index:  r.Index,
				ID:     r.ID,
				Status: r.Status,
				Reason: reason,
			})
		}
	}
	return result, nil
}

// Close releases idle connections.
func (a *Adapter) Close() error {
	if t, ok := a.client.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

type errorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// responseError maps an error response onto the search error taxonomy.
func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	msg := res.Status()
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Type != "" {
		msg = fmt.Sprintf("%s: %s: %s", res.Status(), er.Error.Type, er.Error.Reason)
	}

	sentinel := search.ErrIndexingFailed
	switch {
	case res.StatusCode == http.StatusNotFound:
		sentinel = search.ErrNotFound
	case op == "PutMapping" && res.StatusCode == http.StatusBadRequest:
		sentinel = search.ErrInvalidMapping
	case res.StatusCode >= 500:
		sentinel = search.ErrBackendUnavailable
	}
	return &search.Error{Op: op, Err: sentinel, Msg: msg}
}

// loggingTransport logs every request made to the cluster.
type loggingTransport struct {
	transport http.RoundTripper
	logger    hclog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		t.logger.Debug("request failed", "method", req.Method, "url", req.URL.Path, "error", err)
		return nil, err
	}
	t.logger.Trace("request completed",
		"method", req.Method,
		"url", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return resp, nil
}
