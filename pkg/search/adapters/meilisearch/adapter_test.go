package meilisearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/pfindex/pkg/search"
)

const testTime = "2024-05-01T10:00:00Z"

// fakeServer emulates the Meilisearch endpoints the adapter uses. Tasks
// complete immediately.
type fakeServer struct {
	mu       sync.Mutex
	indexes  map[string]map[string]map[string]any
	settings map[string][]string
	tasks    map[int]map[string]any
	nextTask int

	// primaryKeys holds the primaryKey query parameter of each document request.
	primaryKeys []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		indexes:  make(map[string]map[string]map[string]any),
		settings: make(map[string][]string),
		tasks:    make(map[int]map[string]any),
	}
}

func (f *fakeServer) task(index, typ string, failCode, failMsg string) map[string]any {
	f.nextTask++
	t := map[string]any{
		"uid":        f.nextTask,
		"indexUid":   index,
		"status":     "succeeded",
		"type":       typ,
		"enqueuedAt": testTime,
		"startedAt":  testTime,
		"finishedAt": testTime,
	}
	if failCode != "" {
		t["status"] = "failed"
		t["error"] = map[string]any{"message": failMsg, "code": failCode, "type": "invalid_request", "link": ""}
	}
	f.tasks[f.nextTask] = t
	return map[string]any{
		"taskUid":    f.nextTask,
		"indexUid":   index,
		"status":     "enqueued",
		"type":       typ,
		"enqueuedAt": testTime,
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	reply := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.URL.Path == "/health":
		reply(http.StatusOK, map[string]string{"status": "available"})

	case parts[0] == "tasks" && len(parts) == 2:
		var id int
		_, _ = fmt.Sscan(parts[1], &id)
		reply(http.StatusOK, f.tasks[id])

	case r.URL.Path == "/indexes" && r.Method == http.MethodPost:
		var body struct {
			UID string `json:"uid"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := f.indexes[body.UID]; ok {
			reply(http.StatusAccepted, f.task(body.UID, "indexCreation", "index_already_exists", "Index already exists."))
			return
		}
		f.indexes[body.UID] = make(map[string]map[string]any)
		reply(http.StatusAccepted, f.task(body.UID, "indexCreation", "", ""))

	case parts[0] == "indexes" && len(parts) == 2:
		name := parts[1]
		_, ok := f.indexes[name]
		switch r.Method {
		case http.MethodGet:
			if !ok {
				reply(http.StatusNotFound, map[string]string{
					"message": "Index `" + name + "` not found.",
					"code":    "index_not_found",
					"type":    "invalid_request",
					"link":    "",
				})
				return
			}
			reply(http.StatusOK, map[string]any{"uid": name, "primaryKey": "id", "createdAt": testTime, "updatedAt": testTime})
		case http.MethodDelete:
			if !ok {
				reply(http.StatusAccepted, f.task(name, "indexDeletion", "index_not_found", "Index not found."))
				return
			}
			delete(f.indexes, name)
			reply(http.StatusAccepted, f.task(name, "indexDeletion", "", ""))
		}

	case parts[0] == "indexes" && len(parts) == 3 && parts[2] == "documents":
		name := parts[1]
		f.primaryKeys = append(f.primaryKeys, r.URL.Query().Get("primaryKey"))
		var docs []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
			reply(http.StatusBadRequest, map[string]string{"message": err.Error(), "code": "malformed_payload", "type": "invalid_request", "link": ""})
			return
		}
		for _, d := range docs {
			if d["poison"] == true {
				reply(http.StatusAccepted, f.task(name, "documentAdditionOrUpdate", "invalid_document_fields", "poisoned document"))
				return
			}
		}
		if f.indexes[name] == nil {
			f.indexes[name] = make(map[string]map[string]any)
		}
		for _, d := range docs {
			f.indexes[name][fmt.Sprint(d["id"])] = d
		}
		reply(http.StatusAccepted, f.task(name, "documentAdditionOrUpdate", "", ""))

	case parts[0] == "indexes" && len(parts) == 4 && parts[2] == "settings":
		var attrs []string
		_ = json.NewDecoder(r.Body).Decode(&attrs)
		f.settings[parts[1]+"/"+parts[3]] = attrs
		reply(http.StatusAccepted, f.task(parts[1], "settingsUpdate", "", ""))

	default:
		reply(http.StatusNotFound, map[string]string{"message": "not found", "code": "not_found", "type": "invalid_request", "link": ""})
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeServer) {
	t.Helper()
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a, err := NewAdapter(&Config{Host: srv.URL, APIKey: "masterKey"}, nil)
	require.NoError(t, err)
	return a, fake
}

// TestNewAdapter tests adapter creation validation.
func TestNewAdapter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
			errMsg:  "host required",
		},
		{
			name:    "missing host",
			cfg:     &Config{APIKey: "masterKey123"},
			wantErr: true,
			errMsg:  "host required",
		},
		{
			name:    "unreachable host",
			cfg:     &Config{Host: "http://127.0.0.1:1", APIKey: "masterKey123"},
			wantErr: true,
			errMsg:  "failed to connect",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := NewAdapter(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAdapter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error message should contain %q, got %q", tt.errMsg, err.Error())
			}
			if adapter != nil && adapter.Name() != "meilisearch" {
				t.Errorf("adapter.Name() = %v, want meilisearch", adapter.Name())
			}
		})
	}
}

func TestAdapterInterfaces(t *testing.T) {
	var _ search.Provider = (*Adapter)(nil)
}

func TestAdapter_Lifecycle(t *testing.T) {
	ctx := context.Background()
	a, fake := newTestAdapter(t)

	exists, err := a.IndexExists(ctx, "evidence")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, a.CreateIndex(ctx, "evidence"))
	exists, err = a.IndexExists(ctx, "evidence")
	require.NoError(t, err)
	assert.True(t, exists)

	err = a.CreateIndex(ctx, "evidence")
	require.Error(t, err)
	assert.True(t, errors.Is(err, search.ErrIndexingFailed))

	m, err := search.ParseMapping(map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"filenames": map[string]any{"type": "text"},
				"header": map[string]any{
					"properties": map[string]any{
						"executable_name": map[string]any{"type": "keyword"},
						"version":         map[string]any{"type": "integer"},
					},
				},
				"file_information": map[string]any{
					"properties": map[string]any{
						"last_run_times": map[string]any{"type": "date"},
					},
				},
			},
		},
	}, "prefetch")
	require.NoError(t, err)
	require.NoError(t, a.PutMapping(ctx, "evidence", "prefetch", m))

	assert.Equal(t, []string{"filenames", "header.executable_name"}, fake.settings["evidence/searchable-attributes"])
	assert.Equal(t, []string{"file_information.last_run_times", "header.version"}, fake.settings["evidence/sortable-attributes"])

	require.NoError(t, a.DeleteIndex(ctx, "evidence"))
	err = a.DeleteIndex(ctx, "evidence")
	assert.True(t, errors.Is(err, search.ErrNotFound))
}

func TestAdapter_Bulk(t *testing.T) {
	ctx := context.Background()
	a, fake := newTestAdapter(t)

	res, err := a.Bulk(ctx, []search.Action{
		{Index: "evidence", Kind: "prefetch", ID: "6ba7b810-9dad-31d1-80b4-00c04fd430c8", Source: search.Record{"run_count": json.Number("2")}},
		{Index: "evidence", Kind: "prefetch", ID: "not a valid id!", Source: search.Record{}},
		{Index: "other", Kind: "prefetch", ID: "poisoned", Source: search.Record{"poison": true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "invalid_document_id", res.Failed[0].Reason)
	assert.Contains(t, res.Failed[1].Reason, "invalid_document_fields")

	assert.Equal(t, []string{"id", "id"}, fake.primaryKeys, "one request per index, keyed on id")

	doc := fake.indexes["evidence"]["6ba7b810-9dad-31d1-80b4-00c04fd430c8"]
	require.NotNil(t, doc)
	assert.Equal(t, "prefetch", doc["kind"])
	assert.Equal(t, float64(2), doc["run_count"])
}

func TestAdapter_BulkUnreachable(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.client = newUnreachableClient()

	_, err := a.Bulk(context.Background(), []search.Action{{Index: "evidence", ID: "a", Source: search.Record{}}})
	require.Error(t, err)
	assert.True(t, search.IsTransport(err))
}

func TestAttributes(t *testing.T) {
	m, err := search.ParseMapping(map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"hidden": map[string]any{"type": "keyword", "index": false},
				"flag":   map[string]any{"type": "boolean"},
				"size":   map[string]any{"type": "long"},
			},
		},
	}, "prefetch")
	require.NoError(t, err)

	searchable, sortable := attributes(m)
	assert.Empty(t, searchable)
	assert.Equal(t, []string{"size"}, sortable)
}

func TestDocument(t *testing.T) {
	src := search.Record{"id": "from-parser", "name": "CALC.EXE"}
	doc := document(search.Action{ID: "derived", Kind: "prefetch", Source: src})

	assert.Equal(t, "derived", doc["id"])
	assert.Equal(t, "prefetch", doc["kind"])
	assert.Equal(t, "from-parser", src["id"], "source record is not modified")
}

// newUnreachableClient returns a client pointed at a closed server.
func newUnreachableClient() meilisearch.ServiceManager {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return meilisearch.New(url, meilisearch.WithCustomClient(&http.Client{}))
}
