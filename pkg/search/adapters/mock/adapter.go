// Package mock is an in-memory search.Provider that records every call.
// Failures can be programmed per operation and per document.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jrepp/pfindex/pkg/search"
)

// Index is the stored state of one index.
type Index struct {
	Name    string
	Kind    string
	Mapping *search.Mapping
	Docs    map[string]search.Record
}

// Adapter implements search.Provider in memory.
type Adapter struct {
	mu      sync.Mutex
	indexes map[string]*Index
	calls   []string
	bulks   [][]search.Action

	// HealthErr is returned from Healthy.
	HealthErr error

	// Errors maps an operation name (IndexExists, DeleteIndex, CreateIndex,
	// PutMapping, Bulk) to the error it returns.
	Errors map[string]error

	// Reject maps document IDs to the reason they are rejected in Bulk.
	Reject map[string]string

	// BulkFunc, when set, replaces the default Bulk behaviour. The call is
	// still recorded.
	BulkFunc func(ctx context.Context, actions []search.Action) (*search.BulkResult, error)
}

// NewAdapter creates an empty adapter.
func NewAdapter() *Adapter {
	return &Adapter{
		indexes: make(map[string]*Index),
		Errors:  make(map[string]error),
		Reject:  make(map[string]string),
	}
}

func (a *Adapter) Name() string {
	return string(search.ProviderTypeMock)
}

func (a *Adapter) Healthy(ctx context.Context) error {
	a.record("Healthy")
	return a.HealthErr
}

func (a *Adapter) IndexExists(ctx context.Context, index string) (bool, error) {
	if err := a.record("IndexExists"); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.indexes[index]
	return ok, nil
}

func (a *Adapter) DeleteIndex(ctx context.Context, index string) error {
	if err := a.record("DeleteIndex"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.indexes[index]; !ok {
		return &search.Error{Op: "DeleteIndex", Err: search.ErrNotFound, Msg: index}
	}
	delete(a.indexes, index)
	return nil
}

func (a *Adapter) CreateIndex(ctx context.Context, index string) error {
	if err := a.record("CreateIndex"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.indexes[index]; ok {
		return &search.Error{Op: "CreateIndex", Err: search.ErrIndexingFailed, Msg: fmt.Sprintf("index %s already exists", index)}
	}
	a.indexes[index] = &Index{Name: index, Docs: make(map[string]search.Record)}
	return nil
}

func (a *Adapter) PutMapping(ctx context.Context, index, kind string, mapping *search.Mapping) error {
	if err := a.record("PutMapping"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.indexes[index]
	if !ok {
		return &search.Error{Op: "PutMapping", Err: search.ErrNotFound, Msg: index}
	}
	idx.Kind = kind
	idx.Mapping = mapping
	return nil
}

func (a *Adapter) Bulk(ctx context.Context, actions []search.Action) (*search.BulkResult, error) {
	err := a.record("Bulk")

	a.mu.Lock()
	batch := make([]search.Action, len(actions))
	copy(batch, actions)
	a.bulks = append(a.bulks, batch)
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if a.BulkFunc != nil {
		return a.BulkFunc(ctx, actions)
	}
	if err := ctx.Err(); err != nil {
		return nil, &search.Error{Op: "Bulk", Err: search.ErrTransport, Msg: err.Error()}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	res := &search.BulkResult{}
	for _, act := range actions {
		if reason, ok := a.Reject[act.ID]; ok {
			res.Failed = append(res.Failed, search.ItemFailure{
				Index:  act.Index,
				ID:     act.ID,
				Status: 400,
				Reason: reason,
			})
			continue
		}
		idx, ok := a.indexes[act.Index]
		if !ok {
			idx = &Index{Name: act.Index, Docs: make(map[string]search.Record)}
			a.indexes[act.Index] = idx
		}
		idx.Docs[act.ID] = act.Source
		res.Succeeded++
	}
	return res, nil
}

func (a *Adapter) Close() error {
	a.record("Close")
	return nil
}

// Seed creates index holding docs, replacing any previous contents.
func (a *Adapter) Seed(index string, docs map[string]search.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := &Index{Name: index, Docs: make(map[string]search.Record, len(docs))}
	for id, doc := range docs {
		idx.Docs[id] = doc
	}
	a.indexes[index] = idx
}

// Index returns a snapshot of the named index.
func (a *Adapter) Index(name string) (*Index, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.indexes[name]
	if !ok {
		return nil, false
	}
	cp := *idx
	cp.Docs = make(map[string]search.Record, len(idx.Docs))
	for id, doc := range idx.Docs {
		cp.Docs[id] = doc
	}
	return &cp, true
}

// Calls returns every operation invoked, in order.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// BulkCalls returns the actions of every Bulk call, in order.
func (a *Adapter) BulkCalls() [][]search.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]search.Action(nil), a.bulks...)
}

// BulkSizes returns the number of actions in each Bulk call.
func (a *Adapter) BulkSizes() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	sizes := make([]int, len(a.bulks))
	for i, b := range a.bulks {
		sizes[i] = len(b)
	}
	return sizes
}

func (a *Adapter) record(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op)
	return a.Errors[op]
}
