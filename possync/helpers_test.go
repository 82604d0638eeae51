// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// newTestStore opens an in-memory store with tables for all POS entities.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, EntityNames(DefaultAdapters()), nil)
	require.NoError(t, err)
	return store
}

// testConfig shrinks the staleness knob so fetches run on every pass,
// keeping convergence tests deterministic.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.FetchStaleAfter = 0
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *fakeRemote, *Store) {
	t.Helper()
	store := newTestStore(t)
	remote := newFakeRemote()
	engine, err := New(store, remote, testConfig())
	require.NoError(t, err)
	return engine, remote, store
}

// seedSyncedStockIn places a stock-in both server-side and in the local
// reconciled table, as if a previous sync pass pulled it.
func seedSyncedStockIn(t *testing.T, store *Store, remote *fakeRemote, id string, quantity int64) {
	t.Helper()
	raw, err := json.Marshal(StockIn{
		ID:           id,
		ProductID:    "prod-1",
		Quantity:     quantity,
		Price:        decimal.NewFromInt(1200),
		SellingPrice: decimal.RequireFromString("1499.99"),
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	remote.seed(EntityStockIns, id, rec)
	require.NoError(t, store.Put(context.Background(), TableName(EntityStockIns, TableAll), id, rec))
}

func stockOutPayload(stockinID string, quantity int64) json.RawMessage {
	raw, err := json.Marshal(StockOut{
		StockInID:     stockinID,
		Quantity:      quantity,
		SoldPrice:     decimal.RequireFromString("1499.99"),
		ClientName:    "Alice",
		PaymentMethod: "cash",
	})
	if err != nil {
		panic(err)
	}
	return raw
}

func getStockInAll(t *testing.T, store *Store, id string) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, store.Get(context.Background(), TableName(EntityStockIns, TableAll), id, &rec))
	return rec
}

func queueCount(t *testing.T, store *Store, entity, kind string) int {
	t.Helper()
	n, err := store.Count(context.Background(), TableName(entity, kind))
	require.NoError(t, err)
	return n
}

// fakeRemote is an in-memory authoritative server. It honors idempotency
// keys, assigns server ids, and applies stock deltas the way the real
// backend does when a sale or return is created.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]any
	order   map[string][]string
	nextID  int

	seenKeys map[string]bool

	createErr error
	updateErr error
	deleteErr error
	listErr   error

	createCalls int
	updateCalls int
	deleteCalls int
	listCalls   int

	// createGate, when set, blocks Create after counting the call. Tests
	// use it to hold a pass in flight.
	createGate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:  map[string]map[string]map[string]any{},
		order:    map[string][]string{},
		seenKeys: map[string]bool{},
	}
}

func (f *fakeRemote) seed(entity, id string, rec map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(entity, id, rec)
}

func (f *fakeRemote) put(entity, id string, rec map[string]any) {
	if f.records[entity] == nil {
		f.records[entity] = map[string]map[string]any{}
	}
	if _, exists := f.records[entity][id]; !exists {
		f.order[entity] = append(f.order[entity], id)
	}
	f.records[entity][id] = rec
}

func (f *fakeRemote) get(entity, id string) (map[string]any, bool) {
	rec, ok := f.records[entity][id]
	return rec, ok
}

func (f *fakeRemote) Create(ctx context.Context, entity string, payload json.RawMessage, key string) (json.RawMessage, error) {
	f.mu.Lock()
	f.createCalls++
	gate := f.createGate
	failure := f.createErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failure != nil {
		return nil, failure
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if key != "" && f.seenKeys[key] {
		return nil, ErrConflict
	}
	if key != "" {
		f.seenKeys[key] = true
	}

	var rec map[string]any
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, err
	}
	delete(rec, "localId")
	delete(rec, "offlineQuantity")
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	rec["id"] = id

	f.applyDelta(entity, rec)
	f.put(entity, id, rec)
	out, err := json.Marshal(rec)
	return out, err
}

// applyDelta mirrors the backend: sales consume stock, returns restore it.
func (f *fakeRemote) applyDelta(entity string, rec map[string]any) {
	var sign int64
	switch entity {
	case EntityStockOuts:
		sign = -1
	case EntitySalesReturns:
		sign = 1
	default:
		return
	}
	ref, _ := rec["stockinId"].(string)
	qty := toInt(rec["quantity"])
	if stockin, ok := f.get(EntityStockIns, ref); ok {
		stockin["quantity"] = toInt(stockin["quantity"]) + sign*qty
	}
}

func (f *fakeRemote) Update(ctx context.Context, entity, id string, patch json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	rec, ok := f.get(entity, id)
	if !ok {
		return nil, ErrNotFound
	}
	var fields map[string]any
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		rec[k] = v
	}
	rec["id"] = id
	return json.Marshal(rec)
}

func (f *fakeRemote) Delete(ctx context.Context, entity, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.get(entity, id); !ok {
		return ErrNotFound
	}
	delete(f.records[entity], id)
	return nil
}

func (f *fakeRemote) ListAll(ctx context.Context, entity string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []json.RawMessage
	for _, id := range f.order[entity] {
		rec, ok := f.get(entity, id)
		if !ok {
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
