// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

// Package possync is the offline-first synchronization engine behind the
// point-of-sale application. Sales, returns and stock adjustments are created
// and edited while disconnected, persisted in an embedded SQLite store, and
// reconciled exactly-once against the authoritative server when connectivity
// resumes. A transaction recorded offline is never lost and never submitted
// twice, and stock quantities stay consistent throughout.
package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Engine is the surface UI collaborators talk to: synchronous local
// admission of mutations, asynchronous eventual sync.
type Engine struct {
	cfg      *Config
	store    *Store
	remote   RemoteAPI
	ledger   *quantityLedger
	queue    *mutationQueue
	orch     *orchestrator
	adapters []EntityAdapter
	logger   *slog.Logger
	metrics  Recorder

	monitorMu sync.Mutex
	monitor   *Monitor
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) { e.metrics = rec }
}

// WithAdapters replaces the default POS entity adapters.
func WithAdapters(adapters []EntityAdapter) Option {
	return func(e *Engine) { e.adapters = adapters }
}

// New builds the engine on an initialized store and a remote API client.
// The store must have been created with tables for every adapter entity.
func New(store *Store, remote RemoteAPI, cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		adapters: DefaultAdapters(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, adapter := range e.adapters {
		if err := store.checkTable(TableName(adapter.Name(), TableAll)); err != nil {
			return nil, fmt.Errorf("store missing tables for entity %s: %w", adapter.Name(), err)
		}
	}
	e.ledger = &quantityLedger{logger: e.logger}
	e.queue = newMutationQueue(store, e.ledger, e.adapters, e.logger)
	e.orch = newOrchestrator(store, remote, e.ledger, e.adapters, cfg, e.logger, e.metrics)
	return e, nil
}

// SubmitCreate admits a new record locally and returns its provisional local
// id. The record reaches the server on the next sync pass.
func (e *Engine) SubmitCreate(ctx context.Context, entity string, payload json.RawMessage) (string, error) {
	return e.queue.EnqueueAdd(ctx, entity, payload)
}

// SubmitUpdate admits a patch against a record identified by either its
// local or server id.
func (e *Engine) SubmitUpdate(ctx context.Context, entity, id string, patch json.RawMessage) error {
	return e.queue.EnqueueUpdate(ctx, entity, id, patch)
}

// SubmitDelete admits a deletion, cancelling still-unsynced work for the
// record and restoring any quantity it consumed.
func (e *Engine) SubmitDelete(ctx context.Context, entity, id string) error {
	return e.queue.EnqueueDelete(ctx, entity, id)
}

// SyncEntity runs (or joins) the sync pass for a single entity type.
func (e *Engine) SyncEntity(ctx context.Context, entity string) SyncResult {
	return e.orch.SyncEntity(ctx, entity)
}

// TriggerSync drains every entity type. Different entity types sync
// concurrently with each other; two passes of the same type never do.
func (e *Engine) TriggerSync(ctx context.Context) SyncReport {
	results := make([]SyncResult, len(e.adapters))
	var wg sync.WaitGroup
	for i, adapter := range e.adapters {
		wg.Add(1)
		go func(i int, entity string) {
			defer wg.Done()
			results[i] = e.orch.SyncEntity(ctx, entity)
		}(i, adapter.Name())
	}
	wg.Wait()

	if e.metrics != nil {
		if n, err := e.queue.PendingCount(ctx); err == nil {
			e.metrics.PendingDepth(n)
		}
	}
	return SyncReport{Results: results}
}

// Status reports the indicator surface: queue depth, last sync time, and
// whether a pass is in flight. Without an attached monitor the engine
// assumes connectivity.
func (e *Engine) Status(ctx context.Context) (SyncStatus, error) {
	status := SyncStatus{IsSyncing: e.orch.IsSyncing(), IsOnline: true}

	n, err := e.queue.PendingCount(ctx)
	if err != nil {
		return status, err
	}
	status.PendingCount = n

	if err := e.store.Get(ctx, metaTable, "last_sync_at", &status.LastSyncAt); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return status, err
	}

	e.monitorMu.Lock()
	if e.monitor != nil {
		status.IsOnline = e.monitor.Online()
	}
	e.monitorMu.Unlock()
	return status, nil
}

// ReadReconciled returns the merged view of an entity: the reconciled table
// with pending updates overlaid, pending adds appended, and pending deletes
// excluded. A nil filter returns everything.
func (e *Engine) ReadReconciled(ctx context.Context, entity string, filter func(json.RawMessage) bool) ([]json.RawMessage, error) {
	if _, ok := e.orch.byName[entity]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	deleted := map[string]bool{}
	err := e.store.Scan(ctx, TableName(entity, TableOfflineDelete), func(key string, _ json.RawMessage) error {
		deleted[key] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	patches := map[string]json.RawMessage{}
	err = e.store.Scan(ctx, TableName(entity, TableOfflineUpdate), func(key string, raw json.RawMessage) error {
		var m PendingMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		patches[key] = m.Payload
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []json.RawMessage
	err = e.store.Scan(ctx, TableName(entity, TableAll), func(key string, raw json.RawMessage) error {
		if deleted[key] {
			return nil
		}
		rec := raw
		if patch, ok := patches[key]; ok {
			merged, merr := mergeRaw(raw, patch)
			if merr != nil {
				return merr
			}
			rec = merged
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.store.Scan(ctx, TableName(entity, TableOfflineAdd), func(_ string, raw json.RawMessage) error {
		var m PendingMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if filter == nil || filter(m.Payload) {
			out = append(out, m.Payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EvictExhausted removes mutations whose retry budget is already spent.
// Exposed for the monitor's cleanup sweep and for operator tooling.
func (e *Engine) EvictExhausted(ctx context.Context) (int, error) {
	return e.orch.EvictExhausted(ctx)
}

// Store exposes the underlying durable store (read paths for tooling).
func (e *Engine) Store() *Store { return e.store }

func (e *Engine) attachMonitor(m *Monitor) {
	e.monitorMu.Lock()
	e.monitor = m
	e.monitorMu.Unlock()
}
