// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// entityState serializes sync passes for one entity type. Instead of a
// global boolean flag, each type carries an explicit Idle/Running state and a
// waiter list: a caller requesting sync while a pass runs does not start a
// second one, it receives the in-flight pass's result.
type entityState struct {
	mu      sync.Mutex
	running bool
	waiters []chan SyncResult
}

// orchestrator drains the offline queues against the remote API, one entity
// type at a time, in the fixed order adds, updates, deletes, fetch.
type orchestrator struct {
	store   *Store
	remote  RemoteAPI
	ledger  *quantityLedger
	ordered []EntityAdapter
	byName  map[string]EntityAdapter
	policy  RetryPolicy
	cfg     *Config
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time

	states map[string]*entityState

	// processing guards against two orchestration paths submitting the same
	// pending add concurrently within a pass.
	processingMu sync.Mutex
	processing   map[string]struct{}

	syncing atomic.Int32
}

func newOrchestrator(store *Store, remote RemoteAPI, ledger *quantityLedger, adapters []EntityAdapter, cfg *Config, logger *slog.Logger, metrics Recorder) *orchestrator {
	o := &orchestrator{
		store:      store,
		remote:     remote,
		ledger:     ledger,
		ordered:    adapters,
		byName:     make(map[string]EntityAdapter, len(adapters)),
		policy:     RetryPolicy{MaxAttempts: cfg.MaxSyncAttempts},
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		states:     make(map[string]*entityState, len(adapters)),
		processing: make(map[string]struct{}),
	}
	for _, a := range adapters {
		o.byName[a.Name()] = a
		o.states[a.Name()] = &entityState{}
	}
	return o
}

// IsSyncing reports whether any entity pass is currently in flight.
func (o *orchestrator) IsSyncing() bool { return o.syncing.Load() > 0 }

// SyncEntity runs (or joins) the sync pass for one entity type. A pass in
// flight cannot be cancelled; a joining caller that gives up via ctx still
// leaves the pass running to completion.
func (o *orchestrator) SyncEntity(ctx context.Context, entity string) SyncResult {
	adapter, ok := o.byName[entity]
	if !ok {
		return SyncResult{Entity: entity, Err: fmt.Errorf("%w: %s", ErrUnknownEntity, entity)}
	}
	st := o.states[entity]

	st.mu.Lock()
	if st.running {
		ch := make(chan SyncResult, 1)
		st.waiters = append(st.waiters, ch)
		st.mu.Unlock()
		select {
		case res := <-ch:
			return res
		case <-ctx.Done():
			return SyncResult{Entity: entity, Err: ctx.Err()}
		}
	}
	st.running = true
	st.mu.Unlock()

	o.syncing.Add(1)
	res := o.runPass(ctx, entity, adapter)
	o.syncing.Add(-1)

	if err := o.store.Put(ctx, metaTable, "last_sync_at", o.now().UTC()); err != nil {
		o.logger.Warn("failed to record last sync time", "error", err)
	}
	if o.metrics != nil {
		o.metrics.SyncPass(entity, res)
	}

	st.mu.Lock()
	st.running = false
	waiters := st.waiters
	st.waiters = nil
	st.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}
	return res
}

// runPass executes the fixed add/update/delete/fetch sequence.
func (o *orchestrator) runPass(ctx context.Context, entity string, adapter EntityAdapter) SyncResult {
	res := SyncResult{Entity: entity}
	o.syncAdds(ctx, entity, adapter, &res)
	o.syncUpdates(ctx, entity, adapter, &res)
	o.syncDeletes(ctx, entity, adapter, &res)

	// A drained quantity-bearing mutation moved its effect into server truth;
	// the stock-ins listing is stale until refetched, so force that fetch.
	if res.deltaDrained && entity != EntityStockIns {
		o.markStockInsStale(ctx)
	}

	progress := res.Applied > 0 || res.Skipped > 0
	if progress || o.fetchDue(ctx, entity) {
		fetched, err := o.fetchEntity(ctx, entity, adapter)
		res.Fetched = fetched
		if err != nil && res.Err == nil {
			res.Err = err
		}
	}
	o.logger.Info("sync pass finished", "entity", entity,
		"applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed,
		"evicted", res.Evicted, "fetched", res.Fetched, "error", res.Err)
	return res
}

// loadQueue snapshots one queue table in enqueue order. Network calls happen
// against this snapshot, outside any store transaction.
func (o *orchestrator) loadQueue(ctx context.Context, table string) ([]PendingMutation, error) {
	var pending []PendingMutation
	err := o.store.Scan(ctx, table, func(_ string, raw json.RawMessage) error {
		var m PendingMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("failed to decode pending mutation: %w", err)
		}
		pending = append(pending, m)
		return nil
	})
	return pending, err
}

func (o *orchestrator) syncAdds(ctx context.Context, entity string, adapter EntityAdapter, res *SyncResult) {
	addTable := TableName(entity, TableOfflineAdd)
	pending, err := o.loadQueue(ctx, addTable)
	if err != nil {
		res.Err = err
		return
	}

	for i := range pending {
		m := pending[i]
		if !o.acquire(entity + "/" + m.LocalID) {
			continue // another path is already submitting this add
		}
		err := o.syncOneAdd(ctx, entity, adapter, addTable, &m, res)
		o.release(entity + "/" + m.LocalID)
		if err != nil {
			res.Err = err
			return
		}
	}
}

func (o *orchestrator) syncOneAdd(ctx context.Context, entity string, adapter EntityAdapter, addTable string, m *PendingMutation, res *SyncResult) error {
	// A mapping means a previous pass crashed after acknowledgement but
	// before cleanup: the server already has this record.
	var mapping SyncMapping
	err := o.store.Get(ctx, TableName(entity, TableSyncedIDs), m.LocalID, &mapping)
	if err == nil {
		if derr := o.store.Delete(ctx, addTable, m.LocalID); derr != nil {
			return derr
		}
		res.Skipped++
		o.noteDrainedDelta(adapter, m.Payload, res)
		o.logger.Debug("dropped already-acknowledged add", "entity", entity, "localId", m.LocalID)
		return nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	// Content duplicate: an equivalent reconciled record stamped within the
	// window means the user submitted the same sale twice.
	dup, err := o.isContentDuplicate(ctx, entity, adapter, m)
	if err != nil {
		return err
	}
	if dup {
		if derr := o.store.Delete(ctx, addTable, m.LocalID); derr != nil {
			return derr
		}
		res.Skipped++
		o.noteDrainedDelta(adapter, m.Payload, res)
		o.logger.Info("dropped duplicate submission", "entity", entity, "localId", m.LocalID)
		return nil
	}

	payload, err := o.prepareForUpload(ctx, m.Payload)
	if err != nil {
		return err
	}
	refID, _ := adapter.QuantityDelta(payload)
	key := IdempotencyKey(m.LocalID, m.CreatedAt, refID, payloadInt(payload, "quantity"))

	remoteRec, err := o.remote.Create(ctx, entity, payload, key)
	if errors.Is(err, ErrConflict) {
		// Server already holds an equivalent record. The fetch pass at the
		// end of this pass materializes it locally.
		if derr := o.store.Delete(ctx, addTable, m.LocalID); derr != nil {
			return derr
		}
		res.Skipped++
		o.noteDrainedDelta(adapter, m.Payload, res)
		return nil
	}
	if err != nil {
		o.recordFailure(ctx, entity, adapter, addTable, m, err, res)
		return nil
	}

	serverID := payloadString(remoteRec, "id")
	if serverID == "" {
		o.recordFailure(ctx, entity, adapter, addTable, m, fmt.Errorf("server record missing id"), res)
		return nil
	}
	reconciled, err := adapter.Reconcile(m.Payload, remoteRec)
	if err != nil {
		return err
	}

	// Promote, map and dequeue atomically so a crash cannot leave a record
	// half-synced.
	err = o.store.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, TableName(entity, TableAll), serverID, reconciled); err != nil {
			return err
		}
		if err := tx.Put(ctx, TableName(entity, TableSyncedIDs), m.LocalID, &SyncMapping{
			LocalID:  m.LocalID,
			ServerID: serverID,
			SyncedAt: o.now().UTC(),
		}); err != nil {
			return err
		}
		return tx.Delete(ctx, addTable, m.LocalID)
	})
	if err != nil {
		return err
	}
	res.Applied++
	o.noteDrainedDelta(adapter, m.Payload, res)
	if o.metrics != nil {
		o.metrics.MutationSynced(entity, OpAdd)
	}
	return nil
}

// noteDrainedDelta flags the pass when a dequeued mutation carried a stock
// quantity effect.
func (o *orchestrator) noteDrainedDelta(adapter EntityAdapter, payload json.RawMessage, res *SyncResult) {
	if ref, delta := adapter.QuantityDelta(payload); ref != "" && delta != 0 {
		res.deltaDrained = true
	}
}

// markStockInsStale invalidates the stock-ins fetch stamp so the next
// stock-ins pass pulls fresh quantities and rebuilds the overlays.
func (o *orchestrator) markStockInsStale(ctx context.Context) {
	if err := o.store.Delete(ctx, metaTable, "last_fetch_"+EntityStockIns); err != nil {
		o.logger.Warn("failed to invalidate stock-ins fetch stamp", "error", err)
	}
}

func (o *orchestrator) syncUpdates(ctx context.Context, entity string, adapter EntityAdapter, res *SyncResult) {
	if res.Err != nil {
		return
	}
	updateTable := TableName(entity, TableOfflineUpdate)
	pending, err := o.loadQueue(ctx, updateTable)
	if err != nil {
		res.Err = err
		return
	}
	allTable := TableName(entity, TableAll)

	for i := range pending {
		m := pending[i]
		effective := o.effectivePayload(ctx, allTable, &m)
		remoteRec, err := o.remote.Update(ctx, entity, m.ServerID, m.Payload)
		switch {
		case errors.Is(err, ErrConflict):
			// The same patch was already applied; server truth arrives with
			// the fetch pass.
			if derr := o.store.Delete(ctx, updateTable, m.ServerID); derr != nil {
				res.Err = derr
				return
			}
			res.Skipped++
			o.noteDrainedDelta(adapter, effective, res)
		case errors.Is(err, ErrNotFound):
			// Record vanished server-side; the queued patch has nothing to
			// apply to anymore.
			derr := o.store.Update(ctx, func(tx *Tx) error {
				if err := tx.Delete(ctx, allTable, m.ServerID); err != nil {
					return err
				}
				return tx.Delete(ctx, updateTable, m.ServerID)
			})
			if derr != nil {
				res.Err = derr
				return
			}
			res.Skipped++
			o.noteDrainedDelta(adapter, effective, res)
			o.logger.Info("dropped update for record deleted on server", "entity", entity, "serverId", m.ServerID)
		case err != nil:
			o.recordFailure(ctx, entity, adapter, updateTable, &m, err, res)
		default:
			var local json.RawMessage
			var base map[string]any
			if gerr := o.store.Get(ctx, allTable, m.ServerID, &base); gerr == nil {
				if baseRaw, merr := json.Marshal(base); merr == nil {
					local, _ = mergeRaw(baseRaw, m.Payload)
				}
			}
			if local == nil {
				local = m.Payload
			}
			reconciled, rerr := adapter.Reconcile(local, remoteRec)
			if rerr != nil {
				res.Err = rerr
				return
			}
			derr := o.store.Update(ctx, func(tx *Tx) error {
				if err := tx.Put(ctx, allTable, m.ServerID, reconciled); err != nil {
					return err
				}
				return tx.Delete(ctx, updateTable, m.ServerID)
			})
			if derr != nil {
				res.Err = derr
				return
			}
			res.Applied++
			o.noteDrainedDelta(adapter, effective, res)
			if o.metrics != nil {
				o.metrics.MutationSynced(entity, OpUpdate)
			}
		}
	}
}

// effectivePayload folds a queued patch over its reconciled base, so delta
// inspection sees the full record the patch produces. Falls back to the bare
// payload when no base exists.
func (o *orchestrator) effectivePayload(ctx context.Context, allTable string, m *PendingMutation) json.RawMessage {
	var base map[string]any
	if err := o.store.Get(ctx, allTable, m.ServerID, &base); err != nil {
		return m.Payload
	}
	baseRaw, err := json.Marshal(base)
	if err != nil {
		return m.Payload
	}
	merged, err := mergeRaw(baseRaw, m.Payload)
	if err != nil {
		return m.Payload
	}
	return merged
}

func (o *orchestrator) syncDeletes(ctx context.Context, entity string, adapter EntityAdapter, res *SyncResult) {
	if res.Err != nil {
		return
	}
	deleteTable := TableName(entity, TableOfflineDelete)
	pending, err := o.loadQueue(ctx, deleteTable)
	if err != nil {
		res.Err = err
		return
	}

	for i := range pending {
		m := pending[i]
		err := o.remote.Delete(ctx, entity, m.ServerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			o.recordFailure(ctx, entity, adapter, deleteTable, &m, err, res)
			continue
		}
		// 404 means already gone: the delete is idempotent.
		derr := o.store.Update(ctx, func(tx *Tx) error {
			if err := tx.Delete(ctx, TableName(entity, TableAll), m.ServerID); err != nil {
				return err
			}
			if err := tx.Delete(ctx, deleteTable, m.ServerID); err != nil {
				return err
			}
			return o.pruneMappingsFor(ctx, tx, entity, m.ServerID)
		})
		if derr != nil {
			res.Err = derr
			return
		}
		res.Applied++
		o.noteDrainedDelta(adapter, m.Payload, res)
		if o.metrics != nil {
			o.metrics.MutationSynced(entity, OpDelete)
		}
	}
}

// pruneMappingsFor drops sync mappings pointing at a server id that no
// longer exists.
func (o *orchestrator) pruneMappingsFor(ctx context.Context, tx *Tx, entity, serverID string) error {
	table := TableName(entity, TableSyncedIDs)
	var stale []string
	err := tx.Scan(ctx, table, func(key string, raw json.RawMessage) error {
		var mapping SyncMapping
		if err := json.Unmarshal(raw, &mapping); err != nil {
			return err
		}
		if mapping.ServerID == serverID {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := tx.Delete(ctx, table, key); err != nil {
			return err
		}
	}
	return nil
}

// recordFailure applies the retry policy to a failed mutation: persist the
// bumped counter, or evict once the budget is spent.
func (o *orchestrator) recordFailure(ctx context.Context, entity string, adapter EntityAdapter, table string, m *PendingMutation, cause error, res *SyncResult) {
	evict := o.policy.RecordFailure(m, o.now().UTC(), cause)
	if !evict {
		if err := o.store.Put(ctx, table, m.Key(), m); err != nil {
			o.logger.Error("failed to persist retry bookkeeping", "entity", entity, "key", m.Key(), "error", err)
		}
		res.Failed++
		o.logger.Warn("sync attempt failed", "entity", entity, "op", m.Op, "key", m.Key(),
			"attempt", m.RetryCount, "error", cause)
		return
	}
	if err := o.evictMutation(ctx, adapter, table, m); err != nil {
		o.logger.Error("failed to evict mutation", "entity", entity, "key", m.Key(), "error", err)
		return
	}
	res.Evicted++
	if o.metrics != nil {
		o.metrics.MutationEvicted(entity, m.Op)
	}
	perm := &PermanentSyncError{Entity: entity, Key: m.Key(), Op: m.Op, Attempts: m.RetryCount, LastErr: m.SyncError}
	o.logger.Error("mutation abandoned", "entity", entity, "op", m.Op, "key", m.Key(), "error", perm)
}

// evictMutation removes a mutation and undoes its quantity contribution in
// one transaction, so an abandoned sale stops holding stock.
func (o *orchestrator) evictMutation(ctx context.Context, adapter EntityAdapter, table string, m *PendingMutation) error {
	return o.store.Update(ctx, func(tx *Tx) error {
		if err := o.reverseContribution(ctx, tx, adapter, m); err != nil {
			return err
		}
		return tx.Delete(ctx, table, m.Key())
	})
}

// reverseContribution applies the inverse of the overlay effect the queued
// mutation was holding. Clamped: the stock may have moved since.
func (o *orchestrator) reverseContribution(ctx context.Context, tx *Tx, adapter EntityAdapter, m *PendingMutation) error {
	entity := adapter.Name()
	allTable := TableName(entity, TableAll)
	switch m.Op {
	case OpAdd:
		ref, delta := adapter.QuantityDelta(m.Payload)
		return o.ledger.ApplyClamped(ctx, tx, ref, -delta)
	case OpUpdate:
		var base map[string]any
		if err := tx.Get(ctx, allTable, m.ServerID, &base); err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return nil
			}
			return err
		}
		baseRaw, err := json.Marshal(base)
		if err != nil {
			return err
		}
		effective, err := mergeRaw(baseRaw, m.Payload)
		if err != nil {
			return err
		}
		refEff, deltaEff := adapter.QuantityDelta(effective)
		refBase, deltaBase := adapter.QuantityDelta(baseRaw)
		if refEff == refBase {
			return o.ledger.ApplyClamped(ctx, tx, refEff, deltaBase-deltaEff)
		}
		if err := o.ledger.ApplyClamped(ctx, tx, refEff, -deltaEff); err != nil {
			return err
		}
		return o.ledger.ApplyClamped(ctx, tx, refBase, deltaBase)
	case OpDelete:
		// Enqueueing the delete restored the record's effect; abandoning the
		// delete re-applies it.
		base := m.Payload
		var rec map[string]any
		if err := tx.Get(ctx, allTable, m.ServerID, &rec); err == nil {
			if raw, merr := json.Marshal(rec); merr == nil {
				base = raw
			}
		}
		ref, delta := adapter.QuantityDelta(base)
		return o.ledger.ApplyClamped(ctx, tx, ref, delta)
	}
	return nil
}

// isContentDuplicate scans the reconciled table for a record with the same
// duplicate signature stamped within the configured window.
func (o *orchestrator) isContentDuplicate(ctx context.Context, entity string, adapter EntityAdapter, m *PendingMutation) (bool, error) {
	sig := adapter.DuplicateSignature(m.Payload)
	if sig == "" {
		return false, nil
	}
	window := o.cfg.DuplicateWindow
	dup := false
	err := o.store.Scan(ctx, TableName(entity, TableAll), func(_ string, raw json.RawMessage) error {
		if dup {
			return nil
		}
		if adapter.DuplicateSignature(raw) != sig {
			return nil
		}
		stamped := payloadTime(raw, "createdAt")
		if stamped.IsZero() {
			return nil
		}
		diff := m.CreatedAt.Sub(stamped)
		if diff < 0 {
			diff = -diff
		}
		if diff <= window {
			dup = true
		}
		return nil
	})
	return dup, err
}

// prepareForUpload rewrites provisional references to server ids (the
// referenced record may have synced earlier in this pass) and strips the
// local-only overlay.
func (o *orchestrator) prepareForUpload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	refFields := map[string]string{
		"stockinId":  EntityStockIns,
		"stockoutId": EntityStockOuts,
	}
	for field, refEntity := range refFields {
		ref := payloadString(payload, field)
		if ref == "" {
			continue
		}
		var mapping SyncMapping
		err := o.store.Get(ctx, TableName(refEntity, TableSyncedIDs), ref, &mapping)
		if err == nil {
			var perr error
			if payload, perr = setPayloadField(payload, field, mapping.ServerID); perr != nil {
				return nil, perr
			}
			continue
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	return dropPayloadField(payload, "offlineQuantity")
}

// fetchDue reports whether the reconciliation fetch is stale for entity.
func (o *orchestrator) fetchDue(ctx context.Context, entity string) bool {
	var last time.Time
	err := o.store.Get(ctx, metaTable, "last_fetch_"+entity, &last)
	if err != nil {
		return true
	}
	return o.now().Sub(last) > o.cfg.FetchStaleAfter
}

// acquire marks a pending add as in flight; false means some other path owns it.
func (o *orchestrator) acquire(key string) bool {
	o.processingMu.Lock()
	defer o.processingMu.Unlock()
	if _, busy := o.processing[key]; busy {
		return false
	}
	o.processing[key] = struct{}{}
	return true
}

func (o *orchestrator) release(key string) {
	o.processingMu.Lock()
	defer o.processingMu.Unlock()
	delete(o.processing, key)
}

// EvictExhausted is the periodic cleanup sweep: it removes mutations that
// exceeded their retry budget but were never evicted inline (e.g. the engine
// restarted between passes). Returns the number of mutations dropped.
func (o *orchestrator) EvictExhausted(ctx context.Context) (int, error) {
	dropped := 0
	for _, adapter := range o.ordered {
		entity := adapter.Name()
		for _, kind := range []string{TableOfflineAdd, TableOfflineUpdate, TableOfflineDelete} {
			table := TableName(entity, kind)
			pending, err := o.loadQueue(ctx, table)
			if err != nil {
				return dropped, err
			}
			for i := range pending {
				m := pending[i]
				if !o.policy.Exhausted(&m) {
					continue
				}
				if err := o.evictMutation(ctx, adapter, table, &m); err != nil {
					return dropped, err
				}
				dropped++
				if o.metrics != nil {
					o.metrics.MutationEvicted(entity, m.Op)
				}
				perm := &PermanentSyncError{Entity: entity, Key: m.Key(), Op: m.Op, Attempts: m.RetryCount, LastErr: m.SyncError}
				o.logger.Error("cleanup evicted mutation", "entity", entity, "op", m.Op, "key", m.Key(), "error", perm)
			}
		}
	}
	return dropped, nil
}
