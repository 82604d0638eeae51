// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// quantityLedger maintains the offlineQuantity overlays on stock-in records.
// The overlay is the authoritative quantity adjusted by the net effect of
// every queued local mutation that consumes or restores it; the authoritative
// quantity itself is only ever replaced by server truth. There is exactly one
// lookup path for "current available quantity": the pending add for the
// stock-in if it exists, otherwise the reconciled record, with the overlay
// preferred over the authoritative value.
type quantityLedger struct {
	logger *slog.Logger
}

// stockInLocation is where a stock-in record currently lives.
type stockInLocation struct {
	table string
	key   string
	rec   map[string]any
}

// resolveStockIn finds the stock-in referenced by ref, which may be a
// provisional local id (unsynced stock-in), a server id, or a local id that
// has since been mapped to a server id.
func (l *quantityLedger) resolveStockIn(ctx context.Context, tx *Tx, ref string) (*stockInLocation, error) {
	addTable := TableName(EntityStockIns, TableOfflineAdd)
	var pending PendingMutation
	err := tx.Get(ctx, addTable, ref, &pending)
	if err == nil {
		rec, derr := decodeMap(pending.Payload)
		if derr != nil {
			return nil, derr
		}
		return &stockInLocation{table: addTable, key: ref, rec: rec}, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	allTable := TableName(EntityStockIns, TableAll)
	var rec map[string]any
	err = tx.Get(ctx, allTable, ref, &rec)
	if err == nil {
		return &stockInLocation{table: allTable, key: ref, rec: rec}, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	// The ref may be a local id whose record has synced since it was taken.
	var mapping SyncMapping
	err = tx.Get(ctx, TableName(EntityStockIns, TableSyncedIDs), ref, &mapping)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: stock-in %s", ErrKeyNotFound, ref)
		}
		return nil, err
	}
	if err := tx.Get(ctx, allTable, mapping.ServerID, &rec); err != nil {
		return nil, err
	}
	return &stockInLocation{table: allTable, key: mapping.ServerID, rec: rec}, nil
}

// availableQuantity prefers the overlay, falling back to the authoritative
// quantity when no local mutation touched the record yet.
func availableQuantity(rec map[string]any) int64 {
	if v, ok := numericField(rec, "offlineQuantity"); ok {
		return v
	}
	v, _ := numericField(rec, "quantity")
	return v
}

func numericField(rec map[string]any, field string) (int64, bool) {
	switch v := rec[field].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// saveStockIn writes the record back to wherever it was found, preserving
// the pending-mutation envelope for unsynced stock-ins.
func (l *quantityLedger) saveStockIn(ctx context.Context, tx *Tx, loc *stockInLocation) error {
	if loc.table == TableName(EntityStockIns, TableOfflineAdd) {
		var pending PendingMutation
		if err := tx.Get(ctx, loc.table, loc.key, &pending); err != nil {
			return err
		}
		payload, err := json.Marshal(loc.rec)
		if err != nil {
			return fmt.Errorf("failed to marshal stock-in payload: %w", err)
		}
		pending.Payload = payload
		return tx.Put(ctx, loc.table, loc.key, &pending)
	}
	return tx.Put(ctx, loc.table, loc.key, loc.rec)
}

// Apply adjusts the overlay of the referenced stock-in by delta, inside the
// same transaction as the mutation causing it. A delta that would drive the
// available quantity negative is rejected with ValidationError and nothing
// is written.
func (l *quantityLedger) Apply(ctx context.Context, tx *Tx, entity, ref string, delta int64) error {
	if ref == "" || delta == 0 {
		return nil
	}
	loc, err := l.resolveStockIn(ctx, tx, ref)
	if err != nil {
		return err
	}
	have := availableQuantity(loc.rec)
	next := have + delta
	if next < 0 {
		return &ValidationError{Entity: entity, StockIn: ref, Have: have, Want: -delta}
	}
	loc.rec["offlineQuantity"] = next
	return l.saveStockIn(ctx, tx, loc)
}

// ApplyClamped adjusts the overlay like Apply but floors at zero instead of
// rejecting. Used when undoing an evicted mutation's contribution: the stock
// it was holding may already have been consumed again, and eviction must not
// fail over it.
func (l *quantityLedger) ApplyClamped(ctx context.Context, tx *Tx, ref string, delta int64) error {
	if ref == "" || delta == 0 {
		return nil
	}
	loc, err := l.resolveStockIn(ctx, tx, ref)
	if errors.Is(err, ErrKeyNotFound) {
		// Referenced stock-in vanished; nothing to adjust.
		return nil
	}
	if err != nil {
		return err
	}
	next := availableQuantity(loc.rec) + delta
	if next < 0 {
		l.logger.Warn("overlay clamped at zero while reversing mutation", "stockin", ref, "delta", delta)
		next = 0
	}
	loc.rec["offlineQuantity"] = next
	return l.saveStockIn(ctx, tx, loc)
}

// Recompute rebuilds every overlay from scratch: authoritative quantity plus
// the net effect of all surviving pending mutations. Called after a
// reconciliation fetch replaced the stock-in collection, so that overlays
// converge to server truth once the queue drains.
func (l *quantityLedger) Recompute(ctx context.Context, tx *Tx, adapters []EntityAdapter) error {
	// Drop stale overlays first.
	allTable := TableName(EntityStockIns, TableAll)
	addTable := TableName(EntityStockIns, TableOfflineAdd)
	if err := l.clearOverlays(ctx, tx, allTable, false); err != nil {
		return err
	}
	if err := l.clearOverlays(ctx, tx, addTable, true); err != nil {
		return err
	}

	net := map[string]int64{}
	for _, adapter := range adapters {
		if err := l.accumulate(ctx, tx, adapter, net); err != nil {
			return err
		}
	}

	for ref, delta := range net {
		if delta == 0 {
			continue
		}
		loc, err := l.resolveStockIn(ctx, tx, ref)
		if errors.Is(err, ErrKeyNotFound) {
			// Referenced stock-in vanished from the server listing; the
			// mutation pointing at it will fail on its own at sync time.
			l.logger.Warn("pending mutation references missing stock-in", "stockin", ref)
			continue
		}
		if err != nil {
			return err
		}
		quantity, _ := numericField(loc.rec, "quantity")
		next := quantity + delta
		if next < 0 {
			// Server truth moved under us (another device sold the same
			// stock). Floor the overlay; the offending mutation will be
			// rejected server-side.
			l.logger.Warn("overlay would go negative after fetch; flooring at zero",
				"stockin", ref, "quantity", quantity, "delta", delta)
			next = 0
		}
		loc.rec["offlineQuantity"] = next
		if err := l.saveStockIn(ctx, tx, loc); err != nil {
			return err
		}
	}
	return nil
}

// accumulate folds one entity's three queues into the net delta map.
func (l *quantityLedger) accumulate(ctx context.Context, tx *Tx, adapter EntityAdapter, net map[string]int64) error {
	entity := adapter.Name()
	allTable := TableName(entity, TableAll)

	err := tx.Scan(ctx, TableName(entity, TableOfflineAdd), func(_ string, raw json.RawMessage) error {
		var m PendingMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		ref, delta := adapter.QuantityDelta(m.Payload)
		if ref != "" {
			net[ref] += delta
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = tx.Scan(ctx, TableName(entity, TableOfflineUpdate), func(_ string, raw json.RawMessage) error {
		var m PendingMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
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
		if ref, delta := adapter.QuantityDelta(effective); ref != "" {
			net[ref] += delta
		}
		if ref, delta := adapter.QuantityDelta(baseRaw); ref != "" {
			net[ref] -= delta
		}
		return nil
	})
	if err != nil {
		return err
	}

	return tx.Scan(ctx, TableName(entity, TableOfflineDelete), func(_ string, raw json.RawMessage) error {
		var m PendingMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		base := m.Payload
		var rec map[string]any
		if err := tx.Get(ctx, allTable, m.ServerID, &rec); err == nil {
			if baseRaw, merr := json.Marshal(rec); merr == nil {
				base = baseRaw
			}
		}
		if ref, delta := adapter.QuantityDelta(base); ref != "" {
			net[ref] -= delta
		}
		return nil
	})
}

func (l *quantityLedger) clearOverlays(ctx context.Context, tx *Tx, table string, envelope bool) error {
	type cleared struct {
		key   string
		value any
	}
	var updates []cleared
	err := tx.Scan(ctx, table, func(key string, raw json.RawMessage) error {
		if envelope {
			var m PendingMutation
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			rec, err := decodeMap(m.Payload)
			if err != nil {
				return err
			}
			if _, ok := rec["offlineQuantity"]; !ok {
				return nil
			}
			delete(rec, "offlineQuantity")
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			m.Payload = payload
			updates = append(updates, cleared{key: key, value: &m})
			return nil
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if _, ok := rec["offlineQuantity"]; !ok {
			return nil
		}
		delete(rec, "offlineQuantity")
		updates = append(updates, cleared{key: key, value: rec})
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := tx.Put(ctx, table, u.key, u.value); err != nil {
			return err
		}
	}
	return nil
}
