// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// mutationQueue translates UI-initiated create/update/delete calls into
// pending mutation rows and keeps the quantity overlays in step, all inside
// one store transaction per call. A record has at most one outstanding row
// per queue: later edits coalesce into the queued row instead of appending.
type mutationQueue struct {
	store    *Store
	ledger   *quantityLedger
	adapters map[string]EntityAdapter
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func newMutationQueue(store *Store, ledger *quantityLedger, adapters []EntityAdapter, logger *slog.Logger) *mutationQueue {
	byName := make(map[string]EntityAdapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &mutationQueue{
		store:    store,
		ledger:   ledger,
		adapters: byName,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

func (q *mutationQueue) adapter(entity string) (EntityAdapter, error) {
	a, ok := q.adapters[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return a, nil
}

// EnqueueAdd assigns a fresh local id, persists the record as a pending add
// and applies its quantity delta to the referenced stock-in's overlay.
func (q *mutationQueue) EnqueueAdd(ctx context.Context, entity string, payload json.RawMessage) (string, error) {
	adapter, err := q.adapter(entity)
	if err != nil {
		return "", err
	}

	localID := q.newID()
	createdAt := q.now().UTC()
	payload, err = setPayloadField(payload, "localId", localID)
	if err != nil {
		return "", err
	}
	if payloadTime(payload, "createdAt").IsZero() {
		payload, err = setPayloadField(payload, "createdAt", createdAt.Format(time.RFC3339Nano))
		if err != nil {
			return "", err
		}
	}

	err = q.store.Update(ctx, func(tx *Tx) error {
		ref, delta := adapter.QuantityDelta(payload)
		if err := q.ledger.Apply(ctx, tx, entity, ref, delta); err != nil {
			return err
		}
		return tx.Put(ctx, TableName(entity, TableOfflineAdd), localID, &PendingMutation{
			Op:        OpAdd,
			LocalID:   localID,
			Payload:   payload,
			CreatedAt: createdAt,
		})
	})
	if err != nil {
		return "", err
	}
	q.logger.Debug("queued add", "entity", entity, "localId", localID)
	return localID, nil
}

// EnqueueUpdate merges the patch into a still-pending add for the same local
// id, or persists/overwrites the single queued update for a synced record.
func (q *mutationQueue) EnqueueUpdate(ctx context.Context, entity, id string, patch json.RawMessage) error {
	adapter, err := q.adapter(entity)
	if err != nil {
		return err
	}

	return q.store.Update(ctx, func(tx *Tx) error {
		addTable := TableName(entity, TableOfflineAdd)
		var pendingAdd PendingMutation
		err := tx.Get(ctx, addTable, id, &pendingAdd)
		if err == nil {
			return q.mergeIntoPendingAdd(ctx, tx, adapter, addTable, &pendingAdd, patch)
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return err
		}

		serverID, err := q.resolveServerID(ctx, tx, entity, id)
		if err != nil {
			return err
		}
		allTable := TableName(entity, TableAll)
		var base map[string]any
		if err := tx.Get(ctx, allTable, serverID, &base); err != nil {
			return err
		}
		baseRaw, err := json.Marshal(base)
		if err != nil {
			return err
		}

		updateTable := TableName(entity, TableOfflineUpdate)
		prev := PendingMutation{Op: OpUpdate, ServerID: serverID, CreatedAt: q.now().UTC()}
		hadPrev := true
		if err := tx.Get(ctx, updateTable, serverID, &prev); err != nil {
			if !errors.Is(err, ErrKeyNotFound) {
				return err
			}
			hadPrev = false
		}

		newPatch := patch
		if hadPrev && len(prev.Payload) > 0 {
			if newPatch, err = mergeRaw(prev.Payload, patch); err != nil {
				return err
			}
		}

		// Overlay adjustment: difference between the new effective record
		// and whatever effect was already accounted for.
		effPrev := baseRaw
		if hadPrev && len(prev.Payload) > 0 {
			if effPrev, err = mergeRaw(baseRaw, prev.Payload); err != nil {
				return err
			}
		}
		effNew, err := mergeRaw(baseRaw, newPatch)
		if err != nil {
			return err
		}
		if err := q.applyDeltaDiff(ctx, tx, adapter, effPrev, effNew); err != nil {
			return err
		}

		prev.Payload = newPatch
		return tx.Put(ctx, updateTable, serverID, &prev)
	})
}

// EnqueueDelete removes any pending add/update for the id, queues a delete
// when the record already synced, and reverses the quantity delta the record
// was contributing.
func (q *mutationQueue) EnqueueDelete(ctx context.Context, entity, id string) error {
	adapter, err := q.adapter(entity)
	if err != nil {
		return err
	}

	return q.store.Update(ctx, func(tx *Tx) error {
		addTable := TableName(entity, TableOfflineAdd)
		var pendingAdd PendingMutation
		err := tx.Get(ctx, addTable, id, &pendingAdd)
		if err == nil {
			// Never reached the server: cancelling the add is the delete.
			ref, delta := adapter.QuantityDelta(pendingAdd.Payload)
			if err := q.ledger.Apply(ctx, tx, entity, ref, -delta); err != nil {
				return err
			}
			return tx.Delete(ctx, addTable, id)
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return err
		}

		serverID, err := q.resolveServerID(ctx, tx, entity, id)
		if err != nil {
			return err
		}
		allTable := TableName(entity, TableAll)
		var base map[string]any
		if err := tx.Get(ctx, allTable, serverID, &base); err != nil {
			return err
		}
		baseRaw, err := json.Marshal(base)
		if err != nil {
			return err
		}

		// Fold in a pending update before reversing, so we reverse what the
		// queue was actually contributing.
		updateTable := TableName(entity, TableOfflineUpdate)
		effective := baseRaw
		var pendingUpdate PendingMutation
		if err := tx.Get(ctx, updateTable, serverID, &pendingUpdate); err == nil {
			if effective, err = mergeRaw(baseRaw, pendingUpdate.Payload); err != nil {
				return err
			}
			if err := tx.Delete(ctx, updateTable, serverID); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrKeyNotFound) {
			return err
		}

		ref, delta := adapter.QuantityDelta(effective)
		if err := q.ledger.Apply(ctx, tx, entity, ref, -delta); err != nil {
			return err
		}

		return tx.Put(ctx, TableName(entity, TableOfflineDelete), serverID, &PendingMutation{
			Op:        OpDelete,
			ServerID:  serverID,
			Payload:   baseRaw,
			CreatedAt: q.now().UTC(),
		})
	})
}

// PendingCount sums the three offline queues across all entity types.
func (q *mutationQueue) PendingCount(ctx context.Context) (int, error) {
	total := 0
	for entity := range q.adapters {
		for _, kind := range []string{TableOfflineAdd, TableOfflineUpdate, TableOfflineDelete} {
			n, err := q.store.Count(ctx, TableName(entity, kind))
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}

// mergeIntoPendingAdd folds a patch into an unsynced record in place.
func (q *mutationQueue) mergeIntoPendingAdd(ctx context.Context, tx *Tx, adapter EntityAdapter, addTable string, pendingAdd *PendingMutation, patch json.RawMessage) error {
	merged, err := mergeRaw(pendingAdd.Payload, patch)
	if err != nil {
		return err
	}
	// The local id must survive any patch.
	if merged, err = setPayloadField(merged, "localId", pendingAdd.LocalID); err != nil {
		return err
	}
	if err := q.applyDeltaDiff(ctx, tx, adapter, pendingAdd.Payload, merged); err != nil {
		return err
	}
	if adapter.Name() == EntityStockIns {
		if merged, err = q.shiftOwnOverlay(pendingAdd.Payload, merged); err != nil {
			return err
		}
	}
	pendingAdd.Payload = merged
	return tx.Put(ctx, addTable, pendingAdd.LocalID, pendingAdd)
}

// shiftOwnOverlay keeps an unsynced stock-in's overlay consistent when its
// own quantity field is edited while sales are already queued against it.
func (q *mutationQueue) shiftOwnOverlay(before, after json.RawMessage) (json.RawMessage, error) {
	rec, err := decodeMap(after)
	if err != nil {
		return nil, err
	}
	overlay, ok := numericField(rec, "offlineQuantity")
	if !ok {
		return after, nil
	}
	oldQ := payloadInt(before, "quantity")
	newQ := payloadInt(after, "quantity")
	if oldQ == newQ {
		return after, nil
	}
	next := overlay + (newQ - oldQ)
	if next < 0 {
		localID, _ := rec["localId"].(string)
		return nil, &ValidationError{Entity: EntityStockIns, StockIn: localID, Have: overlay, Want: oldQ - newQ}
	}
	rec["offlineQuantity"] = next
	return json.Marshal(rec)
}

// applyDeltaDiff adjusts overlays by the difference between two versions of
// the same record, handling a changed stock-in reference as well.
func (q *mutationQueue) applyDeltaDiff(ctx context.Context, tx *Tx, adapter EntityAdapter, before, after json.RawMessage) error {
	refBefore, deltaBefore := adapter.QuantityDelta(before)
	refAfter, deltaAfter := adapter.QuantityDelta(after)
	entity := adapter.Name()
	if refBefore == refAfter {
		return q.ledger.Apply(ctx, tx, entity, refAfter, deltaAfter-deltaBefore)
	}
	// Reference moved: restore the old stock-in, charge the new one.
	if err := q.ledger.Apply(ctx, tx, entity, refBefore, -deltaBefore); err != nil {
		return err
	}
	return q.ledger.Apply(ctx, tx, entity, refAfter, deltaAfter)
}

// resolveServerID maps a possibly-provisional id to the server id.
func (q *mutationQueue) resolveServerID(ctx context.Context, tx *Tx, entity, id string) (string, error) {
	var mapping SyncMapping
	err := tx.Get(ctx, TableName(entity, TableSyncedIDs), id, &mapping)
	if err == nil {
		return mapping.ServerID, nil
	}
	if errors.Is(err, ErrKeyNotFound) {
		return id, nil
	}
	return "", err
}
