// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"fmt"
)

// fetchEntity pulls the server's current listing and replaces the reconciled
// table wholesale (last-writer-wins at collection granularity). In the same
// transaction it prunes sync mappings whose server id vanished. A stock-ins
// fetch additionally rebuilds every quantity overlay from the surviving
// queue; only that fetch carries fresh stock-in truth, so only it may drop
// an overlay.
func (o *orchestrator) fetchEntity(ctx context.Context, entity string, adapter EntityAdapter) (int, error) {
	listing, err := o.remote.ListAll(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("reconciliation fetch for %s failed: %w", entity, err)
	}

	allTable := TableName(entity, TableAll)
	mappingTable := TableName(entity, TableSyncedIDs)

	err = o.store.Update(ctx, func(tx *Tx) error {
		// Preserve the local-only fields (localId) of records we already
		// reconciled, so merged views keep recognizing them.
		localIDs := map[string]string{}
		err := tx.Scan(ctx, allTable, func(key string, raw json.RawMessage) error {
			if localID := payloadString(raw, "localId"); localID != "" {
				localIDs[key] = localID
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := tx.Clear(ctx, allTable); err != nil {
			return err
		}

		seen := map[string]bool{}
		for _, rec := range listing {
			serverID := payloadString(rec, "id")
			if serverID == "" {
				o.logger.Warn("server listing entry missing id; skipped", "entity", entity)
				continue
			}
			if localID, ok := localIDs[serverID]; ok {
				var perr error
				if rec, perr = setPayloadField(rec, "localId", localID); perr != nil {
					return perr
				}
			}
			if err := tx.Put(ctx, allTable, serverID, rec); err != nil {
				return err
			}
			seen[serverID] = true
		}

		// Mappings pointing at ids the server no longer lists are stale.
		var stale []string
		err = tx.Scan(ctx, mappingTable, func(key string, raw json.RawMessage) error {
			var mapping SyncMapping
			if err := json.Unmarshal(raw, &mapping); err != nil {
				return err
			}
			if !seen[mapping.ServerID] {
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := tx.Delete(ctx, mappingTable, key); err != nil {
				return err
			}
		}

		if entity == EntityStockIns {
			if err := o.ledger.Recompute(ctx, tx, o.ordered); err != nil {
				return err
			}
		}
		return tx.Put(ctx, metaTable, "last_fetch_"+entity, o.now().UTC())
	})
	if err != nil {
		return 0, err
	}
	return len(listing), nil
}
