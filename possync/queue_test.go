// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAddAppliesOverlay(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)

	localID, err := engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload("si-1", 3))
	require.NoError(t, err)
	require.NotEmpty(t, localID)

	rec := getStockInAll(t, store, "si-1")
	assert.Equal(t, float64(7), rec["offlineQuantity"])
	assert.Equal(t, float64(10), rec["quantity"], "authoritative quantity must never be mutated locally")

	var m PendingMutation
	require.NoError(t, store.Get(ctx, TableName(EntityStockOuts, TableOfflineAdd), localID, &m))
	assert.Equal(t, OpAdd, m.Op)
	assert.Equal(t, localID, payloadString(m.Payload, "localId"))
	assert.False(t, payloadTime(m.Payload, "createdAt").IsZero())
}

func TestEnqueueAddRejectsOversell(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)

	_, err := engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload("si-1", 11))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(10), verr.Have)
	assert.Equal(t, int64(11), verr.Want)

	// Rejection must leave no trace: no queued row, no overlay.
	assert.Equal(t, 0, queueCount(t, store, EntityStockOuts, TableOfflineAdd))
	rec := getStockInAll(t, store, "si-1")
	_, hasOverlay := rec["offlineQuantity"]
	assert.False(t, hasOverlay)
}

func TestEnqueueAddValidatesAgainstOverlay(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)

	_, err := engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload("si-1", 7))
	require.NoError(t, err)

	// Only 3 left after the first queued sale.
	_, err = engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload("si-1", 4))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(3), verr.Have)
}

func TestEnqueueAddAgainstUnsyncedStockIn(t *testing.T) {
	engine, _, store := newTestEngine(t)
	ctx := context.Background()

	siLocal, err := engine.SubmitCreate(ctx, EntityStockIns, json.RawMessage(`{"productId":"p-1","quantity":5}`))
	require.NoError(t, err)

	_, err = engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload(siLocal, 2))
	require.NoError(t, err)

	var m PendingMutation
	require.NoError(t, store.Get(ctx, TableName(EntityStockIns, TableOfflineAdd), siLocal, &m))
	assert.Equal(t, int64(3), payloadInt(m.Payload, "offlineQuantity"))
}

func TestEnqueueUpdateMergesIntoPendingAdd(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)

	localID, err := engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload("si-1", 3))
	require.NoError(t, err)

	require.NoError(t, engine.SubmitUpdate(ctx, EntityStockOuts, localID, json.RawMessage(`{"quantity":5}`)))

	// Editing an unsynced record must not spawn an update row.
	assert.Equal(t, 1, queueCount(t, store, EntityStockOuts, TableOfflineAdd))
	assert.Equal(t, 0, queueCount(t, store, EntityStockOuts, TableOfflineUpdate))

	var m PendingMutation
	require.NoError(t, store.Get(ctx, TableName(EntityStockOuts, TableOfflineAdd), localID, &m))
	assert.Equal(t, int64(5), payloadInt(m.Payload, "quantity"))
	assert.Equal(t, localID, payloadString(m.Payload, "localId"))
	assert.Equal(t, "Alice", payloadString(m.Payload, "clientName"))

	rec := getStockInAll(t, store, "si-1")
	assert.Equal(t, float64(5), rec["offlineQuantity"])
}

func TestEnqueueUpdateCoalesces(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)
	require.NoError(t, store.Put(ctx, TableName(EntityStockOuts, TableAll), "so-1",
		map[string]any{"id": "so-1", "stockinId": "si-1", "quantity": 3, "clientName": "Alice"}))

	require.NoError(t, engine.SubmitUpdate(ctx, EntityStockOuts, "so-1", json.RawMessage(`{"quantity":5}`)))
	require.NoError(t, engine.SubmitUpdate(ctx, EntityStockOuts, "so-1", json.RawMessage(`{"clientName":"Bob"}`)))

	assert.Equal(t, 1, queueCount(t, store, EntityStockOuts, TableOfflineUpdate))

	var m PendingMutation
	require.NoError(t, store.Get(ctx, TableName(EntityStockOuts, TableOfflineUpdate), "so-1", &m))
	assert.Equal(t, OpUpdate, m.Op)
	assert.Equal(t, int64(5), payloadInt(m.Payload, "quantity"))
	assert.Equal(t, "Bob", payloadString(m.Payload, "clientName"))

	// Server truth already accounts for the original sale of 3, so raising it
	// to 5 consumes 2 more.
	rec := getStockInAll(t, store, "si-1")
	assert.Equal(t, float64(8), rec["offlineQuantity"])
}

func TestEnqueueDeleteCancelsPendingAdd(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)

	localID, err := engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload("si-1", 3))
	require.NoError(t, err)

	require.NoError(t, engine.SubmitDelete(ctx, EntityStockOuts, localID))

	// The add never reached the server, so no delete needs to either.
	assert.Equal(t, 0, queueCount(t, store, EntityStockOuts, TableOfflineAdd))
	assert.Equal(t, 0, queueCount(t, store, EntityStockOuts, TableOfflineDelete))

	rec := getStockInAll(t, store, "si-1")
	assert.Equal(t, float64(10), rec["offlineQuantity"])
}

func TestEnqueueDeleteSyncedRecordRestoresQuantity(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 7)
	require.NoError(t, store.Put(ctx, TableName(EntityStockOuts, TableAll), "so-1",
		map[string]any{"id": "so-1", "stockinId": "si-1", "quantity": 3}))

	require.NoError(t, engine.SubmitDelete(ctx, EntityStockOuts, "so-1"))

	var m PendingMutation
	require.NoError(t, store.Get(ctx, TableName(EntityStockOuts, TableOfflineDelete), "so-1", &m))
	assert.Equal(t, OpDelete, m.Op)
	assert.Equal(t, "so-1", m.ServerID)

	rec := getStockInAll(t, store, "si-1")
	assert.Equal(t, float64(10), rec["offlineQuantity"])
}

func TestEnqueueDeleteFoldsPendingUpdate(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 7)
	require.NoError(t, store.Put(ctx, TableName(EntityStockOuts, TableAll), "so-1",
		map[string]any{"id": "so-1", "stockinId": "si-1", "quantity": 3}))

	require.NoError(t, engine.SubmitUpdate(ctx, EntityStockOuts, "so-1", json.RawMessage(`{"quantity":5}`)))
	require.NoError(t, engine.SubmitDelete(ctx, EntityStockOuts, "so-1"))

	assert.Equal(t, 0, queueCount(t, store, EntityStockOuts, TableOfflineUpdate))
	assert.Equal(t, 1, queueCount(t, store, EntityStockOuts, TableOfflineDelete))

	// Update consumed 2 extra (7->5), delete restores the effective 5: net +3
	// over the seeded 7.
	rec := getStockInAll(t, store, "si-1")
	assert.Equal(t, float64(10), rec["offlineQuantity"])
}

func TestEnqueueUpdateByLocalIDAfterSync(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)
	require.NoError(t, store.Put(ctx, TableName(EntityStockOuts, TableAll), "srv-9",
		map[string]any{"id": "srv-9", "stockinId": "si-1", "quantity": 3}))
	require.NoError(t, store.Put(ctx, TableName(EntityStockOuts, TableSyncedIDs), "loc-9",
		&SyncMapping{LocalID: "loc-9", ServerID: "srv-9"}))

	// Callers may keep using the provisional id after the record synced.
	require.NoError(t, engine.SubmitUpdate(ctx, EntityStockOuts, "loc-9", json.RawMessage(`{"quantity":4}`)))

	var m PendingMutation
	require.NoError(t, store.Get(ctx, TableName(EntityStockOuts, TableOfflineUpdate), "srv-9", &m))
	assert.Equal(t, "srv-9", m.ServerID)
}

func TestSalesReturnRestoresQuantity(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 7)

	_, err := engine.SubmitCreate(ctx, EntitySalesReturns,
		json.RawMessage(`{"stockoutId":"so-1","stockinId":"si-1","quantity":2,"reason":"damaged"}`))
	require.NoError(t, err)

	rec := getStockInAll(t, store, "si-1")
	assert.Equal(t, float64(9), rec["offlineQuantity"])
}

func TestBackOrderCarriesNoDelta(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)

	_, err := engine.SubmitCreate(ctx, EntityBackOrders,
		json.RawMessage(`{"productName":"widget","quantity":50,"clientName":"Carol"}`))
	require.NoError(t, err)

	rec := getStockInAll(t, store, "si-1")
	_, hasOverlay := rec["offlineQuantity"]
	assert.False(t, hasOverlay)
}

func TestSubmitUnknownEntity(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.SubmitCreate(ctx, "products", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnknownEntity)
	require.ErrorIs(t, engine.SubmitUpdate(ctx, "products", "x", json.RawMessage(`{}`)), ErrUnknownEntity)
	require.ErrorIs(t, engine.SubmitDelete(ctx, "products", "x"), ErrUnknownEntity)
}

func TestPendingCount(t *testing.T) {
	engine, remote, store := newTestEngine(t)
	ctx := context.Background()
	seedSyncedStockIn(t, store, remote, "si-1", 10)
	require.NoError(t, store.Put(ctx, TableName(EntityStockOuts, TableAll), "so-1",
		map[string]any{"id": "so-1", "stockinId": "si-1", "quantity": 1}))

	_, err := engine.SubmitCreate(ctx, EntityStockOuts, stockOutPayload("si-1", 2))
	require.NoError(t, err)
	require.NoError(t, engine.SubmitDelete(ctx, EntityStockOuts, "so-1"))

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.PendingCount)
}
