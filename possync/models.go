// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Registered entity type names. They double as the REST collection names and
// the table-name prefixes in the local store.
const (
	EntityStockIns     = "stockins"
	EntityStockOuts    = "stockouts"
	EntitySalesReturns = "salesreturns"
	EntityBackOrders   = "backorders"
)

// Mutation kinds, mirroring the three offline queues.
const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpDelete = "delete"
)

// PendingMutation is the stored envelope for a locally-originated change that
// the server has not acknowledged yet. One logical record has at most one
// outstanding mutation per queue: later edits overwrite the queued row.
type PendingMutation struct {
	Op          string          `json:"op"`
	LocalID     string          `json:"localId,omitempty"`
	ServerID    string          `json:"serverId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"` // full record for add, accumulated patch for update
	CreatedAt   time.Time       `json:"createdAt"`
	RetryCount  int             `json:"syncRetryCount"`
	LastAttempt time.Time       `json:"lastSyncAttempt,omitempty"`
	SyncError   string          `json:"syncError,omitempty"`
}

// Key returns the identifier the mutation is queued under: the server id once
// one exists, the provisional local id before that.
func (m *PendingMutation) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

// SyncMapping links a client-assigned provisional id to the server-assigned
// id. It is written the moment a create is acknowledged and guards against
// re-submitting an add after a crash between acknowledgement and cleanup.
type SyncMapping struct {
	LocalID  string    `json:"localId"`
	ServerID string    `json:"serverId"`
	SyncedAt time.Time `json:"syncedAt"`
}

// SyncStatus is the indicator surface exposed to UI collaborators.
type SyncStatus struct {
	PendingCount int       `json:"pendingCount"`
	LastSyncAt   time.Time `json:"lastSyncAt"`
	IsSyncing    bool      `json:"isSyncing"`
	IsOnline     bool      `json:"isOnline"`
}

// SyncResult is the outcome of one orchestrator pass over a single entity
// type. The manual sync action surfaces these counts to the user.
type SyncResult struct {
	Entity  string `json:"entity"`
	Applied int    `json:"applied"` // mutations acknowledged by the server
	Skipped int    `json:"skipped"` // duplicates and already-synced leftovers
	Evicted int    `json:"evicted"` // mutations abandoned after the retry cap
	Failed  int    `json:"failed"`  // transient failures left queued
	Fetched int    `json:"fetched"` // records pulled by the reconciliation fetch
	Err     error  `json:"-"`

	// deltaDrained notes that a drained mutation carried a stock quantity
	// effect, which makes the local stock-ins listing stale.
	deltaDrained bool
}

// SyncReport aggregates the per-entity results of a full sync trigger.
type SyncReport struct {
	Results []SyncResult
}

// Applied sums acknowledged mutations across all entity types.
func (r SyncReport) Applied() int {
	n := 0
	for _, res := range r.Results {
		n += res.Applied
	}
	return n
}

// Err returns the first pass error, if any pass failed outright.
func (r SyncReport) Err() error {
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

// Typed payload models for the concrete POS entities. The engine itself moves
// records around as raw JSON; these structs are the shapes UI collaborators
// marshal from and unmarshal into. Monetary fields are exact decimals.

// StockIn is the quantity-bearing record. Quantity is the last value the
// server acknowledged; OfflineQuantity, when present, is that value adjusted
// by every queued local mutation that consumes or restores it and is always
// preferred for display and validation.
type StockIn struct {
	ID              string          `json:"id,omitempty"`
	LocalID         string          `json:"localId,omitempty"`
	ProductID       string          `json:"productId"`
	Quantity        int64           `json:"quantity"`
	OfflineQuantity *int64          `json:"offlineQuantity,omitempty"`
	Price           decimal.Decimal `json:"price"`
	SellingPrice    decimal.Decimal `json:"sellingPrice"`
	Supplier        string          `json:"supplier,omitempty"`
	SKU             string          `json:"sku,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt,omitempty"`
}

// StockOut is a sale line consuming quantity from a stock-in.
type StockOut struct {
	ID            string          `json:"id,omitempty"`
	LocalID       string          `json:"localId,omitempty"`
	StockInID     string          `json:"stockinId"`
	Quantity      int64           `json:"quantity"`
	SoldPrice     decimal.Decimal `json:"soldPrice"`
	ClientName    string          `json:"clientName,omitempty"`
	ClientEmail   string          `json:"clientEmail,omitempty"`
	ClientPhone   string          `json:"clientPhone,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// SalesReturn restores quantity to the stock-in behind a prior sale.
type SalesReturn struct {
	ID            string    `json:"id,omitempty"`
	LocalID       string    `json:"localId,omitempty"`
	StockOutID    string    `json:"stockoutId"`
	StockInID     string    `json:"stockinId"`
	Quantity      int64     `json:"quantity"`
	Reason        string    `json:"reason,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// BackOrder is a sale recorded against stock the shop does not hold; it
// carries no quantity delta against any stock-in.
type BackOrder struct {
	ID          string          `json:"id,omitempty"`
	LocalID     string          `json:"localId,omitempty"`
	ProductName string          `json:"productName"`
	Quantity    int64           `json:"quantity"`
	SoldPrice   decimal.Decimal `json:"soldPrice"`
	ClientName  string          `json:"clientName,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}
