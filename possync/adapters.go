// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// EntityAdapter supplies the per-entity knowledge the generic engine needs:
// how a record affects stock quantities, what makes two submissions the same
// logical operation, and how server fields merge over local ones.
type EntityAdapter interface {
	// Name is the entity type: REST collection name and table prefix.
	Name() string

	// QuantityDelta returns the referenced stock-in id and the signed effect
	// this record has on its available quantity. Empty ref means none.
	QuantityDelta(payload json.RawMessage) (stockInRef string, delta int64)

	// DuplicateSignature digests the fields that identify a duplicate UI
	// submission (referenced id, quantity, counterpart fields).
	DuplicateSignature(payload json.RawMessage) string

	// Reconcile merges server truth over the local record. Remote wins for
	// every field the server returns; local wins only for fields the server
	// never sends back (e.g. the provisional localId).
	Reconcile(local, remote json.RawMessage) (json.RawMessage, error)
}

// DefaultAdapters returns the adapters for the four POS entity types, in the
// order they sync.
func DefaultAdapters() []EntityAdapter {
	return []EntityAdapter{
		stockInAdapter{},
		stockOutAdapter{},
		salesReturnAdapter{},
		backOrderAdapter{},
	}
}

// EntityNames returns the names of the given adapters, preserving order.
func EntityNames(adapters []EntityAdapter) []string {
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.Name()
	}
	return names
}

// --- payload helpers -------------------------------------------------------

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return m, nil
}

// payloadString extracts a string field from a raw payload, empty on miss.
func payloadString(raw json.RawMessage, field string) string {
	m, err := decodeMap(raw)
	if err != nil {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

// payloadInt extracts a numeric field from a raw payload, 0 on miss.
func payloadInt(raw json.RawMessage, field string) int64 {
	m, err := decodeMap(raw)
	if err != nil {
		return 0
	}
	switch v := m[field].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// payloadTime parses an RFC3339 time field, zero on miss.
func payloadTime(raw json.RawMessage, field string) time.Time {
	s := payloadString(raw, field)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// mergeRaw overlays the keys of overlay on top of base. Keys present only in
// base survive.
func mergeRaw(base, overlay json.RawMessage) (json.RawMessage, error) {
	merged, err := decodeMap(base)
	if err != nil {
		return nil, err
	}
	over, err := decodeMap(overlay)
	if err != nil {
		return nil, err
	}
	for k, v := range over {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// setPayloadField returns payload with field set to value.
func setPayloadField(raw json.RawMessage, field string, value any) (json.RawMessage, error) {
	m, err := decodeMap(raw)
	if err != nil {
		return nil, err
	}
	m[field] = value
	return json.Marshal(m)
}

// dropPayloadField returns payload without field.
func dropPayloadField(raw json.RawMessage, field string) (json.RawMessage, error) {
	m, err := decodeMap(raw)
	if err != nil {
		return nil, err
	}
	delete(m, field)
	return json.Marshal(m)
}

// reconcileRemoteWins is the shared merge: local fields as base, every
// server-returned field on top, and the offlineQuantity overlay dropped so
// the ledger recomputes it from the queue.
func reconcileRemoteWins(local, remote json.RawMessage) (json.RawMessage, error) {
	merged, err := mergeRaw(local, remote)
	if err != nil {
		return nil, err
	}
	return dropPayloadField(merged, "offlineQuantity")
}

// canonicalSignature joins label/value pairs in sorted order so signatures
// are stable regardless of field iteration order.
func canonicalSignature(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return fingerprint(parts)
}

// --- concrete adapters -----------------------------------------------------

type stockInAdapter struct{}

func (stockInAdapter) Name() string { return EntityStockIns }

func (stockInAdapter) QuantityDelta(json.RawMessage) (string, int64) { return "", 0 }

func (stockInAdapter) DuplicateSignature(p json.RawMessage) string {
	return canonicalSignature(map[string]string{
		"productId": payloadString(p, "productId"),
		"quantity":  strconv.FormatInt(payloadInt(p, "quantity"), 10),
		"price":     payloadString(p, "price"),
		"supplier":  payloadString(p, "supplier"),
	})
}

func (stockInAdapter) Reconcile(local, remote json.RawMessage) (json.RawMessage, error) {
	return reconcileRemoteWins(local, remote)
}

type stockOutAdapter struct{}

func (stockOutAdapter) Name() string { return EntityStockOuts }

// A sale consumes from its stock-in.
func (stockOutAdapter) QuantityDelta(p json.RawMessage) (string, int64) {
	return payloadString(p, "stockinId"), -payloadInt(p, "quantity")
}

func (stockOutAdapter) DuplicateSignature(p json.RawMessage) string {
	return canonicalSignature(map[string]string{
		"stockinId":   payloadString(p, "stockinId"),
		"quantity":    strconv.FormatInt(payloadInt(p, "quantity"), 10),
		"soldPrice":   payloadString(p, "soldPrice"),
		"clientName":  payloadString(p, "clientName"),
		"clientEmail": payloadString(p, "clientEmail"),
	})
}

func (stockOutAdapter) Reconcile(local, remote json.RawMessage) (json.RawMessage, error) {
	return reconcileRemoteWins(local, remote)
}

type salesReturnAdapter struct{}

func (salesReturnAdapter) Name() string { return EntitySalesReturns }

// A return restores quantity to the stock-in behind the original sale.
func (salesReturnAdapter) QuantityDelta(p json.RawMessage) (string, int64) {
	return payloadString(p, "stockinId"), payloadInt(p, "quantity")
}

func (salesReturnAdapter) DuplicateSignature(p json.RawMessage) string {
	return canonicalSignature(map[string]string{
		"stockoutId": payloadString(p, "stockoutId"),
		"quantity":   strconv.FormatInt(payloadInt(p, "quantity"), 10),
		"reason":     payloadString(p, "reason"),
	})
}

func (salesReturnAdapter) Reconcile(local, remote json.RawMessage) (json.RawMessage, error) {
	return reconcileRemoteWins(local, remote)
}

type backOrderAdapter struct{}

func (backOrderAdapter) Name() string { return EntityBackOrders }

func (backOrderAdapter) QuantityDelta(json.RawMessage) (string, int64) { return "", 0 }

func (backOrderAdapter) DuplicateSignature(p json.RawMessage) string {
	return canonicalSignature(map[string]string{
		"productName": payloadString(p, "productName"),
		"quantity":    strconv.FormatInt(payloadInt(p, "quantity"), 10),
		"soldPrice":   payloadString(p, "soldPrice"),
		"clientName":  payloadString(p, "clientName"),
	})
}

func (backOrderAdapter) Reconcile(local, remote json.RawMessage) (json.RawMessage, error) {
	return reconcileRemoteWins(local, remote)
}
