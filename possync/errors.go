// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	// ErrConflict is reported by the remote API when the same idempotent
	// operation was already applied. The orchestrator treats it as success.
	ErrConflict = errors.New("possync: server already holds an equivalent record")

	// ErrNotFound is reported by the remote API for a missing record. A
	// delete that hits it is treated as already done.
	ErrNotFound = errors.New("possync: record not found on server")

	// ErrKeyNotFound is returned by store lookups for absent keys.
	ErrKeyNotFound = errors.New("possync: key not found")

	// ErrUnknownEntity is returned when an entity type was never registered.
	ErrUnknownEntity = errors.New("possync: unknown entity type")
)

// ValidationError rejects a mutation before it is admitted to the queue.
// It is the one synchronous consistency check the engine performs: the
// referenced stock-in cannot go below zero available quantity.
type ValidationError struct {
	Entity   string
	StockIn  string // referenced stock-in id
	Have     int64  // available quantity before the mutation
	Want     int64  // quantity the mutation tries to consume
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("possync: %s mutation would drive stock-in %s negative (have %d, want %d)",
		e.Entity, e.StockIn, e.Have, e.Want)
}

// TransientSyncError marks a retryable failure (network error or server 5xx).
// The mutation stays queued and its retry counter is incremented.
type TransientSyncError struct {
	Err error
}

func (e *TransientSyncError) Error() string {
	return fmt.Sprintf("possync: transient sync failure: %v", e.Err)
}

func (e *TransientSyncError) Unwrap() error { return e.Err }

// PermanentSyncError reports a mutation evicted after exhausting its retry
// budget. It is surfaced to the user as lost, never silently dropped.
type PermanentSyncError struct {
	Entity   string
	Key      string
	Op       string
	Attempts int
	LastErr  string
}

func (e *PermanentSyncError) Error() string {
	return fmt.Sprintf("possync: %s %s %s abandoned after %d attempts: %s",
		e.Entity, e.Op, e.Key, e.Attempts, e.LastErr)
}

// IsTransient reports whether err should be retried on a later pass.
func IsTransient(err error) bool {
	var te *TransientSyncError
	return errors.As(err, &te)
}
