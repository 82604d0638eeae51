// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import "time"

// Config holds tuning knobs for the sync engine. Values the original system
// hard-coded (duplicate window, fetch staleness) are configuration here.
type Config struct {
	// DuplicateWindow bounds the content-duplicate check on pending adds:
	// a reconciled record with the same signature stamped within this window
	// makes the queued add a duplicate UI submission.
	DuplicateWindow time.Duration

	// FetchStaleAfter forces a reconciliation fetch when this much time has
	// passed since the last one, even if no mutation pass made progress.
	FetchStaleAfter time.Duration

	// MaxSyncAttempts caps retries per mutation before it is evicted.
	MaxSyncAttempts int

	// CleanupInterval is the network monitor's low-frequency sweep that
	// evicts mutations which exceeded their retry budget between passes.
	CleanupInterval time.Duration

	// HTTPTimeout bounds every remote API call.
	HTTPTimeout time.Duration
}

// DefaultConfig returns the engine defaults. Callers override fields as
// needed before constructing the engine.
func DefaultConfig() *Config {
	return &Config{
		DuplicateWindow: 10 * time.Minute,
		FetchStaleAfter: 5 * time.Minute,
		MaxSyncAttempts: 5,
		CleanupInterval: 30 * time.Minute,
		HTTPTimeout:     30 * time.Second,
	}
}
