// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import "time"

// RetryPolicy centralizes the bounded-attempts eviction rule shared by every
// mutation kind. There is deliberately no per-mutation backoff timer: passes
// are spaced by reconnect and foreground events, and the attempt cap keeps a
// poisoned mutation from retrying forever.
type RetryPolicy struct {
	MaxAttempts int
}

// RecordFailure stamps the failure onto the mutation and reports whether the
// mutation has exhausted its budget and must be evicted.
func (p RetryPolicy) RecordFailure(m *PendingMutation, at time.Time, err error) (evict bool) {
	m.RetryCount++
	m.LastAttempt = at
	if err != nil {
		m.SyncError = err.Error()
	}
	return m.RetryCount >= p.MaxAttempts
}

// Exhausted reports whether a mutation already at-or-over the cap should be
// swept by the periodic cleanup.
func (p RetryPolicy) Exhausted(m *PendingMutation) bool {
	return m.RetryCount >= p.MaxAttempts
}
