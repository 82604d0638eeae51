// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// IdempotencyKey derives the deterministic token for a queued add. The server
// (and local duplicate detection) uses it to recognize repeated submissions
// of the same logical operation: the same local record always produces the
// same key, no matter how many times the sync pass retries it.
func IdempotencyKey(localID string, createdAt time.Time, refID string, quantity int64) string {
	return fingerprint([]string{
		localID,
		strconv.FormatInt(createdAt.UTC().Unix(), 10),
		refID,
		strconv.FormatInt(quantity, 10),
	})
}

// fingerprint hashes the joined parts into a stable lowercase hex digest.
func fingerprint(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
