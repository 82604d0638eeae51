// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceAuth issues the HS256 bearer tokens the remote API expects.
// Verification is the server's job; the client only signs. Each installation
// signs for one user and one device.
type DeviceAuth struct {
	secret []byte
}

// NewDeviceAuth creates a new token authority from a shared secret.
func NewDeviceAuth(secret string) *DeviceAuth {
	return &DeviceAuth{secret: []byte(secret)}
}

// DeviceClaims carries the device id alongside the registered claims; the
// user id travels in the standard 'sub' claim.
type DeviceClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for the given user/device pair.
func (a *DeviceAuth) GenerateToken(userID, deviceID string, expiration time.Duration) (string, error) {
	claims := &DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "possync",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// TokenSource returns a TokenFunc that re-signs shortly before expiry, so
// long-running engines never present a stale token.
func (a *DeviceAuth) TokenSource(userID, deviceID string, expiration time.Duration) TokenFunc {
	var mu sync.Mutex
	var cached string
	var renewAt time.Time
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached != "" && time.Now().Before(renewAt) {
			return cached, nil
		}
		token, err := a.GenerateToken(userID, deviceID, expiration)
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		cached = token
		renewAt = time.Now().Add(expiration - expiration/10)
		return cached, nil
	}
}
