// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// RemoteAPI is the authoritative-server collaborator the orchestrator drains
// the queue against. Create must honor the idempotency key; Delete of an
// already-gone record must report ErrNotFound so the caller can treat it as
// done.
type RemoteAPI interface {
	Create(ctx context.Context, entity string, payload json.RawMessage, idempotencyKey string) (json.RawMessage, error)
	Update(ctx context.Context, entity, id string, patch json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, entity, id string) error
	ListAll(ctx context.Context, entity string) ([]json.RawMessage, error)
}

// TokenFunc supplies the bearer token attached to every remote call.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPRemote implements RemoteAPI against the REST surface
// (POST/PATCH/DELETE/GET /api/{entity}).
type HTTPRemote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPRemote builds the HTTP client. token may be nil for servers that do
// not require authentication.
func NewHTTPRemote(baseURL string, token TokenFunc, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  slog.Default(),
	}
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body json.RawMessage, idempotencyKey string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		// Network-level failures are retryable by definition.
		return 0, nil, &TransientSyncError{Err: err}
	}
	defer resp.Body.Close()
	r.logger.Debug("remote call", "method", method, "path", path, "status", resp.StatusCode)
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransientSyncError{Err: err}
	}
	return resp.StatusCode, respBody, nil
}

// mapStatus folds an HTTP status into the engine's error taxonomy.
func mapStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500 || status == http.StatusTooManyRequests:
		return &TransientSyncError{Err: fmt.Errorf("server returned status %d: %s", status, body)}
	default:
		return fmt.Errorf("server returned status %d: %s", status, body)
	}
}

func (r *HTTPRemote) Create(ctx context.Context, entity string, payload json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	status, body, err := r.do(ctx, http.MethodPost, "/api/"+entity, payload, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := mapStatus(status, body); err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (r *HTTPRemote) Update(ctx context.Context, entity, id string, patch json.RawMessage) (json.RawMessage, error) {
	status, body, err := r.do(ctx, http.MethodPatch, "/api/"+entity+"/"+url.PathEscape(id), patch, "")
	if err != nil {
		return nil, err
	}
	if err := mapStatus(status, body); err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (r *HTTPRemote) Delete(ctx context.Context, entity, id string) error {
	status, body, err := r.do(ctx, http.MethodDelete, "/api/"+entity+"/"+url.PathEscape(id), nil, "")
	if err != nil {
		return err
	}
	return mapStatus(status, body)
}

func (r *HTTPRemote) ListAll(ctx context.Context, entity string) ([]json.RawMessage, error) {
	status, body, err := r.do(ctx, http.MethodGet, "/api/"+entity, nil, "")
	if err != nil {
		return nil, err
	}
	if err := mapStatus(status, body); err != nil {
		return nil, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode listing for %s: %w", entity, err)
	}
	return records, nil
}
