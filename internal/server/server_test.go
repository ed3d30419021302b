// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/config"
)

type stubBackend struct {
	scope fieldsync.CallerScope
	calls []string
}

func (b *stubBackend) ApplyBatch(_ context.Context, scope fieldsync.CallerScope, req *fieldsync.BatchRequest) (*fieldsync.BatchResponse, error) {
	b.scope = scope
	b.calls = append(b.calls, "batch")
	out := &fieldsync.BatchResponse{}
	for _, op := range req.Operations {
		out.Outcomes = append(out.Outcomes, fieldsync.SyncOutcome{LocalID: op.LocalID, Status: fieldsync.StApplied})
	}
	return out, nil
}

func (b *stubBackend) GetChangesSince(_ context.Context, scope fieldsync.CallerScope, _ fieldsync.ChangesQuery) (*fieldsync.ChangesResponse, error) {
	b.scope = scope
	b.calls = append(b.calls, "changes")
	return &fieldsync.ChangesResponse{Changes: []fieldsync.WorkOrder{}, ServerTime: time.Now().UTC()}, nil
}

func (b *stubBackend) Health(_ context.Context, scope fieldsync.CallerScope) (*fieldsync.HealthResponse, error) {
	b.scope = scope
	b.calls = append(b.calls, "health")
	return &fieldsync.HealthResponse{Pending: 1}, nil
}

func (b *stubBackend) ListConflicts(context.Context, fieldsync.CallerScope, fieldsync.ConflictFilter) (*fieldsync.ConflictListResponse, error) {
	b.calls = append(b.calls, "conflicts")
	return &fieldsync.ConflictListResponse{Conflicts: []fieldsync.ConflictRecord{}}, nil
}

func (b *stubBackend) ResolveConflict(context.Context, fieldsync.CallerScope, int64) error {
	b.calls = append(b.calls, "resolve")
	return nil
}

func newTestHandler(t *testing.T) (http.Handler, *stubBackend, string) {
	t.Helper()
	auth := fieldsync.NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("tech-1", "device-1", fieldsync.RoleTechnician, nil, time.Hour)
	require.NoError(t, err)
	backend := &stubBackend{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(backend, auth, logger), backend, token
}

func TestHandler_LivenessIsUnauthenticated(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandler_SyncRoutesRequireToken(t *testing.T) {
	h, backend, _ := newTestHandler(t)

	for _, path := range []string{"/sync/changes", "/sync/health", "/sync/conflicts"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sync/health", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, backend.calls)
}

func TestHandler_RoutesToBackendWithCallerScope(t *testing.T) {
	h, backend, token := newTestHandler(t)

	body, err := json.Marshal(fieldsync.BatchRequest{Operations: []fieldsync.ProposedOperation{{
		LocalID:   "l1",
		OpID:      "op-1",
		Operation: fieldsync.OpCreate,
		Payload:   json.RawMessage(`{"title":"Fix pump"}`),
	}}})
	require.NoError(t, err)

	requests := []*http.Request{
		httptest.NewRequest(http.MethodPost, "/sync/batch", bytes.NewReader(body)),
		httptest.NewRequest(http.MethodGet, "/sync/changes?lastSync=2024-01-01T00:00:00Z", nil),
		httptest.NewRequest(http.MethodGet, "/sync/health", nil),
		httptest.NewRequest(http.MethodGet, "/sync/conflicts", nil),
	}
	for _, req := range requests {
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "%s %s: %s", req.Method, req.URL.Path, rec.Body.String())
	}

	assert.Equal(t, []string{"batch", "changes", "health", "conflicts"}, backend.calls)
	assert.Equal(t, "tech-1", backend.scope.UserID)
	assert.Equal(t, "device-1", backend.scope.SourceID)
	assert.Equal(t, fieldsync.RoleTechnician, backend.scope.Role)
}

func TestHandler_UnknownMethodIsRejected(t *testing.T) {
	h, backend, token := newTestHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/sync/batch", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, backend.calls)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Server{Addr: "127.0.0.1:0", ShutdownTimeout: config.Duration{Duration: time.Second}}

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, http.NotFoundHandler(), logger) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ReportsListenError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := Serve(context.Background(), config.Server{Addr: "127.0.0.1:notaport"}, http.NotFoundHandler(), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}
