// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/stretchr/testify/require"
)

const testSourceID = "dev-1"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, v any) *http.Response {
	b, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(b)),
	}
}

// fakeServer is an in-memory batch apply service and change feed built on fieldsync.Decide.
type fakeServer struct {
	mu       sync.Mutex
	t0       time.Time
	tick     int
	records  map[int64]*fieldsync.WorkOrder
	nextID   int64
	applied  map[string]fieldsync.SyncOutcome
	failures map[string]string // local id → failure reason

	maxBatch     int
	offline      bool
	dropResponse bool // apply the batch, then fail the exchange
	onBatch      func(ops []fieldsync.ProposedOperation)
	onChanges    func() // runs once, before the next feed page is served

	batches [][]fieldsync.ProposedOperation
	pulls   int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		t0:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		records:  map[int64]*fieldsync.WorkOrder{},
		nextID:   500,
		applied:  map[string]fieldsync.SyncOutcome{},
		failures: map[string]string{},
	}
}

func (s *fakeServer) now() time.Time { return s.t0.Add(time.Duration(s.tick) * time.Millisecond) }

func (s *fakeServer) advance() time.Time {
	s.tick++
	return s.now()
}

func (s *fakeServer) RoundTrip(r *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, errors.New("network is unreachable")
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/sync/batch":
		return s.batch(r)
	case r.Method == http.MethodGet && r.URL.Path == "/sync/changes":
		return s.changes(r)
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		return jsonResponse(http.StatusOK, map[string]string{"status": "healthy"}), nil
	}
	return nil, fmt.Errorf("unexpected request: %s %s", r.Method, r.URL.String())
}

func (s *fakeServer) batch(r *http.Request) (*http.Response, error) {
	if r.Header.Get("Authorization") != "Bearer test-token" {
		return jsonResponse(http.StatusUnauthorized, fieldsync.ErrorResponse{Error: "unauthorized"}), nil
	}
	var req fieldsync.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	s.batches = append(s.batches, req.Operations)
	if s.onBatch != nil {
		s.onBatch(req.Operations)
	}
	resp := fieldsync.BatchResponse{Outcomes: make([]fieldsync.SyncOutcome, len(req.Operations))}
	for i, p := range req.Operations {
		if s.maxBatch > 0 && len(req.Operations) > s.maxBatch {
			resp.Outcomes[i] = fieldsync.SyncOutcome{LocalID: p.LocalID, OpID: p.OpID, Status: fieldsync.StFailed,
				Reason: fieldsync.ReasonBatchTooLarge, Error: "batch too large"}
			continue
		}
		resp.Outcomes[i] = s.apply(p)
	}
	if s.dropResponse {
		s.dropResponse = false
		return nil, context.DeadlineExceeded
	}
	return jsonResponse(http.StatusOK, resp), nil
}

func (s *fakeServer) apply(p fieldsync.ProposedOperation) fieldsync.SyncOutcome {
	out := fieldsync.SyncOutcome{LocalID: p.LocalID, OpID: p.OpID}
	if prev, ok := s.applied[p.OpID]; ok && p.OpID != "" {
		// The stored version with the record as it is now
		prev.Replayed = true
		if w := s.records[*prev.ServerID]; w != nil {
			snap := *w
			prev.ServerSnapshot = &snap
		}
		return prev
	}
	if reason, ok := s.failures[p.LocalID]; ok {
		out.Status, out.Reason, out.Error = fieldsync.StFailed, reason, "injected failure"
		return out
	}
	op, err := p.Decode()
	if err != nil {
		out.Status, out.Reason, out.Error = fieldsync.StFailed, fieldsync.ReasonBadPayload, err.Error()
		return out
	}
	var cur *fieldsync.WorkOrder
	switch o := op.(type) {
	case fieldsync.UpdateOp:
		cur = s.records[o.ID]
	case fieldsync.DeleteOp:
		cur = s.records[o.ID]
	}
	d := fieldsync.Decide(cur, op)
	switch d.Verdict {
	case fieldsync.VerdictReject:
		out.Status, out.Reason, out.Error = fieldsync.StFailed, d.Reason, d.Err.Error()
		return out
	case fieldsync.VerdictConflict:
		snap := *cur
		out.Status, out.ServerSnapshot, out.Attempted = fieldsync.StConflict, &snap, p.Payload
		return out
	}

	now := s.advance()
	switch o := op.(type) {
	case fieldsync.CreateOp:
		s.nextID++
		w := fieldsync.NewWorkOrder()
		o.Fields.ApplyTo(&w)
		w.ID, w.Version, w.SyncStatus = s.nextID, 1, fieldsync.SyncSynced
		w.CreatedAt, w.UpdatedAt, w.LastSyncAt = now, now, now
		w.ClientRef = fieldsync.ClientRef(testSourceID, p.LocalID)
		s.records[w.ID] = &w
		cur = &w
	case fieldsync.UpdateOp:
		o.Changes.ApplyTo(cur)
		cur.Version, cur.SyncStatus, cur.LastSyncAt, cur.UpdatedAt = d.NewVersion, fieldsync.SyncSynced, now, now
	case fieldsync.DeleteOp:
		if !d.AlreadyDeleted {
			cur.Version, cur.SyncStatus, cur.LastSyncAt = d.NewVersion, fieldsync.SyncDeleted, now
		}
	}
	id, v, at, snap := cur.ID, cur.Version, cur.LastSyncAt, *cur
	out.Status, out.ServerID, out.NewVersion, out.LastSyncAt, out.ServerSnapshot = fieldsync.StApplied, &id, &v, &at, &snap
	if p.OpID != "" {
		s.applied[p.OpID] = out
	}
	return out
}

func (s *fakeServer) changes(r *http.Request) (*http.Response, error) {
	s.pulls++
	if fn := s.onChanges; fn != nil {
		s.onChanges = nil
		fn()
	}
	q := r.URL.Query()
	since, err := time.Parse(time.RFC3339Nano, q.Get("lastSync"))
	if err != nil {
		return jsonResponse(http.StatusBadRequest, fieldsync.ErrorResponse{Error: "invalid_request"}), nil
	}
	afterID, _ := strconv.ParseInt(q.Get("afterId"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 500
	}
	until := s.now()
	if u := q.Get("until"); u != "" {
		if t, err := time.Parse(time.RFC3339Nano, u); err == nil && t.Before(until) {
			until = t
		}
	}
	rows := []fieldsync.WorkOrder{}
	for _, w := range s.records {
		newer := w.LastSyncAt.After(since) || (afterID > 0 && w.LastSyncAt.Equal(since) && w.ID > afterID)
		if newer && !w.LastSyncAt.After(until) {
			rows = append(rows, *w)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastSyncAt.Equal(rows[j].LastSyncAt) {
			return rows[i].LastSyncAt.Before(rows[j].LastSyncAt)
		}
		return rows[i].ID < rows[j].ID
	})
	resp := fieldsync.ChangesResponse{ServerTime: until}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[limit-1]
		resp.HasMore, resp.NextAfterID, resp.NextLastSync = true, last.ID, &last.LastSyncAt
	}
	resp.Changes = rows
	return jsonResponse(http.StatusOK, resp), nil
}

// serverCreate inserts a record as another device would.
func (s *fakeServer) serverCreate(title string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()
	s.nextID++
	w := fieldsync.NewWorkOrder()
	w.ID, w.Title, w.Version, w.SyncStatus = s.nextID, title, 1, fieldsync.SyncSynced
	w.CreatedBy, w.CreatedAt, w.UpdatedAt, w.LastSyncAt = "other", now, now, now
	s.records[w.ID] = &w
	return w.ID
}

// serverUpdate changes a record as another device would.
func (s *fakeServer) serverUpdate(id int64, fn func(w *fieldsync.WorkOrder)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()
	w := s.records[id]
	fn(w)
	w.Version++
	w.LastSyncAt, w.UpdatedAt = now, now
}

func (s *fakeServer) serverDelete(id int64) {
	s.serverUpdate(id, func(w *fieldsync.WorkOrder) { w.SyncStatus = fieldsync.SyncDeleted })
}

func (s *fakeServer) record(id int64) fieldsync.WorkOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func (s *fakeServer) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, srv http.RoundTripper, cfg *Config) *Client {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if cfg == nil {
		cfg = testConfig()
	}
	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	c, err := NewClient(db, "http://fieldsync.test", "u1", testSourceID, token, cfg, nil)
	require.NoError(t, err)
	if srv != nil {
		c.HTTP = &http.Client{Transport: srv}
	}
	return c
}

func title(s string) fieldsync.WorkOrderPatch {
	return fieldsync.WorkOrderPatch{Title: fieldsync.Value(s)}
}

// syncedRecord seeds a record the device already holds in synced state.
func syncedRecord(t *testing.T, c *Client, localID string, serverID, version int64) {
	t.Helper()
	w := fieldsync.NewWorkOrder()
	w.ID, w.Title, w.Version, w.SyncStatus = serverID, "seeded", version, fieldsync.SyncSynced
	w.LastSyncAt = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.ApplyLocalOptimistic(context.Background(), LocalWorkOrder{LocalID: localID, WorkOrder: w}))
}
