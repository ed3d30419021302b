// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOnce_AppliedCreateUpdatesLocalRecord(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	localID, err := c.CreateWorkOrder(ctx, title("Fix pump"))
	require.NoError(t, err)

	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, StateIdle, c.State())

	rec, err := c.Get(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, int64(501), rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)
	assert.False(t, rec.LastSyncAt.IsZero())

	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	// The pull that follows sees the record as already current
	byServer, err := c.GetByServerID(ctx, 501)
	require.NoError(t, err)
	assert.Equal(t, localID, byServer.LocalID)
}

func TestSyncOnce_ConflictRetainsOperationUntilResolved(t *testing.T) {
	srv := newFakeServer()
	id := srv.serverCreate("Pump 7")
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	_, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	rec, err := c.GetByServerID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)

	// Client A moves the record to version 2
	srv.serverUpdate(id, func(w *fieldsync.WorkOrder) { w.Status = fieldsync.StatusInProgress })

	// Client B edits from version 1
	require.NoError(t, c.UpdateWorkOrder(ctx, rec.LocalID, fieldsync.WorkOrderPatch{Status: fieldsync.Value(fieldsync.StatusCompleted)}))
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	rec, err = c.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, fieldsync.SyncConflict, rec.SyncStatus)
	assert.Equal(t, fieldsync.StatusCompleted, rec.Status, "local edit is kept for review")
	require.NotNil(t, rec.ConflictSnapshot)
	assert.Equal(t, int64(2), rec.ConflictSnapshot.Version)
	assert.Equal(t, fieldsync.StatusInProgress, rec.ConflictSnapshot.Status)

	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, QueueConflict, ops[0].State)

	// Conflicted operations are excluded from automatic batches
	sent := len(srv.batchSizes())
	_, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, srv.batchSizes(), sent)

	require.ErrorIs(t, c.UpdateWorkOrder(ctx, rec.LocalID, title("x")), ErrRecordInConflict)

	require.NoError(t, c.ResolveConflict(ctx, rec.LocalID, KeepLocal()))
	report, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	rec, err = c.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)
	assert.Equal(t, int64(3), rec.Version)
	assert.Nil(t, rec.ConflictSnapshot)
	assert.Equal(t, fieldsync.StatusCompleted, srv.record(id).Status)
}

func TestSyncOnce_BatchesAreSequentialAndFIFO(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	c := newTestClient(t, srv, cfg)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := c.CreateWorkOrder(ctx, title("order"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Applied)
	assert.Equal(t, []int{2, 2, 1}, srv.batchSizes())

	var sent []string
	for _, b := range srv.batches {
		for _, op := range b {
			sent = append(sent, op.LocalID)
		}
	}
	assert.Equal(t, ids, sent)
}

func TestSyncOnce_RechunksOnBatchTooLarge(t *testing.T) {
	srv := newFakeServer()
	srv.maxBatch = 2
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.CreateWorkOrder(ctx, title("order"))
		require.NoError(t, err)
	}
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, 3, report.Submitted)

	sizes := srv.batchSizes()
	require.GreaterOrEqual(t, len(sizes), 2)
	assert.Equal(t, 3, sizes[0])
	assert.LessOrEqual(t, sizes[len(sizes)-1], 2)
	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncOnce_RepeatedFailurePoisonsOperation(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig()
	cfg.MaxRetries = 2
	c := newTestClient(t, srv, cfg)
	ctx := context.Background()

	bad, err := c.CreateWorkOrder(ctx, title("rejected"))
	require.NoError(t, err)
	good, err := c.CreateWorkOrder(ctx, title("fine"))
	require.NoError(t, err)
	srv.failures[bad] = fieldsync.ReasonBadPayload

	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Applied, "a failed sibling does not block the batch")

	op, err := getQueued(ctx, c.DB, bad)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, 1, op.RetryCount)
	assert.Equal(t, QueueReady, op.State)
	assert.True(t, strings.HasPrefix(op.LastError, fieldsync.ReasonBadPayload))

	report, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Poisoned)

	op, err = getQueued(ctx, c.DB, bad)
	require.NoError(t, err)
	assert.Equal(t, QueuePoisoned, op.State)

	sent := len(srv.batchSizes())
	_, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, srv.batchSizes(), sent, "poisoned operations are not retried automatically")

	rec, err := c.Get(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)

	delete(srv.failures, bad)
	require.NoError(t, c.RetryPoisoned(ctx, bad))
	report, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
}

func TestSyncOnce_TransportErrorKeepsQueue(t *testing.T) {
	srv := newFakeServer()
	srv.offline = true
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	localID, err := c.CreateWorkOrder(ctx, title("offline"))
	require.NoError(t, err)

	_, err = c.SyncOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, StateIdle, c.State())

	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, localID, ops[0].LocalID)
	assert.Equal(t, 0, ops[0].RetryCount, "transport errors do not count as failures")
	assert.Equal(t, 0, srv.pulls, "no pull after a failed submit")
}

func TestSyncOnce_Non200IsTransportError(t *testing.T) {
	c := newTestClient(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, fieldsync.ErrorResponse{Error: "service_closed"}), nil
	}), nil)
	ctx := context.Background()
	_, err := c.CreateWorkOrder(ctx, title("x"))
	require.NoError(t, err)

	_, err = c.SyncOnce(ctx)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestSyncOnce_TimedOutCreateIsNotDuplicated(t *testing.T) {
	srv := newFakeServer()
	srv.dropResponse = true
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	localID, err := c.CreateWorkOrder(ctx, title("Fix pump"))
	require.NoError(t, err)

	_, err = c.SyncOnce(ctx)
	require.Error(t, err)
	require.Len(t, srv.records, 1, "server applied the create")

	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Len(t, srv.records, 1)
	// The resend carried the same dedupe key
	assert.Equal(t, srv.batches[0][0].OpID, srv.batches[1][0].OpID)

	rec, err := c.Get(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, int64(501), rec.ID)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)
}

func TestSyncOnce_EditAfterLostCreateResponseReachesServer(t *testing.T) {
	srv := newFakeServer()
	srv.dropResponse = true
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	localID, err := c.CreateWorkOrder(ctx, title("A"))
	require.NoError(t, err)
	_, err = c.SyncOnce(ctx)
	require.Error(t, err)
	require.NoError(t, c.UpdateWorkOrder(ctx, localID, title("B")))

	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	require.Len(t, srv.batches, 3)
	assert.Equal(t, srv.batches[0][0].OpID, srv.batches[1][0].OpID)
	edit := srv.batches[2][0]
	assert.Equal(t, fieldsync.OpUpdate, edit.Operation)
	require.NotNil(t, edit.ClientVersion)
	assert.Equal(t, int64(1), *edit.ClientVersion)

	assert.Len(t, srv.records, 1)
	assert.Equal(t, "B", srv.record(501).Title)
	rec, err := c.Get(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Title)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)
	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncOnce_EditAfterLostUpdateResponseReachesServer(t *testing.T) {
	srv := newFakeServer()
	id := srv.serverCreate("Pump 7")
	c := newTestClient(t, srv, nil)
	ctx := context.Background()
	_, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	rec, err := c.GetByServerID(ctx, id)
	require.NoError(t, err)

	require.NoError(t, c.UpdateWorkOrder(ctx, rec.LocalID, title("A")))
	srv.dropResponse = true
	_, err = c.SyncOnce(ctx)
	require.Error(t, err)
	require.Equal(t, int64(2), srv.record(id).Version)
	require.NoError(t, c.UpdateWorkOrder(ctx, rec.LocalID, title("B")))

	_, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", srv.record(id).Title)
	assert.Equal(t, int64(3), srv.record(id).Version)

	rec, err = c.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Title)
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)
	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncOnce_ForeignUpdateBeforeResendIsConflict(t *testing.T) {
	srv := newFakeServer()
	id := srv.serverCreate("Pump 7")
	c := newTestClient(t, srv, nil)
	ctx := context.Background()
	_, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	rec, err := c.GetByServerID(ctx, id)
	require.NoError(t, err)

	require.NoError(t, c.UpdateWorkOrder(ctx, rec.LocalID, title("A")))
	srv.dropResponse = true
	_, err = c.SyncOnce(ctx)
	require.Error(t, err)
	// Another device moves the record to version 3 before the resend
	srv.serverUpdate(id, func(w *fieldsync.WorkOrder) { w.Title = "foreign" })
	require.NoError(t, c.UpdateWorkOrder(ctx, rec.LocalID, title("B")))

	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	last := srv.batches[len(srv.batches)-1][0]
	require.NotNil(t, last.ClientVersion)
	assert.Equal(t, int64(2), *last.ClientVersion, "rebased onto the version the lost update produced")
	assert.Equal(t, "foreign", srv.record(id).Title)

	rec, err = c.Get(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, fieldsync.SyncConflict, rec.SyncStatus)
	require.NotNil(t, rec.ConflictSnapshot)
	assert.Equal(t, int64(3), rec.ConflictSnapshot.Version)
	assert.Equal(t, "foreign", rec.ConflictSnapshot.Title)
}

func TestSyncOnce_PulledCreateIsSettledWithoutResend(t *testing.T) {
	srv := newFakeServer()
	srv.dropResponse = true
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	localID, err := c.CreateWorkOrder(ctx, title("Fix pump"))
	require.NoError(t, err)
	_, err = c.SyncOnce(ctx)
	require.Error(t, err)

	// The feed returns the record with this device's client reference
	_, err = c.Pull(ctx)
	require.NoError(t, err)
	rec, err := c.Get(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, int64(501), rec.ID)

	sent := len(srv.batchSizes())
	_, err = c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, srv.batchSizes(), sent)

	rec, err = c.Get(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)
	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	all, err := c.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "no duplicate local record")
}

func TestSyncOnce_SecondTriggerIsCoalesced(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()
	_, err := c.CreateWorkOrder(ctx, title("x"))
	require.NoError(t, err)

	var nested error
	srv.onBatch = func([]fieldsync.ProposedOperation) {
		srv.onBatch = nil
		_, nested = c.SyncOnce(ctx)
	}
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, nested, ErrSyncInProgress)
	assert.Equal(t, 2, report.Passes, "the coalesced trigger runs once more after the first run")
	assert.Len(t, srv.batchSizes(), 1)
}

func TestPull_TriggerDuringPullRunsSync(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()
	_, err := c.CreateWorkOrder(ctx, title("x"))
	require.NoError(t, err)

	var nested error
	srv.onChanges = func() { _, nested = c.SyncOnce(ctx) }
	_, err = c.Pull(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, nested, ErrSyncInProgress)

	assert.Equal(t, StateIdle, c.State())
	assert.Len(t, srv.batchSizes(), 1, "the trigger was not lost")
	ops, err := c.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncOnce_EditDuringSubmitIsRebased(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()
	localID, err := c.CreateWorkOrder(ctx, title("A"))
	require.NoError(t, err)

	srv.onBatch = func([]fieldsync.ProposedOperation) {
		srv.onBatch = nil
		require.NoError(t, c.UpdateWorkOrder(ctx, localID, title("B")))
	}
	report, err := c.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	require.Len(t, srv.batches, 2)
	second := srv.batches[1][0]
	assert.Equal(t, fieldsync.OpUpdate, second.Operation)
	require.NotNil(t, second.ClientVersion)
	assert.Equal(t, int64(1), *second.ClientVersion)

	rec, err := c.Get(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Title)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, fieldsync.SyncSynced, rec.SyncStatus)
	assert.Equal(t, "B", srv.record(rec.ID).Title)
}

func TestSyncOnce_DeleteDuringSubmitIsRebased(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)
	ctx := context.Background()
	localID, err := c.CreateWorkOrder(ctx, title("A"))
	require.NoError(t, err)

	srv.onBatch = func([]fieldsync.ProposedOperation) {
		srv.onBatch = nil
		require.NoError(t, c.DeleteWorkOrder(ctx, localID))
	}
	_, err = c.SyncOnce(ctx)
	require.NoError(t, err)

	assert.True(t, srv.records[501].Deleted())
	_, err = c.Get(ctx, localID)
	require.ErrorIs(t, err, ErrNotFound, "acknowledged deletes are purged")
}

func TestRun_SyncsOnTriggerAndStops(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig()
	cfg.PullInterval = 0
	c := newTestClient(t, srv, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggers := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, triggers) }()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.pulls >= 1
	}, 2*time.Second, 10*time.Millisecond, "initial sync")

	localID, err := c.CreateWorkOrder(context.Background(), title("triggered"))
	require.NoError(t, err)
	triggers <- struct{}{}

	require.Eventually(t, func() bool {
		rec, err := c.Get(context.Background(), localID)
		return err == nil && rec.SyncStatus == fieldsync.SyncSynced
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDriverState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "reconciling", StateReconciling.String())
	assert.Equal(t, "state(9)", DriverState(9).String())
}
