// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"golang.org/x/sync/errgroup"
)

// DriverState is the phase of the current sync run.
type DriverState int32

const (
	StateIdle DriverState = iota
	StateDraining
	StateSubmitting
	StateReconciling
	StatePulling
)

func (s DriverState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateSubmitting:
		return "submitting"
	case StateReconciling:
		return "reconciling"
	case StatePulling:
		return "pulling"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// maxPasses bounds back-to-back passes within one SyncOnce call. Leftover work stays queued
// for the next trigger.
const maxPasses = 8

// State returns the current driver phase.
func (c *Client) State() DriverState { return DriverState(c.state.Load()) }

func (c *Client) setState(s DriverState) { c.state.Store(int32(s)) }

// SyncReport summarizes one SyncOnce call.
type SyncReport struct {
	Passes    int
	Submitted int
	Applied   int
	Conflicts int
	Failed    int
	Poisoned  int
	Pulled    int
}

// SyncOnce runs Draining → Submitting → Reconciling → Pulling and returns to Idle. Only one run
// is in flight at a time: a call made while another run is active marks that run to repeat
// and returns ErrSyncInProgress. A transport failure ends the run without pulling.
func (c *Client) SyncOnce(ctx context.Context) (*SyncReport, error) {
	if !c.acquire(StateDraining) {
		return nil, ErrSyncInProgress
	}
	report := &SyncReport{}
	return report, c.runPasses(ctx, report)
}

// acquire moves the driver from Idle to s. When a run is active it records a rerun request
// for that run instead.
func (c *Client) acquire(s DriverState) bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.State() != StateIdle {
		c.rerun.Store(true)
		return false
	}
	c.rerun.Store(false)
	c.setState(s)
	return true
}

// release returns the driver to Idle, or keeps it and reports true when again is set and a
// rerun was requested since the last acquire or release.
func (c *Client) release(again bool) bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if again && c.rerun.Load() {
		c.rerun.Store(false)
		c.setState(StateDraining)
		return true
	}
	c.setState(StateIdle)
	return false
}

func (c *Client) runPasses(ctx context.Context, report *SyncReport) error {
	for pass := 1; ; pass++ {
		report.Passes++
		if err := c.pass(ctx, report); err != nil {
			c.release(false)
			return err
		}
		if !c.release(pass < maxPasses) {
			return nil
		}
	}
}

func (c *Client) pass(ctx context.Context, report *SyncReport) error {
	c.setState(StateDraining)
	batch, err := c.drain(ctx)
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		c.setState(StateSubmitting)
		if err := c.submitAdaptive(ctx, batch, report); err != nil {
			c.logger.Warn("Sync run aborted during submit", "error", err)
			return err
		}
	}
	c.setState(StatePulling)
	n, err := c.pull(ctx)
	report.Pulled += n
	if err != nil {
		c.logger.Warn("Sync run aborted during pull", "error", err)
		return err
	}
	return nil
}

// pendingOp pairs a queued operation as drained with its wire form. sent is the revision
// whose payload the wire form carries.
type pendingOp struct {
	queued QueuedOperation
	wire   fieldsync.ProposedOperation
	sent   int64
}

// drain reads ready operations in FIFO order and marks the first drained revision as submitted
// in the same transaction, so concurrent edits are seen as later revisions. Creates whose record
// a pull already bound to a server id are acknowledged locally instead of being re-sent.
func (c *Client) drain(ctx context.Context) ([]pendingOp, error) {
	var out []pendingOp
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		ops, err := listQueued(ctx, tx, QueueReady)
		if err != nil {
			return err
		}
		for _, q := range ops {
			rec, err := getRecord(ctx, tx, q.LocalID)
			if errors.Is(err, ErrNotFound) {
				c.logger.Warn("Queued operation without a local record; dropping", "local_id", q.LocalID)
				if err := removeQueued(ctx, tx, q.LocalID); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if q.Operation == fieldsync.OpCreate && rec.HasServerID() {
				id, v := rec.ID, int64(1)
				snap := rec.WorkOrder
				snap.SyncStatus = fieldsync.SyncSynced
				ack := fieldsync.SyncOutcome{LocalID: q.LocalID, OpID: q.OpID, Status: fieldsync.StApplied,
					ServerID: &id, NewVersion: &v, ServerSnapshot: &snap, Replayed: true}
				c.logger.Info("Create already present on server; not re-sending", "local_id", q.LocalID, "server_id", id)
				if err := c.reconcileApplied(ctx, tx, &q, rec, ack, q.SubmittedRevision); err != nil {
					return err
				}
				continue
			}

			op, err := wireOperation(&q, rec)
			if err != nil {
				q.State = QueuePoisoned
				q.LastError = err.Error()
				c.logger.Error("Queued operation cannot be sent", "local_id", q.LocalID, "error", err)
				if err := updateQueued(ctx, tx, &q); err != nil {
					return err
				}
				continue
			}
			// A resend keeps the op id, so the server may replay the first submitted revision.
			// submitted_revision stays there until an outcome settles it.
			if !q.Submitted() {
				if _, err := tx.ExecContext(ctx, `UPDATE _sync_queue SET submitted_revision = ? WHERE seq = ?`, q.Revision, q.Seq); err != nil {
					return fmt.Errorf("mark submitted %s: %w", q.LocalID, err)
				}
				q.SubmittedRevision = q.Revision
			}
			out = append(out, pendingOp{queued: q, wire: op, sent: q.Revision})
		}
		return nil
	})
	return out, err
}

// wireOperation converts a queued operation into its typed variant and wire form.
func wireOperation(q *QueuedOperation, rec *LocalWorkOrder) (fieldsync.ProposedOperation, error) {
	patch, err := q.Patch()
	if err != nil {
		return fieldsync.ProposedOperation{}, err
	}
	ref := fieldsync.OpRef{LocalID: q.LocalID, OpID: q.OpID}
	var op fieldsync.Operation
	switch q.Operation {
	case fieldsync.OpCreate:
		op = fieldsync.CreateOp{OpRef: ref, Fields: patch}
	case fieldsync.OpUpdate:
		if !rec.HasServerID() {
			return fieldsync.ProposedOperation{}, fmt.Errorf("update of %s has no server id", q.LocalID)
		}
		op = fieldsync.UpdateOp{OpRef: ref, ID: rec.ID, ClientVersion: q.ClientVersion, Changes: patch}
	case fieldsync.OpDelete:
		if !rec.HasServerID() {
			return fieldsync.ProposedOperation{}, fmt.Errorf("delete of %s has no server id", q.LocalID)
		}
		op = fieldsync.DeleteOp{OpRef: ref, ID: rec.ID, ClientVersion: q.ClientVersion}
	default:
		return fieldsync.ProposedOperation{}, fmt.Errorf("%w: %q", fieldsync.ErrUnknownOp, string(q.Operation))
	}
	return fieldsync.Encode(op)
}

// submitAdaptive posts the drained operations in sequential windows of MaxBatchSize and
// halves the window when the server answers batch_too_large.
func (c *Client) submitAdaptive(ctx context.Context, ops []pendingOp, report *SyncReport) error {
	chunkSize := len(ops)
	if c.config.MaxBatchSize > 0 && c.config.MaxBatchSize < chunkSize {
		chunkSize = c.config.MaxBatchSize
	}
	for start := 0; start < len(ops); {
		if chunkSize > len(ops)-start {
			chunkSize = len(ops) - start
		}
		chunk := ops[start : start+chunkSize]
		wire := make([]fieldsync.ProposedOperation, len(chunk))
		for i := range chunk {
			wire[i] = chunk[i].wire
		}

		c.setState(StateSubmitting)
		resp, err := c.sendBatch(ctx, wire)
		if err != nil {
			return fmt.Errorf("failed to submit batch: %w", err)
		}
		report.Submitted += len(chunk)

		if allBatchTooLarge(resp) && chunkSize > 1 {
			newSize := chunkSize / 2
			c.logger.Warn("Server rejected batch as too large; reducing chunk size",
				"from", chunkSize, "to", newSize, "pending", len(ops)-start)
			report.Submitted -= len(chunk)
			chunkSize = newSize
			continue
		}

		c.setState(StateReconciling)
		if err := c.reconcile(ctx, chunk, resp.Outcomes, report); err != nil {
			return fmt.Errorf("failed to reconcile batch: %w", err)
		}
		start += len(chunk)
	}
	return nil
}

func allBatchTooLarge(resp *fieldsync.BatchResponse) bool {
	if len(resp.Outcomes) == 0 {
		return false
	}
	for _, o := range resp.Outcomes {
		if o.Status != fieldsync.StFailed || o.Reason != fieldsync.ReasonBatchTooLarge {
			return false
		}
	}
	return true
}

// Run syncs once, then on every trigger event and every PullInterval until ctx is done.
// After a transport failure it retries with exponential backoff between BackoffMin and
// BackoffMax.
func (c *Client) Run(ctx context.Context, triggers <-chan struct{}) error {
	var tick <-chan time.Time
	if c.config.PullInterval > 0 {
		t := time.NewTicker(c.config.PullInterval)
		defer t.Stop()
		tick = t.C
	}
	backoff := c.config.BackoffMin
	var retry <-chan time.Time

	for {
		_, err := c.SyncOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && IsTransportError(err):
			c.logger.Info("Server unreachable; retrying later", "backoff", backoff, "error", err)
			retry = time.After(backoff)
			backoff = min(backoff*2, c.config.BackoffMax)
		case err != nil && !errors.Is(err, ErrSyncInProgress):
			c.logger.Error("Sync failed", "error", err)
			retry = nil
		default:
			backoff = c.config.BackoffMin
			retry = nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-triggers:
		case <-tick:
		case <-retry:
		}
	}
}

// Start runs the connectivity monitor and the sync loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context, monitor *Monitor) error {
	g, ctx := errgroup.WithContext(ctx)
	var events <-chan struct{}
	if monitor != nil {
		events = monitor.Events()
		g.Go(func() error { return monitor.Run(ctx) })
	}
	g.Go(func() error { return c.Run(ctx, events) })
	return g.Wait()
}
