// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// CreateWorkOrder stores a new record locally and queues its create. It returns the local id.
func (c *Client) CreateWorkOrder(ctx context.Context, fields fieldsync.WorkOrderPatch) (string, error) {
	if err := fields.Validate(true); err != nil {
		return "", err
	}
	localID := uuid.NewString()
	now := c.now().UTC()
	rec := &LocalWorkOrder{LocalID: localID, WorkOrder: fieldsync.NewWorkOrder()}
	fields.ApplyTo(&rec.WorkOrder)
	rec.CreatedBy = c.UserID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ClientRef = fieldsync.ClientRef(c.SourceID, localID)

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := putRecord(ctx, tx, rec, now); err != nil {
			return err
		}
		_, err := c.enqueueTx(ctx, tx, fieldsync.OpCreate, &fields, localID, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("Work order created locally", "local_id", localID)
	return localID, nil
}

// UpdateWorkOrder applies a partial change to the cached record and queues it.
func (c *Client) UpdateWorkOrder(ctx context.Context, localID string, changes fieldsync.WorkOrderPatch) error {
	if changes.IsEmpty() {
		return fmt.Errorf("%w: update changes no fields", fieldsync.ErrBadPayload)
	}
	if err := changes.Validate(false); err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := editableRecord(ctx, tx, localID)
		if err != nil {
			return err
		}
		if _, err := c.enqueueTx(ctx, tx, fieldsync.OpUpdate, &changes, localID, observedVersion(rec)); err != nil {
			return err
		}
		changes.ApplyTo(&rec.WorkOrder)
		rec.SyncStatus = fieldsync.SyncPending
		rec.UpdatedAt = c.now().UTC()
		return putRecord(ctx, tx, rec, c.now())
	})
}

// DeleteWorkOrder marks the record deleted and queues the delete. The record stays in the
// store as a tombstone until the server acknowledges it, so the delete can be undone.
// Deleting a record that never reached the server removes it outright.
func (c *Client) DeleteWorkOrder(ctx context.Context, localID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := editableRecord(ctx, tx, localID)
		if err != nil {
			return err
		}
		dropped, err := c.enqueueTx(ctx, tx, fieldsync.OpDelete, nil, localID, observedVersion(rec))
		if err != nil {
			return err
		}
		if dropped {
			return deleteRecord(ctx, tx, localID)
		}
		rec.SyncStatus = fieldsync.SyncDeleted
		return putRecord(ctx, tx, rec, c.now())
	})
}

// UndoDelete restores a tombstoned record whose delete has not been sent yet.
func (c *Client) UndoDelete(ctx context.Context, localID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, localID)
		if err != nil {
			return err
		}
		if rec.SyncStatus != fieldsync.SyncDeleted {
			return fmt.Errorf("%w: %s is not deleted", ErrNotResolvable, localID)
		}
		op, err := getQueued(ctx, tx, localID)
		if err != nil {
			return err
		}
		rec.SyncStatus = fieldsync.SyncPending
		switch {
		case op == nil:
			rec.SyncStatus = fieldsync.SyncSynced
		case op.Operation == fieldsync.OpDelete && op.Submitted():
			return fmt.Errorf("%w: delete of %s", ErrAlreadySubmitted, localID)
		case op.Operation == fieldsync.OpDelete && len(op.Payload) == 0:
			if err := removeQueued(ctx, tx, localID); err != nil {
				return err
			}
			rec.SyncStatus = fieldsync.SyncSynced
		default:
			// Back to the edit the delete replaced, or a submitted create/update whose
			// acknowledgment would otherwise be rebased into a delete
			if op.Operation == fieldsync.OpDelete {
				op.Operation = fieldsync.OpUpdate
			}
			op.Revision++
			if err := updateQueued(ctx, tx, op); err != nil {
				return err
			}
		}
		return putRecord(ctx, tx, rec, c.now())
	})
}

// ResolutionKind selects how a conflicted record is settled.
type ResolutionKind int

const (
	ResolveKeepServer ResolutionKind = iota // Adopt the server snapshot and drop the local edit
	ResolveKeepLocal                        // Re-send the local edit against the server version
	ResolveMerge                            // Send a caller-merged patch against the server version
)

// Resolution is the user's decision for a conflicted record.
type Resolution struct {
	Kind  ResolutionKind
	Patch fieldsync.WorkOrderPatch // ResolveMerge only
}

func KeepServer() Resolution { return Resolution{Kind: ResolveKeepServer} }
func KeepLocal() Resolution  { return Resolution{Kind: ResolveKeepLocal} }

func Merge(p fieldsync.WorkOrderPatch) Resolution {
	return Resolution{Kind: ResolveMerge, Patch: p}
}

// ResolveConflict settles a record held in conflict. KeepLocal and Merge re-queue the change
// against the version in the server snapshot; when the server deleted the record, KeepLocal
// re-creates it under a new local id.
func (c *Client) ResolveConflict(ctx context.Context, localID string, res Resolution) error {
	if res.Kind == ResolveMerge {
		if res.Patch.IsEmpty() {
			return fmt.Errorf("%w: merge changes no fields", fieldsync.ErrBadPayload)
		}
		if err := res.Patch.Validate(false); err != nil {
			return err
		}
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, localID)
		if err != nil {
			return err
		}
		op, err := getQueued(ctx, tx, localID)
		if err != nil {
			return err
		}
		if rec.SyncStatus != fieldsync.SyncConflict || rec.ConflictSnapshot == nil || op == nil {
			return fmt.Errorf("%w: %s", ErrNotResolvable, localID)
		}
		snap := *rec.ConflictSnapshot

		switch res.Kind {
		case ResolveKeepServer:
			return c.adoptSnapshot(ctx, tx, rec, snap)
		case ResolveKeepLocal, ResolveMerge:
			if snap.Deleted() && op.Operation != fieldsync.OpDelete {
				return c.recreate(ctx, tx, rec, res)
			}
			patch, err := op.Patch()
			if err != nil {
				return err
			}
			if res.Kind == ResolveMerge {
				patch = res.Patch
			}
			version := snap.Version
			op.OpID = uuid.NewString()
			op.ClientVersion = &version
			op.SubmittedRevision = 0
			op.Revision++
			op.State = QueueReady
			op.RetryCount = 0
			op.LastError = ""

			rec.WorkOrder = snap
			rec.ConflictSnapshot = nil
			if op.Operation == fieldsync.OpDelete {
				rec.SyncStatus = fieldsync.SyncDeleted
				if res.Kind == ResolveMerge {
					return fmt.Errorf("%w: cannot merge into a delete", fieldsync.ErrBadPayload)
				}
			} else {
				if patch.IsEmpty() {
					return fmt.Errorf("%w: nothing to re-send for %s", ErrNotResolvable, localID)
				}
				op.Operation = fieldsync.OpUpdate
				if op.Payload, err = json.Marshal(patch); err != nil {
					return fmt.Errorf("encode payload: %w", err)
				}
				patch.ApplyTo(&rec.WorkOrder)
				rec.SyncStatus = fieldsync.SyncPending
			}
			if err := updateQueued(ctx, tx, op); err != nil {
				return err
			}
			return putRecord(ctx, tx, rec, c.now())
		}
		return fmt.Errorf("unknown resolution %d", res.Kind)
	})
}

// adoptSnapshot replaces the local record with the server copy and drops the queued operation.
func (c *Client) adoptSnapshot(ctx context.Context, tx *sql.Tx, rec *LocalWorkOrder, snap fieldsync.WorkOrder) error {
	if err := removeQueued(ctx, tx, rec.LocalID); err != nil {
		return err
	}
	if snap.Deleted() {
		return deleteRecord(ctx, tx, rec.LocalID)
	}
	rec.WorkOrder = snap
	rec.SyncStatus = fieldsync.SyncSynced
	rec.ConflictSnapshot = nil
	return putRecord(ctx, tx, rec, c.now())
}

// recreate moves a record the server deleted to a fresh local id with a queued create, so the
// server does not resolve it to the deleted row through its client reference.
func (c *Client) recreate(ctx context.Context, tx *sql.Tx, rec *LocalWorkOrder, res Resolution) error {
	if err := removeQueued(ctx, tx, rec.LocalID); err != nil {
		return err
	}
	if err := deleteRecord(ctx, tx, rec.LocalID); err != nil {
		return err
	}
	fields := patchFromRecord(rec.WorkOrder)
	if res.Kind == ResolveMerge {
		fields = fields.Merge(res.Patch)
	}
	now := c.now().UTC()
	fresh := &LocalWorkOrder{LocalID: uuid.NewString(), WorkOrder: fieldsync.NewWorkOrder()}
	fields.ApplyTo(&fresh.WorkOrder)
	fresh.CreatedBy = c.UserID
	fresh.CreatedAt = now
	fresh.UpdatedAt = now
	fresh.ClientRef = fieldsync.ClientRef(c.SourceID, fresh.LocalID)
	if err := putRecord(ctx, tx, fresh, now); err != nil {
		return err
	}
	c.logger.Info("Re-creating work order deleted on server", "local_id", rec.LocalID, "new_local_id", fresh.LocalID)
	_, err := c.enqueueTx(ctx, tx, fieldsync.OpCreate, &fields, fresh.LocalID, nil)
	return err
}

// RetryPoisoned makes a poisoned operation eligible for automatic batches again.
func (c *Client) RetryPoisoned(ctx context.Context, localID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getQueued(ctx, tx, localID)
		if err != nil {
			return err
		}
		if op == nil || op.State != QueuePoisoned {
			return fmt.Errorf("%w: %s is not poisoned", ErrNotResolvable, localID)
		}
		op.State = QueueReady
		op.RetryCount = 0
		op.LastError = ""
		return updateQueued(ctx, tx, op)
	})
}

// DiscardOperation drops the queued operation for a record after user confirmation and
// reverts the local copy. Records that never reached the server are removed; others are
// re-fetched by the next pull.
func (c *Client) DiscardOperation(ctx context.Context, localID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, localID)
		if err != nil {
			return err
		}
		op, err := getQueued(ctx, tx, localID)
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("%w: nothing queued for %s", ErrNotResolvable, localID)
		}
		if rec.ConflictSnapshot != nil {
			return c.adoptSnapshot(ctx, tx, rec, *rec.ConflictSnapshot)
		}
		if err := removeQueued(ctx, tx, localID); err != nil {
			return err
		}
		if !rec.HasServerID() {
			if op.Submitted() && op.Operation == fieldsync.OpCreate {
				c.logger.Warn("Discarding a submitted create; the server may still hold it", "local_id", localID)
			}
			return deleteRecord(ctx, tx, localID)
		}
		// Version 0 lets the next pull overwrite the local edits with the server copy
		rec.Version = 0
		rec.SyncStatus = fieldsync.SyncSynced
		if err := putRecord(ctx, tx, rec, c.now()); err != nil {
			return err
		}
		return c.rewindWatermark(ctx, tx, rec.LastSyncAt)
	})
}

// rewindWatermark moves the stored watermark before t so the next pull re-fetches a record
// last acknowledged at t.
func (c *Client) rewindWatermark(ctx context.Context, tx *sql.Tx, t time.Time) error {
	wm, err := effectiveWatermark(ctx, tx)
	if err != nil {
		return err
	}
	target := time.Time{}
	if !t.IsZero() {
		target = t.Add(-time.Nanosecond)
	}
	if target.Before(wm) {
		return setMeta(ctx, tx, metaWatermark, target.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// editableRecord loads a record the user may change.
func editableRecord(ctx context.Context, tx *sql.Tx, localID string) (*LocalWorkOrder, error) {
	rec, err := getRecord(ctx, tx, localID)
	if err != nil {
		return nil, err
	}
	switch rec.SyncStatus {
	case fieldsync.SyncDeleted:
		return nil, fmt.Errorf("%w: %s", ErrRecordDeleted, localID)
	case fieldsync.SyncConflict:
		return nil, fmt.Errorf("%w: %s", ErrRecordInConflict, localID)
	}
	return rec, nil
}

// observedVersion is the client version for a new update or delete; nil until the server
// acknowledged the record.
func observedVersion(rec *LocalWorkOrder) *int64 {
	if !rec.HasServerID() || rec.Version < 1 {
		return nil
	}
	v := rec.Version
	return &v
}

// patchFromRecord builds a create patch carrying every business field of w.
func patchFromRecord(w fieldsync.WorkOrder) fieldsync.WorkOrderPatch {
	p := fieldsync.WorkOrderPatch{
		Title:       fieldsync.Value(w.Title),
		Description: fieldsync.Value(w.Description),
		Priority:    fieldsync.Value(w.Priority),
		Status:      fieldsync.Value(w.Status),
	}
	if w.AssignedTo != nil {
		p.AssignedTo = fieldsync.Value(*w.AssignedTo)
	}
	if w.TeamID != nil {
		p.TeamID = fieldsync.Value(*w.TeamID)
	}
	if w.EstimatedHours != nil {
		p.EstimatedHours = fieldsync.Value(*w.EstimatedHours)
	}
	if w.ActualHours != nil {
		p.ActualHours = fieldsync.Value(*w.ActualHours)
	}
	if w.DueDate != nil {
		p.DueDate = fieldsync.Value(*w.DueDate)
	}
	if w.Location != nil {
		p.Location = fieldsync.Value(*w.Location)
	}
	if w.EquipmentRef != nil {
		p.EquipmentRef = fieldsync.Value(*w.EquipmentRef)
	}
	return p
}

// Stats is a local diagnostic summary.
type Stats struct {
	Queued      int
	Ready       int
	Conflicted  int
	Poisoned    int
	Records     map[fieldsync.SyncStatus]int
	Watermark   time.Time
	DriverState DriverState
}

// Stats counts queued operations by state and cached records by sync status.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Records: map[fieldsync.SyncStatus]int{}, DriverState: c.State()}
	rows, err := c.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM _sync_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		st.Queued += n
		switch QueueState(state) {
		case QueueReady:
			st.Ready = n
		case QueueConflict:
			st.Conflicted = n
		case QueuePoisoned:
			st.Poisoned = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recs, err := c.DB.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM work_orders GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer recs.Close()
	for recs.Next() {
		var status string
		var n int
		if err := recs.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.Records[fieldsync.SyncStatus(status)] = n
	}
	if err := recs.Err(); err != nil {
		return nil, err
	}
	if st.Watermark, err = c.Watermark(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
