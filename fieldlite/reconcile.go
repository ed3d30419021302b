// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// reconcile applies the outcomes of one batch to the queue and the cached records.
// Outcomes are positional: outcome i belongs to operation i.
func (c *Client) reconcile(ctx context.Context, chunk []pendingOp, outcomes []fieldsync.SyncOutcome, report *SyncReport) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for i, p := range chunk {
			out := outcomes[i]
			if out.LocalID != p.queued.LocalID {
				return fmt.Errorf("outcome %d is for %q, expected %q", i, out.LocalID, p.queued.LocalID)
			}
			cur, err := getQueued(ctx, tx, p.queued.LocalID)
			if err != nil {
				return err
			}
			if cur == nil || cur.OpID != p.queued.OpID {
				// Resolved or discarded by the user while the batch was in flight
				c.logger.Info("Ignoring outcome for a replaced operation", "local_id", out.LocalID, "status", out.Status)
				continue
			}

			switch out.Status {
			case fieldsync.StApplied:
				rec, err := getRecord(ctx, tx, cur.LocalID)
				if errors.Is(err, ErrNotFound) {
					if err := removeQueued(ctx, tx, cur.LocalID); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				// A replay acknowledges an earlier send of this op id, at the earliest the first
				acked := p.sent
				if out.Replayed {
					acked = cur.SubmittedRevision
				}
				if err := c.reconcileApplied(ctx, tx, cur, rec, out, acked); err != nil {
					return err
				}
				report.Applied++

			case fieldsync.StConflict:
				rec, err := getRecord(ctx, tx, cur.LocalID)
				if err != nil {
					return err
				}
				c.logger.Info("Operation conflicted", "local_id", cur.LocalID, "server_id", rec.ID,
					"client_version", valueOr(cur.ClientVersion), "server_version", snapshotVersion(out.ServerSnapshot))
				if err := c.markConflict(ctx, tx, cur, rec, out.ServerSnapshot); err != nil {
					return err
				}
				report.Conflicts++

			default:
				poisoned, err := c.recordFailure(ctx, tx, cur, out)
				if err != nil {
					return err
				}
				report.Failed++
				if poisoned {
					report.Poisoned++
				}
			}
		}
		return nil
	})
}

// reconcileApplied settles an acknowledged operation. acked is the queue revision whose payload
// the server applied. When the user edited or deleted the record after that revision, the
// queued operation is rebased onto the version the operation produced and another pass is
// requested; a newer server version then surfaces as a conflict.
func (c *Client) reconcileApplied(ctx context.Context, tx *sql.Tx, q *QueuedOperation, rec *LocalWorkOrder,
	out fieldsync.SyncOutcome, acked int64) error {
	if q.Operation == fieldsync.OpDelete {
		if err := removeQueued(ctx, tx, q.LocalID); err != nil {
			return err
		}
		return deleteRecord(ctx, tx, q.LocalID)
	}

	base := rec.WorkOrder
	if out.ServerSnapshot != nil {
		base = *out.ServerSnapshot
	} else {
		if out.ServerID != nil {
			base.ID = *out.ServerID
		}
		if out.NewVersion != nil {
			base.Version = *out.NewVersion
		}
		if out.LastSyncAt != nil {
			base.LastSyncAt = *out.LastSyncAt
		}
		base.SyncStatus = fieldsync.SyncSynced
	}

	tombstoned := rec.SyncStatus == fieldsync.SyncDeleted
	later := tombstoned || q.Revision != acked
	if base.Deleted() {
		if !later {
			if err := removeQueued(ctx, tx, q.LocalID); err != nil {
				return err
			}
			return deleteRecord(ctx, tx, q.LocalID)
		}
		return c.markConflict(ctx, tx, q, rec, &base)
	}
	if !later {
		rec.WorkOrder = base
		rec.SyncStatus = fieldsync.SyncSynced
		if err := removeQueued(ctx, tx, q.LocalID); err != nil {
			return err
		}
		return putRecord(ctx, tx, rec, c.now())
	}

	patch, err := q.Patch()
	if err != nil {
		return err
	}
	version := base.Version
	if out.NewVersion != nil {
		version = *out.NewVersion
	}
	q.OpID = uuid.NewString()
	q.ClientVersion = &version
	q.SubmittedRevision = 0
	q.Revision++
	q.State = QueueReady
	q.RetryCount = 0
	q.LastError = ""

	rec.WorkOrder = base
	patch.ApplyTo(&rec.WorkOrder)
	if tombstoned {
		q.Operation = fieldsync.OpDelete
		rec.SyncStatus = fieldsync.SyncDeleted
	} else {
		q.Operation = fieldsync.OpUpdate
		rec.SyncStatus = fieldsync.SyncPending
	}
	if err := updateQueued(ctx, tx, q); err != nil {
		return err
	}
	c.rerun.Store(true)
	c.logger.Debug("Rebased queued operation onto acknowledged version",
		"local_id", q.LocalID, "operation", q.Operation, "client_version", version)
	return putRecord(ctx, tx, rec, c.now())
}

// markConflict holds the queued operation out of automatic batches and stores the server
// snapshot for review.
func (c *Client) markConflict(ctx context.Context, tx *sql.Tx, q *QueuedOperation, rec *LocalWorkOrder, snapshot *fieldsync.WorkOrder) error {
	q.State = QueueConflict
	if err := updateQueued(ctx, tx, q); err != nil {
		return err
	}
	rec.SyncStatus = fieldsync.SyncConflict
	rec.ConflictSnapshot = snapshot
	return putRecord(ctx, tx, rec, c.now())
}

// recordFailure counts a failed attempt. Cancelled items were never attempted and are not
// counted. It reports whether the operation is now poisoned.
func (c *Client) recordFailure(ctx context.Context, tx *sql.Tx, q *QueuedOperation, out fieldsync.SyncOutcome) (bool, error) {
	if out.Reason == fieldsync.ReasonCancelled {
		return false, nil
	}
	msg := out.Error
	if msg == "" {
		msg = out.Status
	}
	if out.Reason != "" {
		msg = out.Reason + ": " + msg
	}
	q.RetryCount++
	q.LastError = msg
	poisoned := c.config.MaxRetries > 0 && q.RetryCount >= c.config.MaxRetries
	if poisoned {
		q.State = QueuePoisoned
		c.logger.Warn("Operation poisoned; excluded from automatic sync",
			"local_id", q.LocalID, "retries", q.RetryCount, "error", msg)
	} else {
		c.logger.Info("Operation failed", "local_id", q.LocalID, "retries", q.RetryCount, "error", msg)
	}
	return poisoned, updateQueued(ctx, tx, q)
}

func snapshotVersion(w *fieldsync.WorkOrder) int64 {
	if w == nil {
		return 0
	}
	return w.Version
}

func valueOr(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
