// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Watermark returns the timestamp the next pull starts from: the last serverTime stored by
// a completed pull, falling back to the newest last_sync_at over synced records.
func (c *Client) Watermark(ctx context.Context) (time.Time, error) {
	return effectiveWatermark(ctx, c.DB)
}

func effectiveWatermark(ctx context.Context, q queryer) (time.Time, error) {
	v, ok, err := getMetaCtx(ctx, q, metaWatermark)
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	if ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse watermark %q: %w", v, err)
		}
		return t, nil
	}
	var maxSync sql.NullInt64
	if err := q.QueryRowContext(ctx,
		`SELECT MAX(last_sync_at) FROM work_orders WHERE sync_status = 'synced'`).Scan(&maxSync); err != nil {
		return time.Time{}, fmt.Errorf("derive watermark: %w", err)
	}
	if !maxSync.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, maxSync.Int64).UTC(), nil
}

// Pull fetches changes since the watermark and merges them into the local store. It is
// normally run by SyncOnce after submit; calling it directly is useful for read-only devices.
func (c *Client) Pull(ctx context.Context) (int, error) {
	if !c.acquire(StatePulling) {
		return 0, ErrSyncInProgress
	}
	n, err := c.pull(ctx)
	if err != nil {
		c.release(false)
		return n, err
	}
	if c.release(true) {
		// A sync requested while pulling runs before returning
		report := &SyncReport{}
		err = c.runPasses(ctx, report)
		n += report.Pulled
	}
	return n, err
}

// pull pages through the feed with the window frozen at the first page's serverTime and
// stores the final serverTime as the new watermark once every page is merged.
func (c *Client) pull(ctx context.Context) (int, error) {
	since, err := c.Watermark(ctx)
	if err != nil {
		return 0, err
	}
	page := changesPage{since: since, limit: c.config.PullLimit}
	merged := 0
	for {
		resp, err := c.fetchChanges(ctx, page)
		if err != nil {
			return merged, fmt.Errorf("failed to pull changes: %w", err)
		}
		n, err := c.mergeChanges(ctx, resp.Changes)
		merged += n
		if err != nil {
			return merged, err
		}
		if !resp.HasMore || len(resp.Changes) == 0 {
			if resp.ServerTime.IsZero() {
				return merged, nil
			}
			err := c.withTx(ctx, func(tx *sql.Tx) error {
				return setMeta(ctx, tx, metaWatermark, resp.ServerTime.UTC().Format(time.RFC3339Nano))
			})
			if err != nil {
				return merged, fmt.Errorf("store watermark: %w", err)
			}
			c.logger.Debug("Pull complete", "merged", merged, "watermark", resp.ServerTime)
			return merged, nil
		}

		if page.until == nil {
			until := resp.ServerTime
			page.until = &until
		}
		last := resp.Changes[len(resp.Changes)-1]
		page.since, page.afterID = last.LastSyncAt, last.ID
		if resp.NextLastSync != nil && resp.NextAfterID > 0 {
			page.since, page.afterID = *resp.NextLastSync, resp.NextAfterID
		}
	}
}

func (c *Client) mergeChanges(ctx context.Context, changes []fieldsync.WorkOrder) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	merged := 0
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		merged = 0
		for i := range changes {
			ok, err := c.mergeOne(ctx, tx, changes[i])
			if err != nil {
				return err
			}
			if ok {
				merged++
			}
		}
		return nil
	})
	return merged, err
}

// mergeOne folds one server record into the store and reports whether anything changed.
// Records in conflict are never overwritten; only their snapshot is refreshed.
func (c *Client) mergeOne(ctx context.Context, tx *sql.Tx, s fieldsync.WorkOrder) (bool, error) {
	rec, err := getRecordByServerID(ctx, tx, s.ID)
	if err != nil {
		return false, err
	}
	bound := false
	if rec == nil {
		if rec, err = c.boundByClientRef(ctx, tx, s); err != nil {
			return false, err
		}
		bound = rec != nil
	}

	if rec == nil {
		if s.Deleted() {
			return false, nil
		}
		rec = &LocalWorkOrder{LocalID: uuid.NewString(), WorkOrder: s}
		rec.SyncStatus = fieldsync.SyncSynced
		return true, putRecord(ctx, tx, rec, c.now())
	}

	if rec.SyncStatus == fieldsync.SyncConflict {
		snap := rec.ConflictSnapshot
		if snap == nil || s.Version > snap.Version || (s.Deleted() && !snap.Deleted()) {
			rec.ConflictSnapshot = &s
			return true, putRecord(ctx, tx, rec, c.now())
		}
		return false, nil
	}

	q, err := getQueued(ctx, tx, rec.LocalID)
	if err != nil {
		return false, err
	}
	if q != nil {
		if s.Deleted() {
			if q.Operation == fieldsync.OpDelete || rec.SyncStatus == fieldsync.SyncDeleted {
				if err := removeQueued(ctx, tx, rec.LocalID); err != nil {
					return false, err
				}
				return true, deleteRecord(ctx, tx, rec.LocalID)
			}
			c.logger.Info("Server deleted a locally edited record", "local_id", rec.LocalID, "server_id", s.ID)
			return true, c.markConflict(ctx, tx, q, rec, &s)
		}
		if !bound && s.Version < rec.Version {
			return false, nil
		}
		patch, err := q.Patch()
		if err != nil {
			return false, err
		}
		status := rec.SyncStatus
		rec.WorkOrder = s
		patch.ApplyTo(&rec.WorkOrder)
		rec.SyncStatus = status
		return true, putRecord(ctx, tx, rec, c.now())
	}

	if s.Deleted() {
		return true, deleteRecord(ctx, tx, rec.LocalID)
	}
	if rec.SyncStatus == fieldsync.SyncSynced && s.Version <= rec.Version {
		return false, nil
	}
	rec.WorkOrder = s
	rec.SyncStatus = fieldsync.SyncSynced
	return true, putRecord(ctx, tx, rec, c.now())
}

// boundByClientRef finds the local record whose create produced s, for creates acknowledged
// on the server while the outcome was lost.
func (c *Client) boundByClientRef(ctx context.Context, tx *sql.Tx, s fieldsync.WorkOrder) (*LocalWorkOrder, error) {
	prefix := c.SourceID + "/"
	if !strings.HasPrefix(s.ClientRef, prefix) {
		return nil, nil
	}
	rec, err := getRecord(ctx, tx, strings.TrimPrefix(s.ClientRef, prefix))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.HasServerID() {
		return nil, nil
	}
	c.logger.Info("Bound local create to server record", "local_id", rec.LocalID, "server_id", s.ID)
	return rec, nil
}
