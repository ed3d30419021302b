// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChangesQuery selects one page of the delta feed.
type ChangesQuery struct {
	EntityType string     // Defaults to work_order
	Since      time.Time  // Watermark; rows with last_sync_at strictly greater are returned
	AfterID    int64      // Keyset cursor within Since (0 on the first page)
	Until      *time.Time // Frozen upper bound from the first page's serverTime
	Limit      int        // 0 = service default
}

// GetChangesSince returns work orders visible to the caller whose last_sync_at is after the
// watermark, ordered by (last_sync_at, id). Scope filtering happens in the WHERE clause before
// the LIMIT. ServerTime comes from the database clock minus FeedSafetyLag and is the client's
// next watermark once HasMore is false.
func (s *SyncService) GetChangesSince(ctx context.Context, scope CallerScope, q ChangesQuery) (*ChangesResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if et := normalizeEntityType(q.EntityType); et != EntityWorkOrder {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, et)
	}
	if q.AfterID < 0 {
		return nil, fmt.Errorf("%w: afterId must be >= 0", ErrBadPayload)
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = s.config.DefaultPageLimit
	case limit > s.config.MaxPageLimit:
		limit = s.config.MaxPageLimit
	}

	fetch := s.startStage(MetricsOpChanges, MetricsStageFeedFetch)
	var resp *ChangesResponse
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var dbNow time.Time
		if err := tx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&dbNow); err != nil {
			return fmt.Errorf("read server time: %w", err)
		}
		until := dbNow.Add(-s.config.FeedSafetyLag)
		if q.Until != nil && q.Until.Before(until) {
			until = *q.Until
		}

		args := pgx.NamedArgs{
			"since": q.Since,
			"after": q.AfterID,
			"until": until,
			"limit": limit + 1,
		}
		cursor := `last_sync_at > @since`
		if q.AfterID > 0 {
			cursor = `(last_sync_at, id) > (@since, @after)`
		}
		rows, err := tx.Query(ctx, `
			SELECT `+workOrderColumns+`
			FROM fieldsync.work_orders
			WHERE `+cursor+`
			  AND last_sync_at <= @until
			  AND `+scope.predicate("", args)+`
			ORDER BY last_sync_at, id
			LIMIT @limit`, args)
		if err != nil {
			return fmt.Errorf("query changes: %w", err)
		}
		changes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (WorkOrder, error) {
			w, err := scanWorkOrder(row)
			if err != nil {
				return WorkOrder{}, err
			}
			return *w, nil
		})
		if err != nil {
			return fmt.Errorf("scan changes: %w", err)
		}

		resp = &ChangesResponse{Changes: changes, ServerTime: until}
		if len(changes) > limit {
			resp.Changes = changes[:limit]
			resp.HasMore = true
			last := resp.Changes[limit-1]
			ts := last.LastSyncAt
			resp.NextLastSync = &ts
			resp.NextAfterID = last.ID
		}
		if resp.Changes == nil {
			resp.Changes = []WorkOrder{}
		}
		return nil
	})
	count := 0
	if resp != nil {
		count = len(resp.Changes)
	}
	fetch.done(ctx, count, 1, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
