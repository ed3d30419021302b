// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ConflictFilter selects conflict log entries.
type ConflictFilter struct {
	WorkOrderID     int64 // 0 = any
	AfterID         int64 // Keyset cursor
	Limit           int
	IncludeResolved bool
}

// ListConflicts returns conflict log entries for work orders visible to the caller, oldest first.
func (s *SyncService) ListConflicts(ctx context.Context, scope CallerScope, f ConflictFilter) (*ConflictListResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args := pgx.NamedArgs{"after": f.AfterID, "limit": limit + 1}
	where := "c.id > @after AND " + scope.predicate("w", args)
	if !f.IncludeResolved {
		where += " AND c.resolved_at IS NULL"
	}
	if f.WorkOrderID > 0 {
		where += " AND c.work_order_id = @work_order_id"
		args["work_order_id"] = f.WorkOrderID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.work_order_id, c.source_id, c.local_id, c.client_version, c.server_version,
		       c.attempted, c.detected_at, c.resolved_at
		FROM fieldsync.sync_conflicts c
		JOIN fieldsync.work_orders w ON w.id = c.work_order_id
		WHERE `+where+`
		ORDER BY c.id
		LIMIT @limit`, args)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := &ConflictListResponse{Conflicts: []ConflictRecord{}}
	for rows.Next() {
		var r ConflictRecord
		var attempted []byte
		if err := rows.Scan(&r.ID, &r.WorkOrderID, &r.SourceID, &r.LocalID, &r.ClientVersion, &r.ServerVersion,
			&attempted, &r.DetectedAt, &r.ResolvedAt); err != nil {
			return nil, err
		}
		r.Attempted = attempted
		out.Conflicts = append(out.Conflicts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out.Conflicts) > limit {
		out.Conflicts = out.Conflicts[:limit]
		out.HasMore = true
		out.NextAfterID = out.Conflicts[limit-1].ID
	}
	return out, nil
}

// ResolveConflict closes an open conflict log entry visible to the caller.
// It does not modify the work order; the resolving edit travels through ApplyBatch.
func (s *SyncService) ResolveConflict(ctx context.Context, scope CallerScope, id int64) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	args := pgx.NamedArgs{"id": id}
	tag, err := s.pool.Exec(ctx, `
		UPDATE fieldsync.sync_conflicts c SET resolved_at = now()
		FROM fieldsync.work_orders w
		WHERE c.id = @id AND c.resolved_at IS NULL AND w.id = c.work_order_id AND `+scope.predicate("w", args), args)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: open conflict %d", ErrNotFound, id)
	}
	s.logger.Info("Conflict resolved", "conflict_id", id, "user_id", scope.UserID)
	return nil
}
