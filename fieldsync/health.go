// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Health reports counts of work orders visible to the caller by sync status, plus open
// conflict log entries. Diagnostic only.
func (s *SyncService) Health(ctx context.Context, scope CallerScope) (*HealthResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	out := &HealthResponse{}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		args := pgx.NamedArgs{}
		rows, err := tx.Query(ctx, `
			SELECT sync_status, count(*) FROM fieldsync.work_orders
			WHERE `+scope.predicate("", args)+`
			GROUP BY sync_status`, args)
		if err != nil {
			return fmt.Errorf("count by status: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch SyncStatus(status) {
			case SyncPending:
				out.Pending = n
			case SyncSynced:
				out.Synced = n
			case SyncConflict:
				out.Conflict = n
			case SyncDeleted:
				out.Deleted = n
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		cargs := pgx.NamedArgs{}
		err = tx.QueryRow(ctx, `
			SELECT count(*), clock_timestamp() FROM fieldsync.sync_conflicts c
			JOIN fieldsync.work_orders w ON w.id = c.work_order_id
			WHERE c.resolved_at IS NULL AND `+scope.predicate("w", cargs), cargs).Scan(&out.OpenConflicts, &out.ServerTime)
		if err != nil {
			return fmt.Errorf("count open conflicts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
