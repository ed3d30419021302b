// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// workOrderColumns is the select list matching scanWorkOrder.
const workOrderColumns = `id, title, description, assigned_to, team_id, created_by, priority, status,
	estimated_hours, actual_hours, due_date, location, equipment_ref, version, sync_status,
	last_sync_at, created_at, updated_at, COALESCE(client_ref, '')`

func scanWorkOrder(row pgx.Row) (*WorkOrder, error) {
	var w WorkOrder
	var priority, status, syncStatus string
	err := row.Scan(
		&w.ID, &w.Title, &w.Description, &w.AssignedTo, &w.TeamID, &w.CreatedBy, &priority, &status,
		&w.EstimatedHours, &w.ActualHours, &w.DueDate, &w.Location, &w.EquipmentRef, &w.Version, &syncStatus,
		&w.LastSyncAt, &w.CreatedAt, &w.UpdatedAt, &w.ClientRef,
	)
	if err != nil {
		return nil, err
	}
	w.Priority = Priority(priority)
	w.Status = Status(status)
	w.SyncStatus = SyncStatus(syncStatus)
	return &w, nil
}

// loadWorkOrder reads a work order visible to the caller, optionally locking it.
// It returns nil, nil when the row does not exist or is outside the caller's scope.
func loadWorkOrder(ctx context.Context, tx pgx.Tx, scope CallerScope, id int64, forUpdate bool) (*WorkOrder, error) {
	args := pgx.NamedArgs{"id": id}
	q := `SELECT ` + workOrderColumns + ` FROM fieldsync.work_orders WHERE id = @id AND ` + scope.predicate("", args)
	if forUpdate {
		q += ` FOR UPDATE`
	}
	w, err := scanWorkOrder(tx.QueryRow(ctx, q, args))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// appliedOp is a row of fieldsync.applied_ops
type appliedOp struct {
	workOrderID int64
	newVersion  int64
	operation   OpKind
	lastSyncAt  time.Time
}
