// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ApplyBatch applies each proposed operation in its own transaction and returns exactly one
// outcome per operation, in submission order. One operation's failure never aborts its siblings.
// The returned error is reserved for calls that cannot be processed at all.
func (s *SyncService) ApplyBatch(ctx context.Context, scope CallerScope, req *BatchRequest) (*BatchResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	ops := req.Operations
	resp := &BatchResponse{Outcomes: make([]SyncOutcome, len(ops))}
	if s.config.MaxBatchSize > 0 && len(ops) > s.config.MaxBatchSize {
		msg := fmt.Sprintf("batch of %d operations exceeds limit %d", len(ops), s.config.MaxBatchSize)
		for i, p := range ops {
			resp.Outcomes[i] = failedOutcome(p, ReasonBatchTooLarge, msg)
		}
		return resp, nil
	}

	total := s.startStage(MetricsOpBatch, MetricsStageTotal)
	for i, p := range ops {
		if err := ctx.Err(); err != nil {
			resp.Outcomes[i] = failedOutcome(p, ReasonCancelled, err.Error())
			continue
		}
		resp.Outcomes[i] = s.applyOne(ctx, scope, p)
	}
	total.done(ctx, len(ops), 1, nil)
	return resp, nil
}

// applyOne decodes and applies a single operation, retrying transient transaction failures.
func (s *SyncService) applyOne(ctx context.Context, scope CallerScope, p ProposedOperation) SyncOutcome {
	decode := s.startStage(MetricsOpBatch, MetricsStageDecode)
	op, err := p.Decode()
	decode.done(ctx, 1, 1, err)
	if err != nil {
		return failedOutcome(p, reasonFor(err), err.Error())
	}

	for attempt := 1; ; attempt++ {
		var out SyncOutcome
		stage := s.startStage(MetricsOpBatch, MetricsStageApply)
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			var txErr error
			out, txErr = s.applyInTx(ctx, tx, scope, op)
			return txErr
		})
		if err == nil {
			stage.outcome(ctx, attempt, out)
			return out
		}
		stage.done(ctx, 1, attempt, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failedOutcome(p, ReasonCancelled, ctxErr.Error())
		}
		// A concurrent duplicate of the same op (or create) surfaces as a unique violation;
		// the next attempt replays the winner's result.
		retryable := isRetryablePGTxError(err) ||
			isUniqueViolation(err, "applied_ops_pkey") ||
			isUniqueViolation(err, "work_orders_client_ref_key")
		if retryable && attempt <= s.config.MaxTxRetries {
			s.logger.Debug("Retrying operation", "error", err, "local_id", p.LocalID, "attempt", attempt)
			if err := sleepWithContext(ctx, retryBackoff(attempt)); err != nil {
				return failedOutcome(p, ReasonCancelled, err.Error())
			}
			continue
		}
		s.logger.Error("Failed to apply operation",
			"error", err, "local_id", p.LocalID, "op_id", p.OpID, "source_id", scope.SourceID, "attempt", attempt)
		return failedOutcome(p, ReasonInternalError, "internal error applying operation")
	}
}

func (s *SyncService) applyInTx(ctx context.Context, tx pgx.Tx, scope CallerScope, op Operation) (SyncOutcome, error) {
	ref := op.Ref()
	out := SyncOutcome{LocalID: ref.LocalID, OpID: ref.OpID}

	key := dedupeKey(op)
	if key != "" {
		prior, err := lookupAppliedOp(ctx, tx, scope.SourceID, key)
		if err != nil {
			return out, fmt.Errorf("lookup applied op: %w", err)
		}
		if prior != nil {
			snapshot, err := loadWorkOrder(ctx, tx, scope, prior.workOrderID, false)
			if err != nil {
				return out, fmt.Errorf("load replay snapshot: %w", err)
			}
			return replayedOutcome(out, prior, snapshot), nil
		}
	}

	switch o := op.(type) {
	case CreateOp:
		return s.applyCreate(ctx, tx, scope, o, key, out)
	case UpdateOp:
		return s.applyUpdate(ctx, tx, scope, o, key, out)
	case DeleteOp:
		return s.applyDelete(ctx, tx, scope, o, key, out)
	}
	return rejectedOutcome(out, reject(ReasonBadPayload, fmt.Errorf("%w: %T", ErrUnknownOp, op))), nil
}

func (s *SyncService) applyCreate(ctx context.Context, tx pgx.Tx, scope CallerScope, o CreateOp, key string, out SyncOutcome) (SyncOutcome, error) {
	clientRef := ClientRef(scope.SourceID, o.LocalID)

	// An earlier attempt that committed under another op id is found by its client reference.
	existing, err := scanWorkOrder(tx.QueryRow(ctx,
		`SELECT `+workOrderColumns+` FROM fieldsync.work_orders WHERE client_ref = @ref`,
		pgx.NamedArgs{"ref": clientRef}))
	switch {
	case err == nil:
		if err := recordAppliedOp(ctx, tx, scope.SourceID, key, o.LocalID, OpCreate, existing); err != nil {
			return out, err
		}
		out = appliedOutcome(out, existing)
		out.Replayed = true
		return out, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return out, fmt.Errorf("lookup client ref: %w", err)
	}

	d := Decide(nil, o)
	w := NewWorkOrder()
	o.Fields.ApplyTo(&w)
	args := pgx.NamedArgs{
		"title":           w.Title,
		"description":     w.Description,
		"assigned_to":     w.AssignedTo,
		"team_id":         w.TeamID,
		"created_by":      scope.UserID,
		"priority":        string(w.Priority),
		"status":          string(w.Status),
		"estimated_hours": w.EstimatedHours,
		"actual_hours":    w.ActualHours,
		"due_date":        w.DueDate,
		"location":        w.Location,
		"equipment_ref":   w.EquipmentRef,
		"version":         d.NewVersion,
		"client_ref":      clientRef,
	}
	created, err := scanWorkOrder(tx.QueryRow(ctx, `
		INSERT INTO fieldsync.work_orders (
			title, description, assigned_to, team_id, created_by, priority, status,
			estimated_hours, actual_hours, due_date, location, equipment_ref,
			version, sync_status, last_sync_at, client_ref)
		VALUES (
			@title, @description, @assigned_to, @team_id, @created_by, @priority, @status,
			@estimated_hours, @actual_hours, @due_date, @location, @equipment_ref,
			@version, 'synced', clock_timestamp(), @client_ref)
		RETURNING `+workOrderColumns, args))
	if err != nil {
		return out, fmt.Errorf("insert work order: %w", err)
	}
	if err := recordAppliedOp(ctx, tx, scope.SourceID, key, o.LocalID, OpCreate, created); err != nil {
		return out, err
	}
	return appliedOutcome(out, created), nil
}

func (s *SyncService) applyUpdate(ctx context.Context, tx pgx.Tx, scope CallerScope, o UpdateOp, key string, out SyncOutcome) (SyncOutcome, error) {
	current, err := loadWorkOrder(ctx, tx, scope, o.ID, true)
	if err != nil {
		return out, fmt.Errorf("load work order %d: %w", o.ID, err)
	}

	d := Decide(current, o)
	switch d.Verdict {
	case VerdictReject:
		return rejectedOutcome(out, d), nil
	case VerdictConflict:
		return s.recordConflict(ctx, tx, scope, o.LocalID, o.ClientVersion, o.Changes, current, out)
	}

	args := pgx.NamedArgs{"id": o.ID, "expected": d.ExpectedVersion}
	cols := o.Changes.columns()
	set := make([]string, 0, len(cols)+4)
	for i, c := range cols {
		name := fmt.Sprintf("c%d", i)
		set = append(set, c.name+" = @"+name)
		args[name] = c.value
	}
	set = append(set,
		"version = version + 1",
		"sync_status = 'synced'",
		"last_sync_at = clock_timestamp()",
		"updated_at = now()")

	// Guarded by the expected version so two writers that both read version N cannot both win.
	updated, err := scanWorkOrder(tx.QueryRow(ctx,
		`UPDATE fieldsync.work_orders SET `+strings.Join(set, ", ")+
			` WHERE id = @id AND version = @expected RETURNING `+workOrderColumns, args))
	if errors.Is(err, pgx.ErrNoRows) {
		latest, err := loadWorkOrder(ctx, tx, scope, o.ID, false)
		if err != nil {
			return out, fmt.Errorf("reload work order %d: %w", o.ID, err)
		}
		if latest == nil || latest.Deleted() {
			return rejectedOutcome(out, reject(ReasonNotFound, fmt.Errorf("%w: work order %d", ErrNotFound, o.ID))), nil
		}
		return s.recordConflict(ctx, tx, scope, o.LocalID, o.ClientVersion, o.Changes, latest, out)
	}
	if err != nil {
		return out, fmt.Errorf("update work order %d: %w", o.ID, err)
	}

	if err := closeConflicts(ctx, tx, o.ID, scope.SourceID); err != nil {
		return out, err
	}
	if err := recordAppliedOp(ctx, tx, scope.SourceID, key, o.LocalID, OpUpdate, updated); err != nil {
		return out, err
	}
	return appliedOutcome(out, updated), nil
}

func (s *SyncService) applyDelete(ctx context.Context, tx pgx.Tx, scope CallerScope, o DeleteOp, key string, out SyncOutcome) (SyncOutcome, error) {
	current, err := loadWorkOrder(ctx, tx, scope, o.ID, true)
	if err != nil {
		return out, fmt.Errorf("load work order %d: %w", o.ID, err)
	}

	d := Decide(current, o)
	if d.Verdict == VerdictReject {
		return rejectedOutcome(out, d), nil
	}
	if d.AlreadyDeleted {
		if err := recordAppliedOp(ctx, tx, scope.SourceID, key, o.LocalID, OpDelete, current); err != nil {
			return out, err
		}
		return appliedOutcome(out, current), nil
	}

	deleted, err := scanWorkOrder(tx.QueryRow(ctx, `
		UPDATE fieldsync.work_orders
		SET sync_status = 'deleted', version = version + 1, last_sync_at = clock_timestamp(), updated_at = now()
		WHERE id = @id AND version = @expected
		RETURNING `+workOrderColumns,
		pgx.NamedArgs{"id": o.ID, "expected": d.ExpectedVersion}))
	if err != nil {
		return out, fmt.Errorf("delete work order %d: %w", o.ID, err)
	}
	if err := closeConflicts(ctx, tx, o.ID, scope.SourceID); err != nil {
		return out, err
	}
	if err := recordAppliedOp(ctx, tx, scope.SourceID, key, o.LocalID, OpDelete, deleted); err != nil {
		return out, err
	}
	return appliedOutcome(out, deleted), nil
}

// recordConflict logs the rejected attempt and builds the conflict outcome.
func (s *SyncService) recordConflict(ctx context.Context, tx pgx.Tx, scope CallerScope, localID string,
	clientVersion *int64, changes WorkOrderPatch, current *WorkOrder, out SyncOutcome) (SyncOutcome, error) {
	attempted, err := json.Marshal(changes)
	if err != nil {
		return out, fmt.Errorf("encode attempted changes: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO fieldsync.sync_conflicts (work_order_id, source_id, local_id, client_version, server_version, attempted)
		VALUES (@work_order_id, @source_id, @local_id, @client_version, @server_version, @attempted)`,
		pgx.NamedArgs{
			"work_order_id":  current.ID,
			"source_id":      scope.SourceID,
			"local_id":       localID,
			"client_version": clientVersion,
			"server_version": current.Version,
			"attempted":      attempted,
		})
	if err != nil {
		return out, fmt.Errorf("log conflict: %w", err)
	}
	s.logger.Info("Conflict detected",
		"work_order_id", current.ID, "source_id", scope.SourceID, "local_id", localID,
		"server_version", current.Version)

	id := current.ID
	out.Status = StConflict
	out.ServerID = &id
	out.ServerSnapshot = current
	out.Attempted = attempted
	if clientVersion != nil {
		out.Error = fmt.Sprintf("version conflict: client %d, server %d", *clientVersion, current.Version)
	} else {
		out.Error = fmt.Sprintf("version conflict: server %d", current.Version)
	}
	return out, nil
}

func closeConflicts(ctx context.Context, tx pgx.Tx, workOrderID int64, sourceID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE fieldsync.sync_conflicts SET resolved_at = now()
		WHERE work_order_id = @id AND source_id = @source_id AND resolved_at IS NULL`,
		pgx.NamedArgs{"id": workOrderID, "source_id": sourceID})
	if err != nil {
		return fmt.Errorf("close conflicts for %d: %w", workOrderID, err)
	}
	return nil
}

// dedupeKey is the applied-ops key: the op id, or create:<localId> for creates without one.
func dedupeKey(op Operation) string {
	ref := op.Ref()
	if ref.OpID != "" {
		return ref.OpID
	}
	if op.Kind() == OpCreate {
		return "create:" + ref.LocalID
	}
	return ""
}

func lookupAppliedOp(ctx context.Context, tx pgx.Tx, sourceID, key string) (*appliedOp, error) {
	var a appliedOp
	var kind string
	err := tx.QueryRow(ctx, `
		SELECT work_order_id, new_version, operation, last_sync_at
		FROM fieldsync.applied_ops WHERE source_id = @source_id AND op_id = @op_id`,
		pgx.NamedArgs{"source_id": sourceID, "op_id": key},
	).Scan(&a.workOrderID, &a.newVersion, &kind, &a.lastSyncAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.operation = OpKind(kind)
	return &a, nil
}

func recordAppliedOp(ctx context.Context, tx pgx.Tx, sourceID, key, localID string, kind OpKind, w *WorkOrder) error {
	if key == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO fieldsync.applied_ops (source_id, op_id, local_id, operation, work_order_id, new_version, last_sync_at)
		VALUES (@source_id, @op_id, @local_id, @operation, @work_order_id, @new_version, @last_sync_at)`,
		pgx.NamedArgs{
			"source_id":     sourceID,
			"op_id":         key,
			"local_id":      localID,
			"operation":     string(kind),
			"work_order_id": w.ID,
			"new_version":   w.Version,
			"last_sync_at":  w.LastSyncAt,
		})
	if err != nil {
		return fmt.Errorf("record applied op: %w", err)
	}
	return nil
}

func appliedOutcome(out SyncOutcome, w *WorkOrder) SyncOutcome {
	id, version, ts := w.ID, w.Version, w.LastSyncAt
	out.Status = StApplied
	out.ServerID = &id
	out.NewVersion = &version
	out.LastSyncAt = &ts
	out.ServerSnapshot = w
	return out
}

func replayedOutcome(out SyncOutcome, prior *appliedOp, snapshot *WorkOrder) SyncOutcome {
	id, version, ts := prior.workOrderID, prior.newVersion, prior.lastSyncAt
	out.Status = StApplied
	out.ServerID = &id
	out.NewVersion = &version
	out.LastSyncAt = &ts
	out.ServerSnapshot = snapshot
	out.Replayed = true
	return out
}

func rejectedOutcome(out SyncOutcome, d Decision) SyncOutcome {
	out.Status = StFailed
	out.Reason = d.Reason
	if d.Err != nil {
		out.Error = d.Err.Error()
	}
	return out
}

func failedOutcome(p ProposedOperation, reason, msg string) SyncOutcome {
	return SyncOutcome{
		LocalID: p.LocalID,
		OpID:    p.OpID,
		Status:  StFailed,
		Reason:  reason,
		Error:   msg,
	}
}
