// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// QueueState tracks whether a queued operation takes part in automatic batches.
type QueueState string

const (
	QueueReady    QueueState = "ready"
	QueueConflict QueueState = "conflict" // awaiting ResolveConflict
	QueuePoisoned QueueState = "poisoned" // failed MaxRetries times; awaiting RetryPoisoned or an edit
)

// QueuedOperation is one pending local mutation.
type QueuedOperation struct {
	Seq               int64            `json:"seq"`
	LocalID           string           `json:"localId"`
	EntityType        string           `json:"entityType"`
	OpID              string           `json:"opId"`
	Operation         fieldsync.OpKind `json:"operation"`
	Payload           json.RawMessage  `json:"payload,omitempty"`
	ClientVersion     *int64           `json:"clientVersion,omitempty"`
	Revision          int64            `json:"revision"`          // Bumped by every coalesced edit
	SubmittedRevision int64            `json:"submittedRevision"` // Revision last sent to the server (0 = never sent)
	State             QueueState       `json:"state"`
	RetryCount        int              `json:"retryCount"`
	LastError         string           `json:"lastError,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// Submitted reports whether the operation has been sent at least once. The server may have
// applied it even if no outcome was received.
func (q *QueuedOperation) Submitted() bool { return q.SubmittedRevision > 0 }

// Patch decodes the queued payload. Deletes without a carried payload return an empty patch.
func (q *QueuedOperation) Patch() (fieldsync.WorkOrderPatch, error) {
	var p fieldsync.WorkOrderPatch
	if len(q.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(q.Payload, &p); err != nil {
		return p, fmt.Errorf("decode queued payload %s: %w", q.LocalID, err)
	}
	return p, nil
}

const queueColumns = `seq, local_id, entity_type, op_id, operation, payload, client_version, revision,
	submitted_revision, state, retry_count, last_error, created_at`

func scanQueued(row rowScanner) (*QueuedOperation, error) {
	var (
		q             QueuedOperation
		op, state     string
		payload       sql.NullString
		clientVersion sql.NullInt64
		lastError     sql.NullString
		createdAt     int64
	)
	err := row.Scan(&q.Seq, &q.LocalID, &q.EntityType, &q.OpID, &op, &payload, &clientVersion, &q.Revision,
		&q.SubmittedRevision, &state, &q.RetryCount, &lastError, &createdAt)
	if err != nil {
		return nil, err
	}
	q.Operation = fieldsync.OpKind(op)
	q.State = QueueState(state)
	if payload.Valid {
		q.Payload = json.RawMessage(payload.String)
	}
	if clientVersion.Valid {
		v := clientVersion.Int64
		q.ClientVersion = &v
	}
	q.LastError = lastError.String
	q.CreatedAt = time.Unix(0, createdAt).UTC()
	return &q, nil
}

// getQueued returns nil, nil when the local record has no queued operation.
func getQueued(ctx context.Context, q queryer, localID string) (*QueuedOperation, error) {
	op, err := scanQueued(q.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM _sync_queue WHERE entity_type = ? AND local_id = ?`,
		fieldsync.EntityWorkOrder, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

func listQueued(ctx context.Context, db interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, states ...QueueState) ([]QueuedOperation, error) {
	q := `SELECT ` + queueColumns + ` FROM _sync_queue`
	var args []any
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, s := range states {
			marks[i] = "?"
			args = append(args, string(s))
		}
		q += ` WHERE state IN (` + strings.Join(marks, ",") + `)`
	}
	// FIFO: a create always precedes later work on the same or dependent records
	rows, err := db.QueryContext(ctx, q+` ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	var out []QueuedOperation
	for rows.Next() {
		op, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func nullableJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func insertQueued(ctx context.Context, tx *sql.Tx, q *QueuedOperation) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_queue (local_id, entity_type, op_id, operation, payload, client_version, revision,
			submitted_revision, state, retry_count, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.LocalID, q.EntityType, q.OpID, string(q.Operation), nullableJSON(q.Payload), nullableInt(q.ClientVersion),
		q.Revision, q.SubmittedRevision, string(q.State), q.RetryCount, sql.NullString{String: q.LastError, Valid: q.LastError != ""},
		q.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.LocalID, err)
	}
	q.Seq, _ = res.LastInsertId()
	return nil
}

func updateQueued(ctx context.Context, tx *sql.Tx, q *QueuedOperation) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_queue SET op_id = ?, operation = ?, payload = ?, client_version = ?, revision = ?,
			submitted_revision = ?, state = ?, retry_count = ?, last_error = ?
		WHERE seq = ?`,
		q.OpID, string(q.Operation), nullableJSON(q.Payload), nullableInt(q.ClientVersion), q.Revision,
		q.SubmittedRevision, string(q.State), q.RetryCount, sql.NullString{String: q.LastError, Valid: q.LastError != ""},
		q.Seq)
	if err != nil {
		return fmt.Errorf("update queued %s: %w", q.LocalID, err)
	}
	return nil
}

func removeQueued(ctx context.Context, tx *sql.Tx, localID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM _sync_queue WHERE entity_type = ? AND local_id = ?`,
		fieldsync.EntityWorkOrder, localID)
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", localID, err)
	}
	return nil
}

// enqueueTx appends or coalesces an operation for a local record. It returns dropped=true when a
// delete cancels a create that never reached the server; the caller then purges the record.
//
// Coalescing keeps at most one queued operation per local record:
//   - never submitted: create+update → create, update+update → update,
//     update+delete → delete (keeping the observed version), create+delete → nothing;
//   - submitted: kind and op id are kept so a resend is deduplicated by the server; the
//     edit bumps the revision and is rebased once the server acknowledges the older one.
func (c *Client) enqueueTx(ctx context.Context, tx *sql.Tx, kind fieldsync.OpKind, patch *fieldsync.WorkOrderPatch,
	localID string, clientVersion *int64) (dropped bool, err error) {
	existing, err := getQueued(ctx, tx, localID)
	if err != nil {
		return false, err
	}

	if existing == nil {
		op := &QueuedOperation{
			LocalID:       localID,
			EntityType:    fieldsync.EntityWorkOrder,
			OpID:          uuid.NewString(),
			Operation:     kind,
			ClientVersion: clientVersion,
			Revision:      1,
			State:         QueueReady,
			CreatedAt:     c.now(),
		}
		if kind == fieldsync.OpCreate {
			op.ClientVersion = nil
		}
		if patch != nil {
			if op.Payload, err = json.Marshal(*patch); err != nil {
				return false, fmt.Errorf("encode payload: %w", err)
			}
		}
		return false, insertQueued(ctx, tx, op)
	}

	switch {
	case existing.State == QueueConflict:
		return false, fmt.Errorf("%w: %s", ErrRecordInConflict, localID)
	case kind == fieldsync.OpCreate:
		return false, fmt.Errorf("%w: %s", ErrDuplicateLocalID, localID)
	case existing.Operation == fieldsync.OpDelete:
		return false, fmt.Errorf("%w: %s", ErrRecordDeleted, localID)
	}

	if kind == fieldsync.OpDelete && !existing.Submitted() {
		if existing.Operation == fieldsync.OpCreate {
			return true, removeQueued(ctx, tx, localID)
		}
		// The update's payload is kept so UndoDelete can restore it
		existing.Operation = fieldsync.OpDelete
	}
	if patch != nil {
		current, err := existing.Patch()
		if err != nil {
			return false, err
		}
		if existing.Payload, err = json.Marshal(current.Merge(*patch)); err != nil {
			return false, fmt.Errorf("encode payload: %w", err)
		}
	}
	// A user edit makes a failed or poisoned operation eligible again
	existing.Revision++
	existing.State = QueueReady
	existing.RetryCount = 0
	existing.LastError = ""
	return false, updateQueued(ctx, tx, existing)
}

// Enqueue appends a mutation to the queue, coalescing with any pending operation on the same
// local record, and returns the local id (generated when empty). Payload is a JSON field patch
// for create and update. Most callers use CreateWorkOrder, UpdateWorkOrder and DeleteWorkOrder,
// which also maintain the cached record.
func (c *Client) Enqueue(ctx context.Context, entityType string, kind fieldsync.OpKind, payload json.RawMessage,
	localID string, clientVersion *int64) (string, error) {
	if et := strings.ToLower(strings.TrimSpace(entityType)); et != "" && et != fieldsync.EntityWorkOrder {
		return "", fmt.Errorf("%w: %s", fieldsync.ErrUnknownEntity, entityType)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", fieldsync.ErrUnknownOp, string(kind))
	}
	var patch *fieldsync.WorkOrderPatch
	if kind != fieldsync.OpDelete {
		var p fieldsync.WorkOrderPatch
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", err
		}
		if err := p.Validate(kind == fieldsync.OpCreate); err != nil {
			return "", err
		}
		patch = &p
	}
	if localID == "" {
		localID = uuid.NewString()
	}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		dropped, err := c.enqueueTx(ctx, tx, kind, patch, localID, clientVersion)
		if err != nil {
			return err
		}
		if dropped {
			return deleteRecord(ctx, tx, localID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

// Dequeue removes the queued operation for a local record.
func (c *Client) Dequeue(ctx context.Context, localID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return removeQueued(ctx, tx, localID)
	})
}

// ListPending returns every queued operation in FIFO order, including ones held for
// conflict resolution or poisoned.
func (c *Client) ListPending(ctx context.Context) ([]QueuedOperation, error) {
	return listQueued(ctx, c.DB)
}

// ApplyLocalOptimistic writes the cached copy of a record immediately. Records without a
// sync status are stored as pending.
func (c *Client) ApplyLocalOptimistic(ctx context.Context, r LocalWorkOrder) error {
	if r.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if r.SyncStatus == "" {
		r.SyncStatus = fieldsync.SyncPending
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return putRecord(ctx, tx, &r, c.now())
	})
}
