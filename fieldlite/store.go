// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// LocalWorkOrder is the cached copy of a work order. The embedded ID is the server id
// (0 until the create is acknowledged) and Version is the last server version observed.
type LocalWorkOrder struct {
	LocalID string `json:"localId"`
	fieldsync.WorkOrder
	ConflictSnapshot *fieldsync.WorkOrder `json:"conflictSnapshot,omitempty"`
}

// HasServerID reports whether the record has been acknowledged by the server.
func (r *LocalWorkOrder) HasServerID() bool { return r.ID > 0 }

const recordColumns = `local_id, server_id, record, version, sync_status, last_sync_at, conflict_snapshot`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*LocalWorkOrder, error) {
	var (
		r          LocalWorkOrder
		serverID   sql.NullInt64
		body       string
		status     string
		lastSyncAt sql.NullInt64
		snapshot   sql.NullString
	)
	if err := row.Scan(&r.LocalID, &serverID, &body, &r.Version, &status, &lastSyncAt, &snapshot); err != nil {
		return nil, err
	}
	version := r.Version
	if err := json.Unmarshal([]byte(body), &r.WorkOrder); err != nil {
		return nil, fmt.Errorf("decode local record %s: %w", r.LocalID, err)
	}
	// Columns are authoritative over the JSON body
	r.ID = serverID.Int64
	r.Version = version
	r.SyncStatus = fieldsync.SyncStatus(status)
	r.LastSyncAt = time.Time{}
	if lastSyncAt.Valid {
		r.LastSyncAt = time.Unix(0, lastSyncAt.Int64).UTC()
	}
	if snapshot.Valid {
		var snap fieldsync.WorkOrder
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("decode conflict snapshot %s: %w", r.LocalID, err)
		}
		r.ConflictSnapshot = &snap
	}
	return &r, nil
}

func getRecord(ctx context.Context, q queryer, localID string) (*LocalWorkOrder, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM work_orders WHERE local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	return r, err
}

// getRecordByServerID returns nil, nil when no local record carries the server id.
func getRecordByServerID(ctx context.Context, q queryer, serverID int64) (*LocalWorkOrder, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM work_orders WHERE server_id = ?`, serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func putRecord(ctx context.Context, tx *sql.Tx, r *LocalWorkOrder, now time.Time) error {
	body, err := json.Marshal(r.WorkOrder)
	if err != nil {
		return fmt.Errorf("encode local record %s: %w", r.LocalID, err)
	}
	var serverID, lastSyncAt sql.NullInt64
	if r.ID > 0 {
		serverID = sql.NullInt64{Int64: r.ID, Valid: true}
	}
	if !r.LastSyncAt.IsZero() {
		lastSyncAt = sql.NullInt64{Int64: r.LastSyncAt.UnixNano(), Valid: true}
	}
	var snapshot sql.NullString
	if r.ConflictSnapshot != nil {
		b, err := json.Marshal(r.ConflictSnapshot)
		if err != nil {
			return fmt.Errorf("encode conflict snapshot %s: %w", r.LocalID, err)
		}
		snapshot = sql.NullString{String: string(b), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_orders (local_id, server_id, record, version, sync_status, last_sync_at, conflict_snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id,
			record = excluded.record,
			version = excluded.version,
			sync_status = excluded.sync_status,
			last_sync_at = excluded.last_sync_at,
			conflict_snapshot = excluded.conflict_snapshot,
			updated_at = excluded.updated_at`,
		r.LocalID, serverID, string(body), r.Version, string(r.SyncStatus), lastSyncAt, snapshot, now.UnixNano())
	if err != nil {
		return fmt.Errorf("store local record %s: %w", r.LocalID, err)
	}
	return nil
}

func deleteRecord(ctx context.Context, tx *sql.Tx, localID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_orders WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("purge local record %s: %w", localID, err)
	}
	return nil
}

// Get returns the cached work order with the given local id.
func (c *Client) Get(ctx context.Context, localID string) (*LocalWorkOrder, error) {
	return getRecord(ctx, c.DB, localID)
}

// GetByServerID returns the cached work order bound to a server id.
func (c *Client) GetByServerID(ctx context.Context, serverID int64) (*LocalWorkOrder, error) {
	r, err := getRecordByServerID(ctx, c.DB, serverID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: server id %d", ErrNotFound, serverID)
	}
	return r, nil
}

// List returns cached work orders, most recently touched first. An empty status lists every
// record except local tombstones.
func (c *Client) List(ctx context.Context, status fieldsync.SyncStatus) ([]LocalWorkOrder, error) {
	q := `SELECT ` + recordColumns + ` FROM work_orders WHERE sync_status <> 'deleted'`
	var args []any
	if status != "" {
		q = `SELECT ` + recordColumns + ` FROM work_orders WHERE sync_status = ?`
		args = append(args, string(status))
	}
	rows, err := c.DB.QueryContext(ctx, q+` ORDER BY updated_at DESC, local_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list local records: %w", err)
	}
	defer rows.Close()
	var out []LocalWorkOrder
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
