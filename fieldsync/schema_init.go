// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InitializeSchema creates the fieldsync schema and its tables if they don't exist.
func InitializeSchema(ctx context.Context, db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
}

func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS fieldsync`,

		// 1) Authoritative work orders. Rows written outside the sync protocol default to pending.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync.work_orders (
			id              BIGSERIAL   PRIMARY KEY,
			title           TEXT        NOT NULL,
			description     TEXT        NOT NULL DEFAULT '',
			assigned_to     TEXT,
			team_id         TEXT,
			created_by      TEXT        NOT NULL,
			priority        TEXT        NOT NULL DEFAULT 'medium'
			                CHECK (priority IN ('low','medium','high','urgent')),
			status          TEXT        NOT NULL DEFAULT 'pending'
			                CHECK (status IN ('pending','in_progress','on_hold','completed','cancelled')),
			estimated_hours DOUBLE PRECISION,
			actual_hours    DOUBLE PRECISION,
			due_date        TIMESTAMPTZ,
			location        TEXT,
			equipment_ref   TEXT,
			version         BIGINT      NOT NULL DEFAULT 1 CHECK (version >= 1),
			sync_status     TEXT        NOT NULL DEFAULT 'pending'
			                CHECK (sync_status IN ('pending','synced','conflict','deleted')),
			last_sync_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			client_ref      TEXT        UNIQUE
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS wo_last_sync_idx
			ON fieldsync.work_orders(last_sync_at, id)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS wo_team_idx
			ON fieldsync.work_orders(team_id)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS wo_assigned_idx
			ON fieldsync.work_orders(assigned_to)`,

		// 2) Applied operation log (idempotent replay per device)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync.applied_ops (
			source_id     TEXT        NOT NULL,
			op_id         TEXT        NOT NULL,
			local_id      TEXT        NOT NULL,
			operation     TEXT        NOT NULL CHECK (operation IN ('create','update','delete')),
			work_order_id BIGINT      NOT NULL,
			new_version   BIGINT      NOT NULL,
			last_sync_at  TIMESTAMPTZ NOT NULL,
			applied_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (source_id, op_id)
		)`,

		// 3) Conflict log for operator review
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync.sync_conflicts (
			id             BIGSERIAL   PRIMARY KEY,
			work_order_id  BIGINT      NOT NULL REFERENCES fieldsync.work_orders(id),
			source_id      TEXT        NOT NULL,
			local_id       TEXT        NOT NULL,
			client_version BIGINT,
			server_version BIGINT      NOT NULL,
			attempted      JSONB,
			detected_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at    TIMESTAMPTZ
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS sc_open_idx
			ON fieldsync.sync_conflicts(work_order_id, source_id) WHERE resolved_at IS NULL`,
	}

	for i, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
