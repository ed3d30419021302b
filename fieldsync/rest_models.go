// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models shared by the server handlers and the device client.

// BatchRequest is the body of POST /sync/batch.
// The source (device) id is derived from the JWT did claim, not from the body.
type BatchRequest struct {
	Operations []ProposedOperation `json:"operations"`
}

// ProposedOperation is one client mutation on the wire. Decode converts it to the typed variant.
type ProposedOperation struct {
	LocalID       string          `json:"localId"`                 // Client-assigned id, unique in the client's queue
	OpID          string          `json:"opId,omitempty"`          // Dedupe key; stable across resubmissions
	EntityType    string          `json:"entityType,omitempty"`    // Defaults to work_order
	Operation     OpKind          `json:"operation"`               // create, update, delete
	ServerID      *int64          `json:"serverId,omitempty"`      // Target record for update/delete
	Payload       json.RawMessage `json:"payload,omitempty"`       // Field patch (create/update)
	ClientVersion *int64          `json:"clientVersion,omitempty"` // Version last observed by the client
}

// BatchResponse carries exactly one outcome per submitted operation, in submission order.
type BatchResponse struct {
	Outcomes []SyncOutcome `json:"outcomes"`
}

// SyncOutcome is the server's verdict for one proposed operation.
type SyncOutcome struct {
	LocalID        string          `json:"localId"`
	OpID           string          `json:"opId,omitempty"`
	Status         string          `json:"status"` // applied, conflict, failed
	ServerID       *int64          `json:"serverId,omitempty"`
	NewVersion     *int64          `json:"newVersion,omitempty"`
	ServerSnapshot *WorkOrder      `json:"serverSnapshot,omitempty"` // Authoritative record on conflict
	Attempted      json.RawMessage `json:"attempted,omitempty"`      // Client payload that lost the conflict
	Error          string          `json:"error,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	LastSyncAt     *time.Time      `json:"lastSyncAt,omitempty"`
	Replayed       bool            `json:"replayed,omitempty"` // Served from the applied-ops log
}

// ChangesResponse is the body of GET /sync/changes.
type ChangesResponse struct {
	Changes      []WorkOrder `json:"changes"`
	ServerTime   time.Time   `json:"serverTime"`             // Next watermark; server clock
	HasMore      bool        `json:"hasMore"`                // More rows exist at or before serverTime
	NextAfterID  int64       `json:"nextAfterId,omitempty"`  // Keyset cursor for the next page
	NextLastSync *time.Time  `json:"nextLastSync,omitempty"` // Keyset cursor for the next page
}

// HealthResponse reports scope-filtered record counts by sync status.
type HealthResponse struct {
	Pending       int64     `json:"pending"`
	Synced        int64     `json:"synced"`
	Conflict      int64     `json:"conflict"`
	Deleted       int64     `json:"deleted"`
	OpenConflicts int64     `json:"openConflicts"`
	ServerTime    time.Time `json:"serverTime"`
}

// ConflictRecord is one entry of the server-side conflict log.
type ConflictRecord struct {
	ID            int64           `json:"id"`
	WorkOrderID   int64           `json:"workOrderId"`
	SourceID      string          `json:"sourceId"`
	LocalID       string          `json:"localId"`
	ClientVersion *int64          `json:"clientVersion,omitempty"`
	ServerVersion int64           `json:"serverVersion"`
	Attempted     json.RawMessage `json:"attempted,omitempty"`
	DetectedAt    time.Time       `json:"detectedAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
}

// ConflictListResponse is the body of GET /sync/conflicts.
type ConflictListResponse struct {
	Conflicts   []ConflictRecord `json:"conflicts"`
	HasMore     bool             `json:"hasMore"`
	NextAfterID int64            `json:"nextAfterId,omitempty"`
}

// ResolveConflictRequest closes an open conflict log entry.
type ResolveConflictRequest struct {
	ID int64 `json:"id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
