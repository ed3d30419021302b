// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// EntityWorkOrder is the only entity type carried by the sync protocol.
const EntityWorkOrder = "work_order"

// OpKind names the mutation carried by a proposed or queued operation.
type OpKind string

// Operation kinds
const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Outcome status constants
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StFailed   = "failed"
)

// Failure reason constants
const (
	ReasonNotFound       = "not_found"
	ReasonBadPayload     = "bad_payload"
	ReasonInvalidVersion = "invalid_version"
	ReasonBatchTooLarge  = "batch_too_large"
	ReasonInternalError  = "internal_error"
	ReasonCancelled      = "cancelled"
)
