// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"strings"
)

// Validation error sentinels for outcome reason mapping
var (
	ErrBadPayload     = errors.New("bad_payload")
	ErrUnknownEntity  = errors.New("unknown_entity")
	ErrUnknownOp      = errors.New("unknown_operation")
	ErrMissingTarget  = errors.New("missing_server_id")
	ErrInvalidVersion = errors.New("invalid_version")
	ErrNotFound       = errors.New("not_found")
)

// reasonFor maps a per-operation error to the outcome reason code.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidVersion):
		return ReasonInvalidVersion
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrUnknownEntity),
		errors.Is(err, ErrUnknownOp), errors.Is(err, ErrMissingTarget):
		return ReasonBadPayload
	default:
		return ReasonInternalError
	}
}

// normalizeEntityType lowercases the entity name and applies the work order default.
func normalizeEntityType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return EntityWorkOrder
	}
	return s
}
