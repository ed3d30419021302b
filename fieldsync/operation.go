// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OpRef identifies an operation across the wire and the client queue.
type OpRef struct {
	LocalID string
	OpID    string
}

// Operation is the typed form of a proposed mutation: one of CreateOp, UpdateOp or DeleteOp.
type Operation interface {
	Kind() OpKind
	Ref() OpRef
	isOperation()
}

// CreateOp inserts a new work order; Fields are applied over NewWorkOrder defaults.
type CreateOp struct {
	OpRef
	Fields WorkOrderPatch
}

// UpdateOp changes the fields present in Changes on record ID.
// A nil ClientVersion applies against whatever version the server holds.
type UpdateOp struct {
	OpRef
	ID            int64
	ClientVersion *int64
	Changes       WorkOrderPatch
}

// DeleteOp soft-deletes record ID. ClientVersion is informational; deletes are not version guarded.
type DeleteOp struct {
	OpRef
	ID            int64
	ClientVersion *int64
}

func (CreateOp) Kind() OpKind { return OpCreate }
func (UpdateOp) Kind() OpKind { return OpUpdate }
func (DeleteOp) Kind() OpKind { return OpDelete }

func (o CreateOp) Ref() OpRef { return o.OpRef }
func (o UpdateOp) Ref() OpRef { return o.OpRef }
func (o DeleteOp) Ref() OpRef { return o.OpRef }

func (CreateOp) isOperation() {}
func (UpdateOp) isOperation() {}
func (DeleteOp) isOperation() {}

// Decode validates the wire operation and converts it to its typed variant.
// Update and delete targets come from serverId, falling back to an "id" key in the payload.
func (p ProposedOperation) Decode() (Operation, error) {
	ref := OpRef{LocalID: strings.TrimSpace(p.LocalID), OpID: strings.TrimSpace(p.OpID)}
	if ref.LocalID == "" {
		return nil, fmt.Errorf("%w: localId is required", ErrBadPayload)
	}
	if et := normalizeEntityType(p.EntityType); et != EntityWorkOrder {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, et)
	}
	kind := OpKind(strings.ToLower(strings.TrimSpace(string(p.Operation))))
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, string(p.Operation))
	}
	if p.ClientVersion != nil && *p.ClientVersion < 1 {
		return nil, fmt.Errorf("%w: clientVersion must be >= 1, got %d", ErrInvalidVersion, *p.ClientVersion)
	}

	payload, payloadID, err := splitPayloadID(p.Payload)
	if err != nil {
		return nil, err
	}

	switch kind {
	case OpCreate:
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: payload required for create", ErrBadPayload)
		}
		if payloadID != nil {
			return nil, fmt.Errorf("%w: create may not carry an id", ErrBadPayload)
		}
		var fields WorkOrderPatch
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, wrapPatchError(err)
		}
		if err := fields.Validate(true); err != nil {
			return nil, err
		}
		return CreateOp{OpRef: ref, Fields: fields}, nil

	case OpUpdate:
		id, err := target(p.ServerID, payloadID)
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: payload required for update", ErrBadPayload)
		}
		var changes WorkOrderPatch
		if err := json.Unmarshal(payload, &changes); err != nil {
			return nil, wrapPatchError(err)
		}
		if changes.IsEmpty() {
			return nil, fmt.Errorf("%w: update changes no fields", ErrBadPayload)
		}
		if err := changes.Validate(false); err != nil {
			return nil, err
		}
		return UpdateOp{OpRef: ref, ID: id, ClientVersion: p.ClientVersion, Changes: changes}, nil

	default:
		id, err := target(p.ServerID, payloadID)
		if err != nil {
			return nil, err
		}
		return DeleteOp{OpRef: ref, ID: id, ClientVersion: p.ClientVersion}, nil
	}
}

// Encode converts a typed operation to its wire form.
func Encode(op Operation) (ProposedOperation, error) {
	ref := op.Ref()
	out := ProposedOperation{
		LocalID:    ref.LocalID,
		OpID:       ref.OpID,
		EntityType: EntityWorkOrder,
		Operation:  op.Kind(),
	}
	switch o := op.(type) {
	case CreateOp:
		b, err := json.Marshal(o.Fields)
		if err != nil {
			return out, fmt.Errorf("encode create %s: %w", ref.LocalID, err)
		}
		out.Payload = b
	case UpdateOp:
		b, err := json.Marshal(o.Changes)
		if err != nil {
			return out, fmt.Errorf("encode update %s: %w", ref.LocalID, err)
		}
		id := o.ID
		out.ServerID = &id
		out.ClientVersion = o.ClientVersion
		out.Payload = b
	case DeleteOp:
		id := o.ID
		out.ServerID = &id
		out.ClientVersion = o.ClientVersion
	default:
		return out, fmt.Errorf("%w: %T", ErrUnknownOp, op)
	}
	return out, nil
}

// splitPayloadID removes a numeric "id" key from the payload and returns it separately.
func splitPayloadID(payload json.RawMessage) (json.RawMessage, *int64, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return nil, nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, nil, fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	raw, ok := obj["id"]
	if !ok {
		return payload, nil, nil
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, nil, fmt.Errorf("%w: id must be an integer", ErrBadPayload)
	}
	delete(obj, "id")
	rest, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return rest, &id, nil
}

func target(serverID, payloadID *int64) (int64, error) {
	switch {
	case serverID != nil && payloadID != nil && *serverID != *payloadID:
		return 0, fmt.Errorf("%w: serverId %d does not match payload id %d", ErrBadPayload, *serverID, *payloadID)
	case serverID != nil && *serverID > 0:
		return *serverID, nil
	case payloadID != nil && *payloadID > 0:
		return *payloadID, nil
	}
	return 0, fmt.Errorf("%w: serverId is required", ErrMissingTarget)
}

// wrapPatchError keeps patch decoding errors classified as bad_payload.
func wrapPatchError(err error) error {
	if errors.Is(err, ErrBadPayload) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBadPayload, err)
}
