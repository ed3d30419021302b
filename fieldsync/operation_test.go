// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProposedOperation_DecodeCreate(t *testing.T) {
	op, err := ProposedOperation{
		LocalID:   "7",
		OpID:      "op-1",
		Operation: OpCreate,
		Payload:   json.RawMessage(`{"title":"Fix pump"}`),
	}.Decode()
	require.NoError(t, err)

	c, ok := op.(CreateOp)
	require.True(t, ok)
	require.Equal(t, OpRef{LocalID: "7", OpID: "op-1"}, c.Ref())
	require.Equal(t, "Fix pump", c.Fields.Title.Value)
}

func TestProposedOperation_DecodeUpdateTarget(t *testing.T) {
	// serverId wins; payload id is accepted as a fallback and stripped from the changes.
	op, err := ProposedOperation{
		LocalID:       "7",
		Operation:     "UPDATE",
		Payload:       json.RawMessage(`{"id":501,"status":"in_progress"}`),
		ClientVersion: ptr[int64](1),
	}.Decode()
	require.NoError(t, err)
	u := op.(UpdateOp)
	require.Equal(t, int64(501), u.ID)
	require.Equal(t, int64(1), *u.ClientVersion)
	require.Equal(t, StatusInProgress, u.Changes.Status.Value)

	_, err = ProposedOperation{
		LocalID:   "7",
		Operation: OpUpdate,
		ServerID:  ptr[int64](502),
		Payload:   json.RawMessage(`{"id":501,"status":"in_progress"}`),
	}.Decode()
	require.True(t, errors.Is(err, ErrBadPayload), "%v", err)
}

func TestProposedOperation_DecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		op     ProposedOperation
		reason string
	}{
		{"missing local id", ProposedOperation{Operation: OpDelete, ServerID: ptr[int64](1)}, ReasonBadPayload},
		{"unknown entity", ProposedOperation{LocalID: "1", EntityType: "invoice", Operation: OpDelete, ServerID: ptr[int64](1)}, ReasonBadPayload},
		{"unknown operation", ProposedOperation{LocalID: "1", Operation: "upsert"}, ReasonBadPayload},
		{"update without target", ProposedOperation{LocalID: "1", Operation: OpUpdate, Payload: json.RawMessage(`{"title":"x"}`)}, ReasonBadPayload},
		{"empty update", ProposedOperation{LocalID: "1", Operation: OpUpdate, ServerID: ptr[int64](1), Payload: json.RawMessage(`{}`)}, ReasonBadPayload},
		{"create without title", ProposedOperation{LocalID: "1", Operation: OpCreate, Payload: json.RawMessage(`{"status":"pending"}`)}, ReasonBadPayload},
		{"create with id", ProposedOperation{LocalID: "1", Operation: OpCreate, Payload: json.RawMessage(`{"id":4,"title":"x"}`)}, ReasonBadPayload},
		{"reserved key", ProposedOperation{LocalID: "1", Operation: OpUpdate, ServerID: ptr[int64](1), Payload: json.RawMessage(`{"version":9}`)}, ReasonBadPayload},
		{"zero client version", ProposedOperation{LocalID: "1", Operation: OpDelete, ServerID: ptr[int64](1), ClientVersion: ptr[int64](0)}, ReasonInvalidVersion},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.op.Decode()
			require.Error(t, err)
			require.Equal(t, tc.reason, reasonFor(err))
		})
	}
}

func TestEncode_DeleteCarriesTargetAndVersion(t *testing.T) {
	p, err := Encode(DeleteOp{OpRef: OpRef{LocalID: "9", OpID: "op-9"}, ID: 42, ClientVersion: ptr[int64](3)})
	require.NoError(t, err)
	require.Equal(t, OpDelete, p.Operation)
	require.Equal(t, EntityWorkOrder, p.EntityType)
	require.Equal(t, int64(42), *p.ServerID)
	require.Equal(t, int64(3), *p.ClientVersion)
	require.Empty(t, p.Payload)

	op, err := p.Decode()
	require.NoError(t, err)
	require.Equal(t, DeleteOp{OpRef: OpRef{LocalID: "9", OpID: "op-9"}, ID: 42, ClientVersion: ptr[int64](3)}, op)
}

func TestDedupeKey(t *testing.T) {
	require.Equal(t, "op-1", dedupeKey(CreateOp{OpRef: OpRef{LocalID: "7", OpID: "op-1"}}))
	require.Equal(t, "create:7", dedupeKey(CreateOp{OpRef: OpRef{LocalID: "7"}}))
	require.Equal(t, "", dedupeKey(UpdateOp{OpRef: OpRef{LocalID: "7"}, ID: 1}))
}
