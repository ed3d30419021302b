// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkOrderPatch_DecodeTriState(t *testing.T) {
	var p WorkOrderPatch
	err := json.Unmarshal([]byte(`{"title":"Fix pump","assignedTo":null,"estimatedHours":2.5,"dueDate":"2024-03-01T10:00:00Z"}`), &p)
	require.NoError(t, err)

	require.True(t, p.Title.Set)
	require.Equal(t, "Fix pump", p.Title.Value)
	require.True(t, p.AssignedTo.Set)
	require.True(t, p.AssignedTo.Null)
	require.Nil(t, p.AssignedTo.Ptr())
	require.Equal(t, 2.5, *p.EstimatedHours.Ptr())
	require.True(t, p.DueDate.Value.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	require.False(t, p.Location.Set)
}

func TestWorkOrderPatch_RejectsReservedAndUnknownKeys(t *testing.T) {
	for _, body := range []string{
		`{"version":3}`,
		`{"syncStatus":"synced"}`,
		`{"createdBy":"someone"}`,
		`{"clientRef":"dev/1"}`,
		`{"colour":"red"}`,
		`[1,2]`,
		`{"priority":7}`,
	} {
		var p WorkOrderPatch
		err := json.Unmarshal([]byte(body), &p)
		require.Error(t, err, body)
		require.True(t, errors.Is(err, ErrBadPayload), "%s: %v", body, err)
	}
}

func TestWorkOrderPatch_MarshalOnlyPresentFields(t *testing.T) {
	p := WorkOrderPatch{
		Title:    Value("Replace valve"),
		Location: Null[string](),
		Priority: Value(PriorityHigh),
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Replace valve","location":null,"priority":"high"}`, string(b))

	var back WorkOrderPatch
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, p, back)
}

func TestWorkOrderPatch_MergeLaterWins(t *testing.T) {
	first := WorkOrderPatch{Title: Value("a"), Status: Value(StatusInProgress), Location: Value("bay 3")}
	later := WorkOrderPatch{Title: Value("b"), Location: Null[string]()}

	merged := first.Merge(later)
	require.Equal(t, "b", merged.Title.Value)
	require.Equal(t, StatusInProgress, merged.Status.Value)
	require.True(t, merged.Location.Null)
	require.False(t, merged.Description.Set)
}

func TestWorkOrderPatch_Validate(t *testing.T) {
	require.NoError(t, WorkOrderPatch{Title: Value("ok")}.Validate(true))
	require.NoError(t, WorkOrderPatch{Status: Value(StatusCompleted)}.Validate(false))

	cases := map[string]struct {
		p         WorkOrderPatch
		forCreate bool
	}{
		"create without title": {WorkOrderPatch{Status: Value(StatusPending)}, true},
		"blank title":          {WorkOrderPatch{Title: Value("   ")}, false},
		"null title":           {WorkOrderPatch{Title: Null[string]()}, false},
		"null status":          {WorkOrderPatch{Status: Null[Status]()}, false},
		"unknown priority":     {WorkOrderPatch{Priority: Value(Priority("whenever"))}, false},
		"unknown status":       {WorkOrderPatch{Status: Value(Status("done"))}, false},
		"negative hours":       {WorkOrderPatch{ActualHours: Value(-1.0)}, false},
	}
	for name, tc := range cases {
		err := tc.p.Validate(tc.forCreate)
		require.Error(t, err, name)
		require.True(t, errors.Is(err, ErrBadPayload), name)
	}
}

func TestWorkOrderPatch_ApplyTo(t *testing.T) {
	w := NewWorkOrder()
	w.Title = "old"
	w.Location = ptr("bay 1")
	w.AssignedTo = ptr("tech-1")

	WorkOrderPatch{
		Title:      Value("new"),
		AssignedTo: Null[string](),
		TeamID:     Value("north"),
	}.ApplyTo(&w)

	require.Equal(t, "new", w.Title)
	require.Nil(t, w.AssignedTo)
	require.Equal(t, "north", *w.TeamID)
	require.Equal(t, "bay 1", *w.Location)
	require.Equal(t, PriorityMedium, w.Priority)
}

func TestWorkOrderPatch_Columns(t *testing.T) {
	cols := WorkOrderPatch{
		Status:     Value(StatusOnHold),
		Title:      Value("t"),
		AssignedTo: Null[string](),
	}.columns()

	require.Len(t, cols, 3)
	require.Equal(t, "title", cols[0].name)
	require.Equal(t, "assigned_to", cols[1].name)
	require.Nil(t, cols[1].value)
	require.Equal(t, "status", cols[2].name)
	require.Equal(t, "on_hold", cols[2].value)
}
