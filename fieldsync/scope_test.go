// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestCallerScope_Predicate(t *testing.T) {
	args := pgx.NamedArgs{}
	require.Equal(t, "TRUE", CallerScope{UserID: "a", Role: RoleAdmin}.predicate("", args))
	require.Empty(t, args)

	args = pgx.NamedArgs{}
	pred := CallerScope{UserID: "t1", Role: RoleTechnician}.predicate("", args)
	require.Equal(t, "(assigned_to = @scope_user OR created_by = @scope_user)", pred)
	require.Equal(t, "t1", args["scope_user"])

	args = pgx.NamedArgs{}
	pred = CallerScope{UserID: "s1", Role: RoleSupervisor}.predicate("w", args)
	require.Equal(t, "(w.team_id = ANY(@scope_teams::text[]) OR w.assigned_to = @scope_user OR w.created_by = @scope_user)", pred)
	require.Equal(t, []string{}, args["scope_teams"])

	require.Equal(t, "FALSE", CallerScope{UserID: "x", Role: "guest"}.predicate("", pgx.NamedArgs{}))
}

func TestCallerScope_Visible(t *testing.T) {
	w := NewWorkOrder()
	w.CreatedBy = "dispatcher"
	w.AssignedTo = ptr("t1")
	w.TeamID = ptr("north")

	require.True(t, CallerScope{UserID: "anyone", Role: RoleAdmin}.Visible(&w))
	require.True(t, CallerScope{UserID: "t1", Role: RoleTechnician}.Visible(&w))
	require.False(t, CallerScope{UserID: "t2", Role: RoleTechnician}.Visible(&w))
	require.True(t, CallerScope{UserID: "s1", Role: RoleSupervisor, TeamIDs: []string{"south", "north"}}.Visible(&w))
	require.False(t, CallerScope{UserID: "s1", Role: RoleSupervisor, TeamIDs: []string{"south"}}.Visible(&w))
	require.True(t, CallerScope{UserID: "dispatcher", Role: RoleSupervisor}.Visible(&w))
	require.False(t, CallerScope{UserID: "t1", Role: "guest"}.Visible(&w))
}

func TestParseRole(t *testing.T) {
	require.Equal(t, RoleSupervisor, ParseRole(" Supervisor "))
}
