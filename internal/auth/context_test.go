// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetIdentity_PopulatesAllKeys(t *testing.T) {
	ctx := SetIdentity(context.Background(), Identity{
		UserID:   "u1",
		SourceID: "dev-1",
		Role:     "supervisor",
		TeamIDs:  []string{"north"},
	})

	id, ok := GetIdentity(ctx)
	require.True(t, ok)
	require.Equal(t, "supervisor", id.Role)
	require.Equal(t, []string{"north"}, id.TeamIDs)

	user, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "u1", user)

	src, ok := GetSourceID(ctx)
	require.True(t, ok)
	require.Equal(t, "dev-1", src)
}

func TestGetIdentity_Missing(t *testing.T) {
	_, ok := GetIdentity(context.Background())
	require.False(t, ok)
}
