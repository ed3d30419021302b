// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	sourceIDKey contextKey = "source_id"
	userIDKey   contextKey = "user_id"
	identityKey contextKey = "identity"
)

// Identity is the authenticated caller as established by the auth middleware.
type Identity struct {
	UserID   string
	SourceID string
	Role     string
	TeamIDs  []string
}

// SetSourceID sets the source ID in the context
func SetSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID retrieves the source ID from the context
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetIdentity stores the full identity along with the user and source IDs.
func SetIdentity(ctx context.Context, id Identity) context.Context {
	ctx = SetUserID(ctx, id.UserID)
	ctx = SetSourceID(ctx, id.SourceID)
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the identity stored by SetIdentity.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
