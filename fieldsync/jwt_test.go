// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_TokenRoundTripToScope(t *testing.T) {
	a := NewJWTAuth("secret")
	tok, err := a.GenerateToken("s1", "dev-1", RoleSupervisor, []string{"north"}, time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/sync/health", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	scope, err := a.GetScope(r)
	require.NoError(t, err)
	require.Equal(t, CallerScope{UserID: "s1", Role: RoleSupervisor, TeamIDs: []string{"north"}, SourceID: "dev-1"}, scope)
}

func TestJWTAuth_RejectsBadTokens(t *testing.T) {
	a := NewJWTAuth("secret")

	other, err := NewJWTAuth("other").GenerateToken("u", "d", RoleAdmin, nil, time.Hour)
	require.NoError(t, err)
	_, err = a.ValidateToken(other)
	require.Error(t, err)

	expired, err := a.GenerateToken("u", "d", RoleAdmin, nil, -time.Minute)
	require.NoError(t, err)
	_, err = a.ValidateToken(expired)
	require.Error(t, err)

	noRole := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID:         "d",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "fieldsync"},
	})
	s, err := noRole.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = a.ValidateToken(s)
	require.ErrorContains(t, err, "role")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = a.GetScope(r)
	require.True(t, errors.Is(err, ErrUnauthenticated))

	r.Header.Set("Authorization", "Basic abc")
	_, err = a.GetScope(r)
	require.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestJWTAuth_RejectsForeignIssuer(t *testing.T) {
	a := NewJWTAuth("secret")
	for iss, want := range map[string]error{
		"":              jwt.ErrTokenRequiredClaimMissing,
		"other-service": jwt.ErrTokenInvalidIssuer,
	} {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
			DeviceID: "d",
			Role:     string(RoleAdmin),
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u",
				Issuer:    iss,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		s, err := tok.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = a.ValidateToken(s)
		require.ErrorIs(t, err, want, "issuer %q", iss)
	}
}

func TestJWTAuth_MiddlewareStoresIdentity(t *testing.T) {
	a := NewJWTAuth("secret")
	tok, err := a.GenerateToken("t1", "dev-9", RoleTechnician, nil, time.Hour)
	require.NoError(t, err)

	var got auth.Identity
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.GetIdentity(r.Context())
		scope, err := a.GetScope(r)
		require.NoError(t, err)
		require.Equal(t, RoleTechnician, scope.Role)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "t1", got.UserID)
	require.Equal(t, "dev-9", got.SourceID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "authentication_failed")
}
