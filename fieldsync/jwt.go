// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

// ErrUnauthenticated wraps every authentication failure.
var ErrUnauthenticated = errors.New("unauthenticated")

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		issuer: "fieldsync",
	}
}

// JWTClaims carries the caller identity and its visibility scope.
type JWTClaims struct {
	DeviceID string   `json:"did"`             // Device ID (becomes source_id)
	Role     string   `json:"role"`            // admin, supervisor, technician
	Teams    []string `json:"teams,omitempty"` // Team IDs for supervisor visibility
	jwt.RegisteredClaims
}

// Scope converts validated claims into a caller scope.
func (c *JWTClaims) Scope() CallerScope {
	return CallerScope{
		UserID:   c.Subject,
		Role:     ParseRole(c.Role),
		TeamIDs:  c.Teams,
		SourceID: c.DeviceID,
	}
}

// GenerateToken issues a token for a user on a device.
func (j *JWTAuth) GenerateToken(userID, deviceID string, role Role, teams []string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     string(role),
		Teams:    teams,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithIssuer(j.issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("missing role in token")
	}
	return claims, nil
}

// GetScope implements ClientAuthenticator. An identity already placed in the request
// context by Middleware takes precedence over the Authorization header.
func (j *JWTAuth) GetScope(r *http.Request) (CallerScope, error) {
	if id, ok := auth.GetIdentity(r.Context()); ok {
		return CallerScope{UserID: id.UserID, Role: ParseRole(id.Role), TeamIDs: id.TeamIDs, SourceID: id.SourceID}, nil
	}
	tokenString, err := bearerToken(r)
	if err != nil {
		return CallerScope{}, err
	}
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return CallerScope{}, fmt.Errorf("%w: invalid token: %v", ErrUnauthenticated, err)
	}
	return claims.Scope(), nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := tokenString
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Warn("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			writeJSONError(w, http.StatusUnauthorized, "authentication_failed", "Invalid token")
			return
		}
		ctx := auth.SetIdentity(r.Context(), auth.Identity{
			UserID:   claims.Subject,
			SourceID: claims.DeviceID,
			Role:     claims.Role,
			TeamIDs:  claims.Teams,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: authorization header required", ErrUnauthenticated)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
	}
	return strings.TrimSpace(token), nil
}
