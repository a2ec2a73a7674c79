// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldops/go-fieldsync/internal/auth"
)

const tokenIssuer = "go-fieldsync"

// DeviceClaims ties a token to the field device it was minted for. The user
// travels in the standard subject claim, the device in "did"; both are
// required, since offline work is attributed per device.
type DeviceClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// JWTAuth mints and validates the bearer tokens field devices present.
type JWTAuth struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuth returns an authenticator over a shared HMAC secret.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// GenerateToken mints a token for userID working on deviceID, valid for ttl.
func (j *JWTAuth) GenerateToken(userID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken checks signature, issuer and expiry, and requires both the
// user and device identity claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*DeviceClaims, error) {
	var claims DeviceClaims
	if _, err := j.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return nil, errors.New("token missing user or device identity")
	}
	return &claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// Middleware validates the bearer token and stores the caller's identity in
// the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		claims, err := j.ValidateToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		ctx := auth.WithIdentity(r.Context(), auth.Identity{
			UserID:   claims.Subject,
			DeviceID: claims.DeviceID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
