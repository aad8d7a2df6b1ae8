// Copyright 2026 MarketMate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means the request carried no bearer token.
	ErrNoToken = errors.New("auth: missing bearer token")

	// ErrInvalidToken means the token failed signature or claim validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal identifies the authenticated caller of one request.
type Principal struct {
	UserID   string
	TenantID string
}

// Key returns the admission principal key for rate and concurrency counters.
func (p Principal) Key() string {
	if p.TenantID != "" {
		return p.TenantID + ":" + p.UserID
	}
	return p.UserID
}

type sessionClaims struct {
	TenantID string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 session tokens minted by the identity
// service.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator for the shared signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate extracts and validates the bearer token on r, returning the
// caller's identity.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Principal{}, ErrNoToken
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header || raw == "" {
		return Principal{}, ErrNoToken
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}

	return Principal{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// MintToken signs a session token for user, used by tests and local tooling.
func (a *Authenticator) MintToken(userID, tenantID string, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
