// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource mints and caches HS256 bearer tokens for the records
// backend, with the user id as the subject claim. Tokens are reissued
// shortly before expiry so an in-flight request never carries a stale
// one.
type TokenSource struct {
	secret []byte
	userID string
	ttl    time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a token source for the user. A non-positive
// ttl defaults to one hour.
func NewTokenSource(secret, userID string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{secret: []byte(secret), userID: userID, ttl: ttl}
}

// Token returns a valid bearer token, minting a new one when the
// cached token is within 30 seconds of expiry.
func (s *TokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.token != "" && now.Before(s.expiresAt.Add(-30*time.Second)) {
		return s.token, nil
	}

	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   s.userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.token = token
	s.expiresAt = expiresAt
	return token, nil
}
